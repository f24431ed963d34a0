package parcelport

import (
	"container/list"
	"sync"
)

// ConnectionCache pools idle outbound connections.
//
// It tracks, per destination, how many connections are outstanding (idle
// or in use) so that no more than `maxConnectionsPerLocality` are ever
// opened to the same destination, and keeps at most `maxCacheSize` idle
// connections overall.
//
// No I/O is ever performed while the cache lock is held: evicted
// connections are closed once it is released.
type ConnectionCache struct {
	maxCacheSize      int
	maxConnsPerLocale int

	lk sync.Mutex
	// idle connections per destination, most recently returned first.
	idle map[LocalityID]*list.List
	// all idle connections, most recently returned first.
	lru         *list.List
	outstanding map[LocalityID]int
	evictions   uint64
}

func NewConnectionCache(maxCacheSize, maxConnectionsPerLocality int) *ConnectionCache {
	if maxCacheSize < 1 {
		maxCacheSize = 1
	}
	if maxConnectionsPerLocality < 1 {
		maxConnectionsPerLocality = 1
	}
	return &ConnectionCache{
		maxCacheSize:      maxCacheSize,
		maxConnsPerLocale: maxConnectionsPerLocality,
		idle:              make(map[LocalityID]*list.List),
		lru:               list.New(),
		outstanding:       make(map[LocalityID]int),
	}
}

// Get pops the most recently returned idle connection to `dest`.
func (cc *ConnectionCache) Get(dest LocalityID) (*Connection, bool) {
	cc.lk.Lock()
	defer cc.lk.Unlock()
	conn := cc.popLocked(dest)
	return conn, conn != nil
}

// Add returns `conn` to the cache as an idle connection to `dest`.
//
// When a limit is exceeded, the least recently returned idle connection
// is evicted, preferring other destinations. `conn` itself is never
// evicted by the call that added it.
func (cc *ConnectionCache) Add(dest LocalityID, conn *Connection) {
	var evicted []*Connection

	cc.lk.Lock()
	if conn.destElem != nil {
		// already idle.
		cc.lk.Unlock()
		return
	}
	if conn.counted && conn.dest != dest {
		cc.uncountLocked(conn)
	}
	conn.dest = dest
	if !conn.counted {
		conn.counted = true
		cc.outstanding[dest]++
	}

	idle, has := cc.idle[dest]
	if !has {
		idle = list.New()
		cc.idle[dest] = idle
	}
	conn.destElem = idle.PushFront(conn)
	conn.lruElem = cc.lru.PushFront(conn)

	for idle.Len() > cc.maxConnsPerLocale {
		evicted = append(evicted, cc.evictLocked(idle.Back().Value.(*Connection)))
	}
	for cc.lru.Len() > cc.maxCacheSize {
		victim := cc.victimLocked(dest)
		if victim == nil {
			break
		}
		evicted = append(evicted, cc.evictLocked(victim))
	}
	cc.lk.Unlock()

	for _, conn := range evicted {
		conn.Close()
	}
}

// Full reports whether a new connection to `dest` must not be opened: it
// already has `maxConnectionsPerLocality` outstanding connections and none
// of them is idle.
func (cc *ConnectionCache) Full(dest LocalityID) bool {
	cc.lk.Lock()
	defer cc.lk.Unlock()
	return cc.fullLocked(dest)
}

// Clear closes every idle connection. Connections in use are unaffected.
func (cc *ConnectionCache) Clear() {
	cc.lk.Lock()
	evicted := make([]*Connection, 0, cc.lru.Len())
	for elem := cc.lru.Front(); elem != nil; elem = elem.Next() {
		conn := elem.Value.(*Connection)
		conn.destElem, conn.lruElem = nil, nil
		cc.uncountLocked(conn)
		evicted = append(evicted, conn)
	}
	cc.lru.Init()
	clear(cc.idle)
	cc.lk.Unlock()

	for _, conn := range evicted {
		conn.Close()
	}
}

// Drop forgets about a connection, idle or in use, and closes it. It is
// used for connections which broke while writing.
func (cc *ConnectionCache) Drop(conn *Connection) {
	cc.lk.Lock()
	if conn.destElem != nil {
		cc.unlinkLocked(conn)
	}
	cc.uncountLocked(conn)
	cc.lk.Unlock()

	conn.Close()
}

// IdleCount returns the number of idle connections.
func (cc *ConnectionCache) IdleCount() int {
	cc.lk.Lock()
	defer cc.lk.Unlock()
	return cc.lru.Len()
}

// IdleCountFor returns the number of idle connections to `dest`.
func (cc *ConnectionCache) IdleCountFor(dest LocalityID) int {
	cc.lk.Lock()
	defer cc.lk.Unlock()
	if idle, has := cc.idle[dest]; has {
		return idle.Len()
	}
	return 0
}

// Outstanding returns the number of connections to `dest`, idle or in
// use.
func (cc *ConnectionCache) Outstanding(dest LocalityID) int {
	cc.lk.Lock()
	defer cc.lk.Unlock()
	return cc.outstanding[dest]
}

// Evictions counts the connections closed to enforce the limits.
func (cc *ConnectionCache) Evictions() uint64 {
	cc.lk.Lock()
	defer cc.lk.Unlock()
	return cc.evictions
}

// acquire either pops an idle connection to `dest`, or reserves the right
// to open a new one. It returns `nil, false` when the destination is full.
//
// A reservation MUST be followed by `Add`, `Drop` or `release`.
func (cc *ConnectionCache) acquire(dest LocalityID) (conn *Connection, reserved bool) {
	cc.lk.Lock()
	defer cc.lk.Unlock()
	if conn := cc.popLocked(dest); conn != nil {
		return conn, false
	}
	if cc.fullLocked(dest) {
		return nil, false
	}
	cc.outstanding[dest]++
	return nil, true
}

// release gives back a reservation which did not produce a connection.
func (cc *ConnectionCache) release(dest LocalityID) {
	cc.lk.Lock()
	defer cc.lk.Unlock()
	cc.decrLocked(dest)
}

func (cc *ConnectionCache) fullLocked(dest LocalityID) bool {
	if idle, has := cc.idle[dest]; has && idle.Len() > 0 {
		return false
	}
	return cc.outstanding[dest] >= cc.maxConnsPerLocale
}

func (cc *ConnectionCache) popLocked(dest LocalityID) *Connection {
	idle, has := cc.idle[dest]
	if !has || idle.Len() == 0 {
		return nil
	}
	conn := idle.Front().Value.(*Connection)
	cc.unlinkLocked(conn)
	return conn
}

// victimLocked picks the least recently returned idle connection of a
// destination other than `keep`, falling back to the oldest idle
// connection of `keep` itself, except the one just added.
func (cc *ConnectionCache) victimLocked(keep LocalityID) *Connection {
	for elem := cc.lru.Back(); elem != nil; elem = elem.Prev() {
		if conn := elem.Value.(*Connection); conn.dest != keep {
			return conn
		}
	}
	idle := cc.idle[keep]
	if idle == nil || idle.Len() < 2 {
		return nil
	}
	return idle.Back().Value.(*Connection)
}

func (cc *ConnectionCache) evictLocked(conn *Connection) *Connection {
	cc.unlinkLocked(conn)
	cc.uncountLocked(conn)
	cc.evictions++
	return conn
}

func (cc *ConnectionCache) unlinkLocked(conn *Connection) {
	idle := cc.idle[conn.dest]
	idle.Remove(conn.destElem)
	if idle.Len() == 0 {
		delete(cc.idle, conn.dest)
	}
	cc.lru.Remove(conn.lruElem)
	conn.destElem, conn.lruElem = nil, nil
}

func (cc *ConnectionCache) uncountLocked(conn *Connection) {
	if !conn.counted {
		return
	}
	conn.counted = false
	cc.decrLocked(conn.dest)
}

func (cc *ConnectionCache) decrLocked(dest LocalityID) {
	if cc.outstanding[dest] <= 1 {
		delete(cc.outstanding, dest)
		return
	}
	cc.outstanding[dest]--
}

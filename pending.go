package parcelport

import "sync"

// WriteHandler is called once the parcel it was submitted with has been
// written, or failed to be. `n` is the size of the whole batch the parcel
// was written in.
type WriteHandler func(err error, n int)

// pendingQueue buffers, per destination, the parcels waiting for a
// connection along with their handlers. Both sequences always have the
// same length.
type pendingQueue struct {
	lk     sync.Mutex
	byDest map[LocalityID]*pendingParcels
}

type pendingParcels struct {
	parcels  []*Parcel
	handlers []WriteHandler
}

func newPendingQueue() *pendingQueue {
	return &pendingQueue{
		byDest: make(map[LocalityID]*pendingParcels),
	}
}

// enqueue returns the number of parcels queued for `dest`, `p` included.
func (pq *pendingQueue) enqueue(dest LocalityID, p *Parcel, handler WriteHandler) int {
	pq.lk.Lock()
	defer pq.lk.Unlock()
	pending, has := pq.byDest[dest]
	if !has {
		pending = &pendingParcels{}
		pq.byDest[dest] = pending
	}
	pending.parcels = append(pending.parcels, p)
	pending.handlers = append(pending.handlers, handler)
	return len(pending.parcels)
}

// drain swaps out every parcel queued for `dest`.
func (pq *pendingQueue) drain(dest LocalityID) ([]*Parcel, []WriteHandler) {
	pq.lk.Lock()
	defer pq.lk.Unlock()
	pending, has := pq.byDest[dest]
	if !has {
		return nil, nil
	}
	delete(pq.byDest, dest)
	return pending.parcels, pending.handlers
}

func (pq *pendingQueue) len(dest LocalityID) int {
	pq.lk.Lock()
	defer pq.lk.Unlock()
	if pending, has := pq.byDest[dest]; has {
		return len(pending.parcels)
	}
	return 0
}

// drainAll swaps out every queued parcel, all destinations included.
func (pq *pendingQueue) drainAll() map[LocalityID]*pendingParcels {
	pq.lk.Lock()
	defer pq.lk.Unlock()
	all := pq.byDest
	pq.byDest = make(map[LocalityID]*pendingParcels)
	return all
}

package parcelport

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

// LocalityID identifies a node of the runtime. It is the destination
// prefix of every parcel.
type LocalityID uint32

func (id LocalityID) String() string {
	return fmt.Sprintf("locality#%d", uint32(id))
}

// Address is the set of endpoints a locality can be reached on. Endpoints
// are tried in order when connecting.
type Address struct {
	Locality  LocalityID
	Endpoints []string
}

func (addr Address) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("locality", uint64(addr.Locality)),
		slog.Any("endpoints", addr.Endpoints),
	)
}

// Resolver resolves the endpoints of a locality.
//
// *Implementations* MUST be safe for concurrent use and SHOULD NOT block
// longer than `ctx` allows.
type Resolver interface {
	Resolve(ctx context.Context, id LocalityID) (Address, error)
}

// StaticResolver is a `Resolver` backed by a fixed table, populated by the
// user.
type StaticResolver struct {
	lk    sync.RWMutex
	table map[LocalityID][]string
}

func NewStaticResolver(addrs ...Address) *StaticResolver {
	sr := &StaticResolver{
		table: make(map[LocalityID][]string, len(addrs)),
	}
	for _, addr := range addrs {
		sr.Set(addr)
	}
	return sr
}

// Set replaces the endpoints of `addr.Locality`.
func (sr *StaticResolver) Set(addr Address) {
	sr.lk.Lock()
	defer sr.lk.Unlock()
	sr.table[addr.Locality] = slices.Clone(addr.Endpoints)
}

func (sr *StaticResolver) Remove(id LocalityID) {
	sr.lk.Lock()
	defer sr.lk.Unlock()
	delete(sr.table, id)
}

func (sr *StaticResolver) Resolve(_ context.Context, id LocalityID) (Address, error) {
	sr.lk.RLock()
	defer sr.lk.RUnlock()
	endpoints, has := sr.table[id]
	if !has {
		return Address{}, fmt.Errorf("%w: %s", ErrUnknownLocality, id)
	}
	return Address{Locality: id, Endpoints: slices.Clone(endpoints)}, nil
}

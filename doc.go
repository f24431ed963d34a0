// Package parcelport moves *parcels* between *localities*.
//
// A *locality* is one process of a distributed application, identified by a
// `LocalityID`. A `Parcel` carries an `Action`, a serializable callable, plus
// an opaque payload. Once received, the action runs on its destination inside
// a cooperative execution context, from where it can reply with new parcels.
//
// ## How it works
//
// The first thing to do is to create a `Parcelport` with `New` and `Run` it,
// so it starts accepting parcels on its endpoints. Then, `Parcelport.SendTo`
// resolves the destination through a `Resolver` and hands the parcel over.
//
// Under the hood, parcels are queued per destination and sent in *batches*:
//
// * If an idle connection to the destination is cached, the whole queue is
// written on it at once.
// * If not, and the `ConnectionCache` still has room, a new connection is
// established, retrying with a delay between attempts.
// * Otherwise, the parcel stays queued and leaves with the next batch.
//
// Once a batch is written, its connection goes back to the cache, every
// write handler is called in order, then a `send_pending_parcels` work item
// drains whatever was queued in the meantime.
//
// The `Network` is pluggable: `TCPNetwork` is used by default, and
// `quicnet.Network` multiplexes parcel streams over a single QUIC
// connection per peer. Localities can be discovered statically with a
// `StaticResolver`, or through the gossip protocol of a `GossipResolver`.
//
// ## Failure Model
//
// APIs MUST NOT model an *infallible* network: this doesn't exist.
// Connection errors are reported as `*NetworkError` carrying the `Phase`
// which failed, and write handlers are always called, either with the
// number of bytes written or with an error.
// Parcels are never silently dropped: those still queued when the
// `Parcelport` stops are failed with `ErrShutdown`.
package parcelport

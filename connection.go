package parcelport

import (
	"bufio"
	"container/list"
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/raskyld/parcelport/pkg/archive"
	"google.golang.org/protobuf/encoding/protowire"
)

// Connection is an outbound connection bound to a single destination.
//
// A connection is either idle, owned by the `ConnectionCache`, or used by
// exactly one batched write at a time.
type Connection struct {
	dest LocalityID
	addr Address
	nc   net.Conn

	maxFrameSize uint64
	body         *archive.Writer
	frame        []byte
	writes       atomic.Uint64
	closed       atomic.Bool

	// bookkeeping of the cache, guarded by its lock.
	counted  bool
	destElem *list.Element
	lruElem  *list.Element
}

func newConnection(addr Address, nc net.Conn, maxFrameSize uint64) *Connection {
	return &Connection{
		dest:         addr.Locality,
		addr:         addr,
		nc:           nc,
		maxFrameSize: maxFrameSize,
		body:         archive.NewWriter(512),
	}
}

func (c *Connection) Destination() LocalityID {
	return c.dest
}

func (c *Connection) RemoteAddr() net.Addr {
	return c.nc.RemoteAddr()
}

// Writes counts the batches written on this connection.
func (c *Connection) Writes() uint64 {
	return c.writes.Load()
}

// WriteBatch writes all `parcels`, in order, and returns the number of
// bytes written. Parcels are split in as many frames as needed to keep
// each of them within the maximum frame size. The deadline of `ctx`, if
// any, bounds the write.
//
// An `archive.ErrFrameTooLarge` error means nothing was written.
func (c *Connection) WriteBatch(ctx context.Context, parcels []*Parcel) (int, error) {
	batches, err := splitBatch(parcels, c.maxFrameSize)
	if err != nil {
		return 0, err
	}
	c.frame = c.frame[:0]
	for _, batch := range batches {
		c.body.Reset()
		encodeBatch(c.body, batch)
		c.frame = archive.AppendFrame(c.frame, c.body.Bytes())
	}

	deadline, _ := ctx.Deadline()
	if err := c.nc.SetWriteDeadline(deadline); err != nil {
		return 0, err
	}
	n, err := c.nc.Write(c.frame)
	if err == nil {
		c.writes.Add(1)
	}
	return n, err
}

// splitBatch cuts `parcels` in consecutive batches whose frame body fits
// in `maxFrameSize`. Zero means no limit.
func splitBatch(parcels []*Parcel, maxFrameSize uint64) ([][]*Parcel, error) {
	if maxFrameSize == 0 {
		return [][]*Parcel{parcels}, nil
	}

	var (
		batches [][]*Parcel
		start   int
		records int
	)
	for i, p := range parcels {
		record := protowire.SizeBytes(p.Size())
		if size := uint64(batchBodySize(1, record)); size > maxFrameSize {
			return nil, fmt.Errorf("%w: parcel %s needs %d bytes", archive.ErrFrameTooLarge, p.ID, size)
		}
		if i > start && uint64(batchBodySize(i-start+1, records+record)) > maxFrameSize {
			batches = append(batches, parcels[start:i])
			start, records = i, 0
		}
		records += record
	}
	return append(batches, parcels[start:]), nil
}

// batchBodySize is the size of a batch frame body holding `count` records
// taking `records` bytes.
func batchBodySize(count, records int) int {
	return protowire.SizeVarint(uint64(count)) + records
}

// Close is idempotent.
func (c *Connection) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.nc.Close()
}

// batchReader decodes the frames of an inbound connection.
type batchReader struct {
	r            *bufio.Reader
	maxFrameSize uint64
}

func newBatchReader(nc net.Conn, maxFrameSize uint64) *batchReader {
	return &batchReader{
		r:            bufio.NewReader(nc),
		maxFrameSize: maxFrameSize,
	}
}

// next blocks until a whole frame is received.
func (br *batchReader) next() ([]byte, time.Duration, error) {
	if _, err := br.r.Peek(1); err != nil {
		return nil, 0, err
	}
	start := time.Now()
	frame, err := archive.ReadFrame(br.r, br.maxFrameSize)
	return frame, time.Since(start), err
}

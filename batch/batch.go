// Package batch provides the encoded write batch that travels through the
// write path. A batch is a self-contained byte payload: a fixed header
// carrying the base sequence number and the record count, followed by the
// records themselves. The encoding is append-only so building a batch never
// rewrites earlier records, and the raw representation can be handed to the
// WAL without a second serialization pass.
package batch

import (
	"encoding/binary"
	"fmt"

	"github.com/hupe1980/lsmgo/core"
)

const (
	// HeaderSize is the fixed prefix of every encoded batch:
	// 8 bytes base sequence number + 4 bytes record count.
	HeaderSize = 12

	countOffset = 8
)

// ErrCorrupted is returned when an encoded batch cannot be decoded.
var ErrCorrupted = fmt.Errorf("batch: corrupted representation")

// Batch collects Set and Delete records destined for one or more column
// families. The zero value is not usable; call New.
//
// Batch is not safe for concurrent mutation. Once handed to the write
// path it must not be modified.
type Batch struct {
	repr []byte
}

// New creates an empty batch.
func New() *Batch {
	b := &Batch{repr: make([]byte, HeaderSize, 256)}
	return b
}

// FromRepr wraps an already encoded representation, e.g. one read back
// from the WAL during recovery. The slice is used directly, not copied.
func FromRepr(repr []byte) (*Batch, error) {
	if len(repr) < HeaderSize {
		return nil, ErrCorrupted
	}
	return &Batch{repr: repr}, nil
}

// Set appends a key/value insertion for the given column family.
func (b *Batch) Set(cf core.CFID, key, value []byte) {
	b.repr = append(b.repr, byte(core.KindSet))
	b.repr = binary.AppendUvarint(b.repr, uint64(cf))
	b.repr = binary.AppendUvarint(b.repr, uint64(len(key)))
	b.repr = append(b.repr, key...)
	b.repr = binary.AppendUvarint(b.repr, uint64(len(value)))
	b.repr = append(b.repr, value...)
	b.setCount(b.Count() + 1)
}

// Delete appends a deletion (tombstone) for the given column family.
func (b *Batch) Delete(cf core.CFID, key []byte) {
	b.repr = append(b.repr, byte(core.KindDelete))
	b.repr = binary.AppendUvarint(b.repr, uint64(cf))
	b.repr = binary.AppendUvarint(b.repr, uint64(len(key)))
	b.repr = append(b.repr, key...)
	b.setCount(b.Count() + 1)
}

// Count returns the number of records in the batch.
func (b *Batch) Count() int {
	return int(binary.LittleEndian.Uint32(b.repr[countOffset:HeaderSize]))
}

func (b *Batch) setCount(n int) {
	binary.LittleEndian.PutUint32(b.repr[countOffset:HeaderSize], uint32(n)) //nolint:gosec
}

// ByteSize returns the encoded size of the batch including the header.
func (b *Batch) ByteSize() int {
	return len(b.repr)
}

// Empty reports whether the batch holds no records.
func (b *Batch) Empty() bool {
	return b.Count() == 0
}

// Sequence returns the base sequence number stored in the header.
func (b *Batch) Sequence() core.SeqNum {
	return core.SeqNum(binary.LittleEndian.Uint64(b.repr[:countOffset]))
}

// SetSequence stores the base sequence number in the header. The n-th
// record of the batch is versioned at Sequence()+n.
func (b *Batch) SetSequence(seq core.SeqNum) {
	binary.LittleEndian.PutUint64(b.repr[:countOffset], uint64(seq))
}

// Repr returns the encoded representation. The caller must not modify it.
func (b *Batch) Repr() []byte {
	return b.repr
}

// Reset truncates the batch back to empty, retaining the allocation.
func (b *Batch) Reset() {
	b.repr = b.repr[:HeaderSize]
	for i := range b.repr {
		b.repr[i] = 0
	}
}

// Record is one decoded batch record.
type Record struct {
	Kind  core.ValueKind
	CF    core.CFID
	Key   []byte
	Value []byte
}

// Iter walks the records in insertion order. The Key and Value slices
// alias the batch representation and are only valid during the call.
// Iteration stops early if fn returns an error, which is returned as-is.
func (b *Batch) Iter(fn func(rec Record) error) error {
	data := b.repr[HeaderSize:]
	for n := b.Count(); n > 0; n-- {
		rec, rest, err := decodeRecord(data)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
		data = rest
	}
	if len(data) != 0 {
		return ErrCorrupted
	}
	return nil
}

// CFs returns the set of column families touched by the batch.
func (b *Batch) CFs() (core.CFSet, error) {
	set := make(core.CFSet)
	err := b.Iter(func(rec Record) error {
		set.Add(rec.CF)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return set, nil
}

func decodeRecord(data []byte) (Record, []byte, error) {
	var rec Record
	if len(data) < 1 {
		return rec, nil, ErrCorrupted
	}
	rec.Kind = core.ValueKind(data[0])
	if rec.Kind != core.KindSet && rec.Kind != core.KindDelete {
		return rec, nil, ErrCorrupted
	}
	data = data[1:]

	cf, n := binary.Uvarint(data)
	if n <= 0 {
		return rec, nil, ErrCorrupted
	}
	rec.CF = core.CFID(cf) //nolint:gosec
	data = data[n:]

	keyLen, n := binary.Uvarint(data)
	if n <= 0 || uint64(len(data)-n) < keyLen {
		return rec, nil, ErrCorrupted
	}
	data = data[n:]
	rec.Key = data[:keyLen]
	data = data[keyLen:]

	if rec.Kind == core.KindSet {
		valLen, n := binary.Uvarint(data)
		if n <= 0 || uint64(len(data)-n) < valLen {
			return rec, nil, ErrCorrupted
		}
		data = data[n:]
		rec.Value = data[:valLen]
		data = data[valLen:]
	}
	return rec, data, nil
}

package lsmgo

import (
	"time"

	"github.com/hupe1980/lsmgo/batch"
	"github.com/hupe1980/lsmgo/core"
	"github.com/hupe1980/lsmgo/engine"
)

// DefaultColumnFamily is the id of the always-present column family.
const DefaultColumnFamily = core.DefaultCFID

// Batch collects mutations that commit atomically.
type Batch = batch.Batch

// NewBatch creates an empty batch.
func NewBatch() *Batch {
	return batch.New()
}

// DB is an open database handle. All methods are safe for concurrent use.
type DB struct {
	eng *engine.DB
}

// Open opens (or creates) a database rooted at dir.
func Open(dir string, optFns ...func(o *Options)) (*DB, error) {
	eng, err := engine.Open(dir, optFns...)
	if err != nil {
		return nil, err
	}
	return &DB{eng: eng}, nil
}

// WriteOption tunes a single write.
type WriteOption = func(o *engine.WriteOptions)

// WithSync makes the write durable before it returns.
func WithSync() WriteOption {
	return func(o *engine.WriteOptions) { o.Sync = true }
}

// WithNoWAL skips the write-ahead log for this write.
func WithNoWAL() WriteOption {
	return func(o *engine.WriteOptions) { o.DisableWAL = true }
}

// WithWriteTimeout bounds the time the write may wait for admission.
func WithWriteTimeout(d time.Duration) WriteOption {
	return func(o *engine.WriteOptions) { o.Timeout = d }
}

// WithCallback runs fn immediately before the write executes; a non-nil
// return aborts the write.
func WithCallback(fn func() error) WriteOption {
	return func(o *engine.WriteOptions) { o.Callback = fn }
}

func writeOptions(optFns []WriteOption) engine.WriteOptions {
	var opts engine.WriteOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	return opts
}

// Put writes a key/value pair into the default column family.
func (db *DB) Put(key, value []byte, optFns ...WriteOption) error {
	return db.eng.Put(key, value, writeOptions(optFns))
}

// Delete removes a key from the default column family.
func (db *DB) Delete(key []byte, optFns ...WriteOption) error {
	return db.eng.Delete(key, writeOptions(optFns))
}

// Write commits a batch atomically.
func (db *DB) Write(b *Batch, optFns ...WriteOption) error {
	return db.eng.Write(b, writeOptions(optFns))
}

// Get returns the newest value of key in the default column family.
func (db *DB) Get(key []byte) ([]byte, error) {
	return db.eng.Get(core.DefaultCFID, key)
}

// GetCF returns the newest value of key in the given column family.
func (db *DB) GetCF(cf core.CFID, key []byte) ([]byte, error) {
	return db.eng.Get(cf, key)
}

// ColumnFamilyID resolves a column family name to its id.
func (db *DB) ColumnFamilyID(name string) (core.CFID, bool) {
	return db.eng.ColumnFamilyID(name)
}

// LastSequence returns the highest assigned sequence number.
func (db *DB) LastSequence() core.SeqNum {
	return db.eng.LastSequence()
}

// Flush queues every non-empty memtable for background flushing.
func (db *DB) Flush() error {
	return db.eng.Flush()
}

// Close flushes, checkpoints the log, and releases all resources.
func (db *DB) Close() error {
	return db.eng.Close()
}

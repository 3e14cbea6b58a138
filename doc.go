// Package lsmgo is an embedded, log-structured write path for key/value
// data: a write-thread coordinator that serializes and batches concurrent
// writers, a write-ahead log with group commit, versioned memtables, and
// background flushing into compressed, immutable segment blobs.
//
// # Basic usage
//
//	db, err := lsmgo.Open("/tmp/mydb")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.Put([]byte("key"), []byte("value")); err != nil {
//		log.Fatal(err)
//	}
//
//	value, err := db.Get([]byte("key"))
//
// # Batches
//
// Multiple mutations commit atomically through a Batch:
//
//	b := lsmgo.NewBatch()
//	b.Set(lsmgo.DefaultColumnFamily, []byte("a"), []byte("1"))
//	b.Delete(lsmgo.DefaultColumnFamily, []byte("b"))
//	err := db.Write(b)
//
// Concurrent writers are grouped automatically: one leader commits many
// writers' batches with a single WAL append and fsync. With
// WithParallelWrites enabled, every group of more than one batch fans out
// across the writers' own goroutines instead.
package lsmgo

package wal

import (
	"fmt"
	"io"

	"github.com/hupe1980/lsmgo/core"
)

// Replay walks the log from the start and hands every batch
// representation appended after the last checkpoint to the callback, in
// append order. A torn entry at the tail (crash mid-append) ends the
// replay silently; corruption in the middle is reported.
func (w *WAL) Replay(callback func(seq core.SeqNum, repr []byte) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return ErrClosed
	}

	if _, err := w.file.Seek(w.dataOffset, io.SeekStart); err != nil {
		return err
	}
	reader, err := w.entryReader()
	if err != nil {
		return err
	}

	// Collect entries, restarting after every checkpoint so only the live
	// suffix is replayed.
	var live []Entry
	for {
		var entry Entry
		if err := decodeEntry(reader, &entry); err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("WAL corrupted at entry: %w", err)
		}
		switch entry.Type {
		case EntryCheckpoint:
			live = live[:0]
		case EntryBatch:
			live = append(live, entry)
		}
	}

	for _, entry := range live {
		if err := callback(entry.SeqNum, entry.Repr); err != nil {
			return fmt.Errorf("failed to replay entry %d: %w", entry.SeqNum, err)
		}
	}

	_, err = w.file.Seek(0, io.SeekEnd)
	return err
}

package wal

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/hupe1980/lsmgo/core"
)

func seqNumFrom(b []byte) core.SeqNum {
	return core.SeqNum(binary.LittleEndian.Uint64(b))
}

// Entry wire format: [Type:1][SeqNum:8][ReprLen:4][Repr:N].
// Checkpoint entries carry no representation (ReprLen 0).

func (w *WAL) encodeEntry(entry *Entry) error {
	var hdr [13]byte
	hdr[0] = byte(entry.Type)
	binary.LittleEndian.PutUint64(hdr[1:9], uint64(entry.SeqNum))
	binary.LittleEndian.PutUint32(hdr[9:13], uint32(len(entry.Repr))) //nolint:gosec

	if _, err := w.writer.Write(hdr[:]); err != nil {
		return fmt.Errorf("failed to write WAL entry header: %w", err)
	}
	if len(entry.Repr) > 0 {
		if _, err := w.writer.Write(entry.Repr); err != nil {
			return fmt.Errorf("failed to write WAL entry payload: %w", err)
		}
	}
	return nil
}

func decodeEntry(r io.Reader, entry *Entry) error {
	var hdr [13]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return io.EOF
		}
		return err
	}

	entry.Type = EntryType(hdr[0])
	if entry.Type != EntryBatch && entry.Type != EntryCheckpoint {
		return fmt.Errorf("unknown WAL entry type: %d", hdr[0])
	}
	entry.SeqNum = seqNumFrom(hdr[1:9])

	reprLen := binary.LittleEndian.Uint32(hdr[9:13])
	entry.Repr = nil
	if reprLen > 0 {
		entry.Repr = make([]byte, reprLen)
		if _, err := io.ReadFull(r, entry.Repr); err != nil {
			if err == io.ErrUnexpectedEOF {
				return io.EOF
			}
			return err
		}
	}
	return nil
}

func (w *WAL) flushLocked() error {
	if err := w.bufWriter.Flush(); err != nil {
		return fmt.Errorf("failed to flush buffer: %w", err)
	}
	if w.compressed {
		if err := w.compressor.Flush(); err != nil {
			return fmt.Errorf("failed to flush compressor: %w", err)
		}
	}
	return nil
}

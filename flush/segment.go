package flush

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/hupe1980/lsmgo/core"
	"github.com/hupe1980/lsmgo/memtable"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec selects the segment body compression.
type Codec uint8

const (
	// CodecNone stores the body uncompressed.
	CodecNone Codec = iota
	// CodecLZ4 compresses the body with lz4. Fast, the default.
	CodecLZ4
	// CodecZSTD compresses the body with zstd. Smaller, slower.
	CodecZSTD
)

var segmentMagic = [4]byte{'L', 'G', 'S', '0'}

const segmentVersion = uint8(1)

// Segment layout:
//
//	[magic:4][version:1][codec:1][reserved:2]
//	[bodyLen:8][body]
//	[count:4][bitmapLen:4][bitmap]
//
// The body holds the memtable entries in iteration order:
// [seq:8][kind:1][keyLen uvarint][key][valLen uvarint][val], compressed
// per the codec. The bitmap is a roaring set of the positions (indexes
// into the entry stream) that are tombstones, so readers can shadow older
// data without decoding every record.

// WriteSegment streams the entries produced by iterate into w. Returns
// the number of entries written.
func WriteSegment(w io.Writer, codec Codec, iterate func(fn func(e memtable.Entry) bool)) (int, error) {
	var body bytes.Buffer
	bodyWriter, finish, err := compressingWriter(&body, codec)
	if err != nil {
		return 0, err
	}

	count := 0
	tombstones := roaring.New()
	var writeErr error
	iterate(func(e memtable.Entry) bool {
		if writeErr = writeEntry(bodyWriter, e); writeErr != nil {
			return false
		}
		if e.Kind == core.KindDelete {
			tombstones.Add(uint32(count)) //nolint:gosec
		}
		count++
		return true
	})
	if writeErr != nil {
		return 0, fmt.Errorf("failed to encode segment entry: %w", writeErr)
	}
	if err := finish(); err != nil {
		return 0, fmt.Errorf("failed to finish segment body: %w", err)
	}

	var hdr [8]byte
	copy(hdr[:4], segmentMagic[:])
	hdr[4] = segmentVersion
	hdr[5] = byte(codec)
	if _, err := w.Write(hdr[:]); err != nil {
		return 0, err
	}

	var bodyLen [8]byte
	binary.LittleEndian.PutUint64(bodyLen[:], uint64(body.Len()))
	if _, err := w.Write(bodyLen[:]); err != nil {
		return 0, err
	}
	if _, err := w.Write(body.Bytes()); err != nil {
		return 0, err
	}

	bitmap, err := tombstones.ToBytes()
	if err != nil {
		return 0, fmt.Errorf("failed to serialize tombstone bitmap: %w", err)
	}
	var footer [8]byte
	binary.LittleEndian.PutUint32(footer[:4], uint32(count))    //nolint:gosec
	binary.LittleEndian.PutUint32(footer[4:], uint32(len(bitmap))) //nolint:gosec
	if _, err := w.Write(footer[:]); err != nil {
		return 0, err
	}
	if _, err := w.Write(bitmap); err != nil {
		return 0, err
	}
	return count, nil
}

func compressingWriter(buf *bytes.Buffer, codec Codec) (io.Writer, func() error, error) {
	switch codec {
	case CodecNone:
		return buf, func() error { return nil }, nil
	case CodecLZ4:
		zw := lz4.NewWriter(buf)
		return zw, zw.Close, nil
	case CodecZSTD:
		zw, err := zstd.NewWriter(buf)
		if err != nil {
			return nil, nil, err
		}
		return zw, zw.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown segment codec: %d", codec)
	}
}

func writeEntry(w io.Writer, e memtable.Entry) error {
	var hdr [9]byte
	binary.LittleEndian.PutUint64(hdr[:8], uint64(e.Seq))
	hdr[8] = byte(e.Kind)
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}

	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(e.Key)))
	if _, err := w.Write(lenBuf[:n]); err != nil {
		return err
	}
	if _, err := w.Write(e.Key); err != nil {
		return err
	}

	n = binary.PutUvarint(lenBuf[:], uint64(len(e.Value)))
	if _, err := w.Write(lenBuf[:n]); err != nil {
		return err
	}
	if len(e.Value) > 0 {
		if _, err := w.Write(e.Value); err != nil {
			return err
		}
	}
	return nil
}

// Segment is a decoded segment.
type Segment struct {
	Entries    []memtable.Entry
	Tombstones *roaring.Bitmap
}

// ReadSegment decodes a segment previously produced by WriteSegment.
func ReadSegment(r io.Reader) (*Segment, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("failed to read segment header: %w", err)
	}
	if !bytes.Equal(hdr[:4], segmentMagic[:]) {
		return nil, fmt.Errorf("invalid segment magic")
	}
	if hdr[4] != segmentVersion {
		return nil, fmt.Errorf("unsupported segment version: %d", hdr[4])
	}
	codec := Codec(hdr[5])

	var bodyLenBuf [8]byte
	if _, err := io.ReadFull(r, bodyLenBuf[:]); err != nil {
		return nil, fmt.Errorf("failed to read segment body length: %w", err)
	}
	bodyLen := binary.LittleEndian.Uint64(bodyLenBuf[:])

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("failed to read segment body: %w", err)
	}

	var footer [8]byte
	if _, err := io.ReadFull(r, footer[:]); err != nil {
		return nil, fmt.Errorf("failed to read segment footer: %w", err)
	}
	count := binary.LittleEndian.Uint32(footer[:4])
	bitmapLen := binary.LittleEndian.Uint32(footer[4:])

	bitmap := roaring.New()
	if bitmapLen > 0 {
		raw := make([]byte, bitmapLen)
		if _, err := io.ReadFull(r, raw); err != nil {
			return nil, fmt.Errorf("failed to read tombstone bitmap: %w", err)
		}
		if err := bitmap.UnmarshalBinary(raw); err != nil {
			return nil, fmt.Errorf("failed to decode tombstone bitmap: %w", err)
		}
	}

	raw, err := decompressingReader(bytes.NewReader(body), codec)
	if err != nil {
		return nil, err
	}
	bodyReader := bufio.NewReader(raw)

	seg := &Segment{Tombstones: bitmap}
	for i := uint32(0); i < count; i++ {
		e, err := readEntry(bodyReader)
		if err != nil {
			return nil, fmt.Errorf("failed to decode segment entry %d: %w", i, err)
		}
		seg.Entries = append(seg.Entries, e)
	}
	return seg, nil
}

func decompressingReader(r io.Reader, codec Codec) (io.Reader, error) {
	switch codec {
	case CodecNone:
		return r, nil
	case CodecLZ4:
		return lz4.NewReader(r), nil
	case CodecZSTD:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return zr.IOReadCloser(), nil
	default:
		return nil, fmt.Errorf("unknown segment codec: %d", codec)
	}
}

func readEntry(r *bufio.Reader) (memtable.Entry, error) {
	var e memtable.Entry

	var hdr [9]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return e, err
	}
	e.Seq = core.SeqNum(binary.LittleEndian.Uint64(hdr[:8]))
	e.Kind = core.ValueKind(hdr[8])

	keyLen, err := binary.ReadUvarint(r)
	if err != nil {
		return e, err
	}
	e.Key = make([]byte, keyLen)
	if _, err := io.ReadFull(r, e.Key); err != nil {
		return e, err
	}

	valLen, err := binary.ReadUvarint(r)
	if err != nil {
		return e, err
	}
	if valLen > 0 {
		e.Value = make([]byte, valLen)
		if _, err := io.ReadFull(r, e.Value); err != nil {
			return e, err
		}
	}
	return e, nil
}

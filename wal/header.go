package wal

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

var (
	walMagic         = [4]byte{'L', 'G', 'W', '0'}
	walHeaderVersion = uint16(1)
)

const walHeaderLen = 16

type headerInfo struct {
	Compressed       bool
	CompressionLevel int
}

func writeHeader(w io.Writer, info headerInfo) (int64, error) {
	var flags uint16
	level := uint8(0)
	if info.Compressed {
		flags |= 1
		level = uint8(info.CompressionLevel) //nolint:gosec
	}

	buf := make([]byte, 0, walHeaderLen)
	buf = append(buf, walMagic[:]...)
	var fixed [12]byte
	binary.LittleEndian.PutUint16(fixed[0:2], walHeaderVersion)
	binary.LittleEndian.PutUint16(fixed[2:4], flags)
	fixed[4] = level
	// fixed[5:12] reserved
	buf = append(buf, fixed[:]...)

	if _, err := w.Write(buf); err != nil {
		return 0, fmt.Errorf("failed to write WAL header: %w", err)
	}
	return int64(len(buf)), nil
}

func readHeader(f *os.File) (headerInfo, bool, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return headerInfo{}, false, fmt.Errorf("failed to seek WAL: %w", err)
	}

	var magic [4]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil {
		if err == io.EOF {
			return headerInfo{}, false, nil
		}
		return headerInfo{}, false, fmt.Errorf("failed to read WAL header magic: %w", err)
	}
	if magic != walMagic {
		return headerInfo{}, false, fmt.Errorf("unsupported WAL format: invalid header magic")
	}

	fixed := make([]byte, walHeaderLen-4)
	if _, err := io.ReadFull(f, fixed); err != nil {
		return headerInfo{}, true, fmt.Errorf("failed to read WAL header: %w", err)
	}

	version := binary.LittleEndian.Uint16(fixed[0:2])
	if version != walHeaderVersion {
		return headerInfo{}, true, fmt.Errorf("unsupported WAL header version: %d", version)
	}
	flags := binary.LittleEndian.Uint16(fixed[2:4])

	return headerInfo{
		Compressed:       (flags & 1) != 0,
		CompressionLevel: int(fixed[4]),
	}, true, nil
}

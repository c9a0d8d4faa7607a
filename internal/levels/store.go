// Package levels provides the read-only level-metadata lookup store.
// The store is a small zstd-compressed file produced offline; it is
// consulted when a room is created and never on the relay hot path.
package levels

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
)

// ErrNotFound is returned for level ids absent from the store.
var ErrNotFound = errors.New("level not found")

// storeMagic identifies a level store file.
var storeMagic = [4]byte{'R', 'L', 'V', 'L'}

const storeVersion = 1

// Metadata describes one level.
type Metadata struct {
	LevelID int32
	Name    string
	Author  string
	Stars   uint8
}

// Store is an in-memory index over the level file. Safe for concurrent
// reads; never mutated after Open.
type Store struct {
	byID map[int32]Metadata
}

// Open reads and decompresses the store file at path.
//
// Postcondition: the returned Store is fully loaded; the file is closed.
func Open(path string) (*Store, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening level store: %w", err)
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("creating zstd reader: %w", err)
	}
	defer dec.Close()

	raw, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("decompressing level store: %w", err)
	}
	return parse(raw)
}

func parse(raw []byte) (*Store, error) {
	if len(raw) < 9 || [4]byte(raw[:4]) != storeMagic {
		return nil, errors.New("not a level store file")
	}
	if raw[4] != storeVersion {
		return nil, fmt.Errorf("unsupported level store version %d", raw[4])
	}
	count := binary.BigEndian.Uint32(raw[5:9])
	buf := raw[9:]

	byID := make(map[int32]Metadata, count)
	for i := uint32(0); i < count; i++ {
		var meta Metadata
		var err error
		meta, buf, err = readRecord(buf)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		byID[meta.LevelID] = meta
	}
	return &Store{byID: byID}, nil
}

func readRecord(buf []byte) (Metadata, []byte, error) {
	var meta Metadata
	if len(buf) < 4 {
		return meta, nil, io.ErrUnexpectedEOF
	}
	meta.LevelID = int32(binary.BigEndian.Uint32(buf))
	buf = buf[4:]

	var err error
	if meta.Name, buf, err = readString(buf); err != nil {
		return meta, nil, err
	}
	if meta.Author, buf, err = readString(buf); err != nil {
		return meta, nil, err
	}
	if len(buf) < 1 {
		return meta, nil, io.ErrUnexpectedEOF
	}
	meta.Stars = buf[0]
	return meta, buf[1:], nil
}

func readString(buf []byte) (string, []byte, error) {
	if len(buf) < 2 {
		return "", nil, io.ErrUnexpectedEOF
	}
	n := int(binary.BigEndian.Uint16(buf))
	buf = buf[2:]
	if len(buf) < n {
		return "", nil, io.ErrUnexpectedEOF
	}
	return string(buf[:n]), buf[n:], nil
}

// Lookup returns the metadata for a level id.
func (s *Store) Lookup(levelID int32) (Metadata, error) {
	meta, ok := s.byID[levelID]
	if !ok {
		return Metadata{}, ErrNotFound
	}
	return meta, nil
}

// Len returns the number of levels in the store.
func (s *Store) Len() int { return len(s.byID) }

// Builder accumulates metadata and writes a store file. Used by the
// offline packing tool, not the server.
type Builder struct {
	records []Metadata
}

// Add appends one level. Later duplicates of an id win at load time.
func (b *Builder) Add(meta Metadata) {
	b.records = append(b.records, meta)
}

// WriteTo writes the compressed store to w.
func (b *Builder) WriteTo(w io.Writer) error {
	enc, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("creating zstd writer: %w", err)
	}

	header := make([]byte, 9)
	copy(header, storeMagic[:])
	header[4] = storeVersion
	binary.BigEndian.PutUint32(header[5:], uint32(len(b.records)))
	if _, err := enc.Write(header); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}

	var buf []byte
	for _, meta := range b.records {
		buf = buf[:0]
		buf = binary.BigEndian.AppendUint32(buf, uint32(meta.LevelID))
		buf = appendString(buf, meta.Name)
		buf = appendString(buf, meta.Author)
		buf = append(buf, meta.Stars)
		if _, err := enc.Write(buf); err != nil {
			return fmt.Errorf("writing record: %w", err)
		}
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("flushing store: %w", err)
	}
	return nil
}

func appendString(buf []byte, s string) []byte {
	if len(s) > 65535 {
		s = s[:65535]
	}
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

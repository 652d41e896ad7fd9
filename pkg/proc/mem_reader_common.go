package proc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"reflect"
)

// This file is the single place where remote bytes become typed values.
// The bytes are trusted to match the little-endian layout of T; T must be a
// fixed-size type (integers, arrays and structs of those, blank fields as
// padding). Callers outside this file go through the checked loads in load.go.

func sizeOf[T any]() (uint64, error) {
	var v T
	n := binary.Size(v)
	if n < 0 {
		return 0, fmt.Errorf("type %s has no fixed size", reflect.TypeOf(v))
	}
	return uint64(n), nil
}

func decode[T any](buf []byte) (T, error) {
	var v T
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &v); err != nil {
		return v, fmt.Errorf("failed to decode %s: %w", reflect.TypeOf(v), err)
	}
	return v, nil
}

// readFull reads exactly n bytes at addr.
func readFull(r io.ReaderAt, addr, n uint64) ([]byte, error) {
	buf := make([]byte, n)
	read, err := r.ReadAt(buf, int64(addr))
	if uint64(read) == n {
		return buf, nil
	}
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	return nil, fmt.Errorf("failed to read %d bytes at %#x: %w", n, addr, err)
}

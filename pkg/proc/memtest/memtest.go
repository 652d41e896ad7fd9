// Package memtest provides an in-memory target for tests: sparse byte
// segments, a fixed thread list and per-thread pointer values.
package memtest

import (
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/monsterxx03/mallocspy/pkg/procmaps"
)

type segment struct {
	start uint64
	data  []byte
	perm  string
	path  string
}

// Memory implements proc.MemReader over a set of segments.
type Memory struct {
	segs    []*segment
	threads map[int]uint64
	closed  bool
}

func New() *Memory {
	return &Memory{threads: make(map[int]uint64)}
}

// Map adds a zeroed segment of size bytes at start.
func (m *Memory) Map(start, size uint64, perm, path string) *Memory {
	m.segs = append(m.segs, &segment{start: start, data: make([]byte, size), perm: perm, path: path})
	sort.Slice(m.segs, func(i, j int) bool { return m.segs[i].start < m.segs[j].start })
	return m
}

// AddThread registers tid with the given thread pointer.
func (m *Memory) AddThread(tid int, tp uint64) *Memory {
	m.threads[tid] = tp
	return m
}

func (m *Memory) find(addr uint64) (*segment, uint64) {
	for _, s := range m.segs {
		if addr >= s.start && addr-s.start < uint64(len(s.data)) {
			return s, addr - s.start
		}
	}
	return nil, 0
}

// Write copies b to addr. It panics when addr is not mapped.
func (m *Memory) Write(addr uint64, b []byte) {
	s, off := m.find(addr)
	if s == nil || off+uint64(len(b)) > uint64(len(s.data)) {
		panic(fmt.Sprintf("memtest: write of %d bytes at %#x is not mapped", len(b), addr))
	}
	copy(s.data[off:], b)
}

func (m *Memory) PutU64(addr, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	m.Write(addr, b[:])
}

func (m *Memory) PutU32(addr uint64, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	m.Write(addr, b[:])
}

func (m *Memory) PutU16(addr uint64, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	m.Write(addr, b[:])
}

func (m *Memory) U64(addr uint64) uint64 {
	var b [8]byte
	if _, err := m.ReadAt(b[:], int64(addr)); err != nil {
		panic(err)
	}
	return binary.LittleEndian.Uint64(b[:])
}

// Maps renders the segments as a process memory map.
func (m *Memory) Maps() procmaps.Maps {
	maps := make(procmaps.Maps, 0, len(m.segs))
	for _, s := range m.segs {
		maps = append(maps, procmaps.Range{
			Start:    s.start,
			End:      s.start + uint64(len(s.data)),
			Perm:     s.perm,
			Filename: s.path,
		})
	}
	return maps
}

func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	addr := uint64(off)
	s, o := m.find(addr)
	if s == nil {
		return 0, io.EOF
	}
	n := copy(p, s.data[o:])
	if n < len(p) {
		return n, io.ErrUnexpectedEOF
	}
	return n, nil
}

func (m *Memory) Close() error {
	m.closed = true
	return nil
}

func (m *Memory) Closed() bool {
	return m.closed
}

func (m *Memory) ThreadIDs() ([]int, error) {
	tids := make([]int, 0, len(m.threads))
	for tid := range m.threads {
		tids = append(tids, tid)
	}
	sort.Ints(tids)
	return tids, nil
}

func (m *Memory) ThreadPointer(tid int) (uint64, error) {
	tp, ok := m.threads[tid]
	if !ok {
		return 0, fmt.Errorf("memtest: no thread %d", tid)
	}
	return tp, nil
}

package proc

import (
	"bytes"
	"errors"
	"fmt"
	"math/bits"
	"reflect"

	"github.com/golang/glog"
)

var (
	ErrOutsideKnownMemory = errors.New("load outside of known memory")
	ErrTypeMismatch       = errors.New("address previously loaded as a different type")
	ErrSizeOverflow       = errors.New("address range overflows")
)

// MemRange is the half-open address interval [Low, High).
type MemRange struct {
	Low  uint64 `json:"low"`
	High uint64 `json:"high"`
}

// NewMemRange returns [low, low+size) or ErrSizeOverflow.
func NewMemRange(low, size uint64) (MemRange, error) {
	high, carry := bits.Add64(low, size, 0)
	if carry != 0 {
		return MemRange{}, fmt.Errorf("%w: %#x + %#x", ErrSizeOverflow, low, size)
	}
	return MemRange{Low: low, High: high}, nil
}

func (r MemRange) Size() uint64 {
	return r.High - r.Low
}

func (r MemRange) Contains(addr uint64) bool {
	return r.Low <= addr && addr < r.High
}

func (r MemRange) String() string {
	return fmt.Sprintf("[%#x, %#x)", r.Low, r.High)
}

// Snapshot is a point-in-time copy of a remote T. It holds no reference to
// the target.
type Snapshot[T any] struct {
	Range MemRange
	Value T
}

// TagTable remembers the first type each address was loaded as.
type TagTable struct {
	tags map[uint64]reflect.Type
}

func NewTagTable() *TagTable {
	return &TagTable{tags: make(map[uint64]reflect.Type)}
}

func (t *TagTable) Lookup(addr uint64) (reflect.Type, bool) {
	typ, ok := t.tags[addr]
	return typ, ok
}

func (t *TagTable) Len() int {
	return len(t.tags)
}

func (t *TagTable) Reset() {
	t.tags = make(map[uint64]reflect.Type)
}

// bind records typ for addr unless a type is already recorded.
func (t *TagTable) bind(addr uint64, typ reflect.Type) {
	if _, ok := t.tags[addr]; !ok {
		t.tags[addr] = typ
	}
}

type loadOptions struct {
	skipTypeCheck bool
}

type LoadOption func(*loadOptions)

// SkipTypeCheck allows reinterpreting an address already bound to another
// type, e.g. a pseudo chunk overlapping the start of an arena.
func SkipTypeCheck() LoadOption {
	return func(o *loadOptions) { o.skipTypeCheck = true }
}

// checkRange verifies [addr, addr+size) lies inside one mapping.
func (p *Process) checkRange(addr, size uint64) (MemRange, error) {
	r, err := NewMemRange(addr, size)
	if err != nil {
		return MemRange{}, err
	}
	if _, ok := p.maps.FindRange(r.Low, r.High); !ok {
		return MemRange{}, fmt.Errorf("%w: %s", ErrOutsideKnownMemory, r)
	}
	return r, nil
}

// Load copies sizeof(T) bytes at addr into a T. The address must be mapped.
// The first type an address is loaded as is recorded but never enforced here.
func Load[T any](p *Process, addr uint64) (Snapshot[T], error) {
	return load[T](p, addr, false)
}

// CheckedLoad is Load plus the type-binding check: loading an address that
// was previously loaded as another type fails with ErrTypeMismatch.
func CheckedLoad[T any](p *Process, addr uint64, opts ...LoadOption) (Snapshot[T], error) {
	var o loadOptions
	for _, opt := range opts {
		opt(&o)
	}
	return load[T](p, addr, !o.skipTypeCheck)
}

func load[T any](p *Process, addr uint64, check bool) (Snapshot[T], error) {
	size, err := sizeOf[T]()
	if err != nil {
		return Snapshot[T]{}, err
	}
	r, err := p.checkRange(addr, size)
	if err != nil {
		return Snapshot[T]{}, err
	}

	typ := reflect.TypeFor[T]()
	if bound, ok := p.tags.Lookup(addr); ok && bound != typ && check {
		glog.Warningf("Address %#x loaded as %s, previously as %s", addr, typ, bound)
		return Snapshot[T]{}, fmt.Errorf("%w: %#x is %s, requested %s", ErrTypeMismatch, addr, bound, typ)
	}

	buf, err := readFull(p.reader, addr, size)
	if err != nil {
		return Snapshot[T]{}, err
	}
	v, err := decode[T](buf)
	if err != nil {
		return Snapshot[T]{}, err
	}
	p.tags.bind(addr, typ)
	return Snapshot[T]{Range: r, Value: v}, nil
}

// LoadRaw copies the bytes of r without binding a type.
func LoadRaw(p *Process, r MemRange) ([]byte, error) {
	if r.High < r.Low {
		return nil, fmt.Errorf("%w: %s", ErrSizeOverflow, r)
	}
	if _, err := p.checkRange(r.Low, r.Size()); err != nil {
		return nil, err
	}
	return readFull(p.reader, r.Low, r.Size())
}

// LoadCString reads a NUL terminated string of at most max bytes, clipped
// to the end of the mapping holding addr.
func LoadCString(p *Process, addr uint64, max uint64) (string, error) {
	m, ok := p.maps.Find(addr)
	if !ok {
		return "", fmt.Errorf("%w: %#x", ErrOutsideKnownMemory, addr)
	}
	n := max
	if m.End-addr < n {
		n = m.End - addr
	}
	buf, err := readFull(p.reader, addr, n)
	if err != nil {
		return "", err
	}
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		return string(buf[:i]), nil
	}
	return string(buf), nil
}

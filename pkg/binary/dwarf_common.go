package binary

import (
	"debug/dwarf"
	"fmt"
	"sync"
)

type dwarfer interface {
	DWARF() (*dwarf.Data, error)
}

type dwarfLoader struct {
	once sync.Once
	data *dwarf.Data
	err  error
	file dwarfer

	mu          sync.Mutex
	offsetCache map[string]uint64 // key: "structName.fieldName" or "structName#size"
}

func newDwarfLoader(file dwarfer) *dwarfLoader {
	return &dwarfLoader{file: file, offsetCache: make(map[string]uint64)}
}

func (d *dwarfLoader) load() (*dwarf.Data, error) {
	d.once.Do(func() {
		d.data, d.err = d.file.DWARF()
	})
	return d.data, d.err
}

func (d *dwarfLoader) HasDWARF() bool {
	_, err := d.load()
	return err == nil
}

func (d *dwarfLoader) cached(key string) (uint64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.offsetCache[key]
	return v, ok
}

func (d *dwarfLoader) store(key string, v uint64) {
	d.mu.Lock()
	d.offsetCache[key] = v
	d.mu.Unlock()
}

// findStruct positions a reader on the first complete definition of a C
// struct named typeName. Forward declarations are skipped.
func (d *dwarfLoader) findStruct(typeName string) (*dwarf.Reader, *dwarf.Entry, error) {
	data, err := d.load()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrNoDebugInfo, err)
	}
	reader := data.Reader()
	for {
		entry, err := reader.Next()
		if err != nil {
			return nil, nil, err
		}
		if entry == nil {
			return nil, nil, fmt.Errorf("struct %s not found", typeName)
		}
		if entry.Tag != dwarf.TagStructType {
			continue
		}
		if name, _ := entry.Val(dwarf.AttrName).(string); name != typeName {
			reader.SkipChildren()
			continue
		}
		if decl, _ := entry.Val(dwarf.AttrDeclaration).(bool); decl || !entry.Children {
			continue
		}
		return reader, entry, nil
	}
}

func (d *dwarfLoader) GetStructOffset(typeName, fieldName string) (uint64, error) {
	cacheKey := typeName + "." + fieldName
	if offset, ok := d.cached(cacheKey); ok {
		return offset, nil
	}

	reader, _, err := d.findStruct(typeName)
	if err != nil {
		return 0, err
	}
	for {
		entry, err := reader.Next()
		if err != nil {
			return 0, err
		}
		if entry == nil || entry.Tag == 0 {
			break // End of current struct
		}
		if entry.Tag != dwarf.TagMember {
			if entry.Children {
				reader.SkipChildren()
			}
			continue
		}
		if name, _ := entry.Val(dwarf.AttrName).(string); name != fieldName {
			continue
		}
		offset, ok := memberOffset(entry)
		if !ok {
			return 0, fmt.Errorf("offset not found for field %s.%s", typeName, fieldName)
		}
		d.store(cacheKey, offset)
		return offset, nil
	}
	return 0, fmt.Errorf("field %s not found in struct %s", fieldName, typeName)
}

// memberOffset accepts both the constant form and the DW_OP_plus_uconst
// location expression older compilers emit.
func memberOffset(entry *dwarf.Entry) (uint64, bool) {
	switch v := entry.Val(dwarf.AttrDataMemberLoc).(type) {
	case int64:
		return uint64(v), true
	case []byte:
		if len(v) < 2 || v[0] != 0x23 { // DW_OP_plus_uconst
			return 0, false
		}
		var result uint64
		var shift uint
		for _, b := range v[1:] {
			result |= uint64(b&0x7f) << shift
			if b&0x80 == 0 {
				return result, true
			}
			shift += 7
		}
	}
	return 0, false
}

func (d *dwarfLoader) GetStructSize(typeName string) (uint64, error) {
	cacheKey := typeName + "#size"
	if size, ok := d.cached(cacheKey); ok {
		return size, nil
	}
	_, entry, err := d.findStruct(typeName)
	if err != nil {
		return 0, err
	}
	size, ok := entry.Val(dwarf.AttrByteSize).(int64)
	if !ok {
		return 0, fmt.Errorf("struct %s has no byte size", typeName)
	}
	d.store(cacheKey, uint64(size))
	return uint64(size), nil
}

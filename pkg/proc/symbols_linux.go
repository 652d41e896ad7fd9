//go:build linux

package proc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/golang/glog"

	gbin "github.com/monsterxx03/mallocspy/pkg/binary"
	"github.com/monsterxx03/mallocspy/pkg/procmaps"
)

// loadSymbolTable loads every mapped ELF file. Files that fail to load are
// skipped; the analysis reports missing symbols later.
func loadSymbolTable(pid int, exe string, maps procmaps.Maps, debugDirs []string) (*SymbolTable, map[string]gbin.SymbolLoader, error) {
	loaders := make(map[string]gbin.SymbolLoader)
	var files []MappedFile
	for _, path := range maps.Files() {
		loader := gbin.NewBinaryLoader(debugDirs...)
		if err := loader.Load(path); err != nil {
			glog.V(2).Infof("Skipping %s: %v", path, err)
			continue
		}
		syms, err := loader.Symbols()
		if err != nil {
			glog.Warningf("Failed to read symbols of %s: %v", path, err)
			loader.Close()
			continue
		}
		versions, _ := loader.Versions()

		bias, err := fileBias(pid, path, exe, maps, loader)
		if err != nil {
			glog.Warningf("Failed to compute load bias of %s: %v", path, err)
			loader.Close()
			continue
		}
		loaders[path] = loader
		files = append(files, resolve(path, bias, syms, versions))
		glog.V(1).Infof("Loaded %d symbols from %s (bias %#x)", len(syms), path, bias)
	}
	if len(files) == 0 {
		return nil, nil, fmt.Errorf("no symbols could be loaded for pid %d", pid)
	}
	return NewSymbolTable(files), loaders, nil
}

func fileBias(pid int, path, exe string, maps procmaps.Maps, loader gbin.SymbolLoader) (uint64, error) {
	if path == exe {
		if entry, err := getEntryPoint(pid); err == nil && entry != 0 {
			return entry - loader.Entry(), nil
		}
	}
	ranges := maps.ByFile(path)
	if len(ranges) == 0 {
		return 0, fmt.Errorf("%s is not mapped", path)
	}
	start := ranges[0].Start
	for _, r := range ranges {
		if r.Offset == 0 {
			start = r.Start
			break
		}
	}
	return loader.LoadBias(start), nil
}

func getEntryPoint(pid int) (uint64, error) {
	auxvPath := filepath.Join("/proc", fmt.Sprintf("%d", pid), "auxv")
	data, err := os.ReadFile(auxvPath)
	if err != nil {
		return 0, fmt.Errorf("failed to read auxv: %w", err)
	}
	return parseAuxvEntry(data, 8, _AT_ENTRY), nil
}

func parseAuxvEntry(data []byte, ptrSize int, want uint64) uint64 {
	rd := bytes.NewReader(data)
	for {
		tag, err := readUintRaw(rd, binary.LittleEndian, ptrSize)
		if err != nil {
			return 0
		}
		val, err := readUintRaw(rd, binary.LittleEndian, ptrSize)
		if err != nil {
			return 0
		}
		switch tag {
		case want:
			return val
		case _AT_NULL:
			return 0
		}
	}
}

func readUintRaw(rd io.Reader, order binary.ByteOrder, ptrSize int) (uint64, error) {
	switch ptrSize {
	case 4:
		var v uint32
		if err := binary.Read(rd, order, &v); err != nil {
			return 0, err
		}
		return uint64(v), nil
	case 8:
		var v uint64
		if err := binary.Read(rd, order, &v); err != nil {
			return 0, err
		}
		return v, nil
	default:
		return 0, fmt.Errorf("unsupported pointer size: %d", ptrSize)
	}
}

const (
	_AT_NULL  = 0
	_AT_BASE  = 7
	_AT_ENTRY = 9
)

//go:build linux

package proc

import (
	"fmt"
	"os"
	"time"

	"github.com/golang/glog"

	"github.com/monsterxx03/mallocspy/pkg/procmaps"
)

// New opens pid. Unless opts.NonBlocking is set every thread is stopped
// before the maps are read, so maps and memory agree.
func New(pid int, opts Options) (*Process, error) {
	reader, err := NewProcessMemReader(pid, !opts.NonBlocking)
	if err != nil {
		return nil, err
	}
	maps, err := procmaps.ReadProcMaps(pid)
	if err != nil {
		reader.Close()
		return nil, err
	}
	exe, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", pid))
	if err != nil {
		glog.Warningf("Failed to resolve executable of %d: %v", pid, err)
	}
	symbols, loaders, err := loadSymbolTable(pid, exe, maps, opts.DebugDirs)
	if err != nil {
		reader.Close()
		return nil, err
	}
	glog.V(1).Infof("Opened process %d (%s): %d mappings, %d files", pid, exe, len(maps), len(symbols.Files()))
	return &Process{
		ID:         pid,
		exe:        exe,
		reader:     reader,
		maps:       maps,
		symbols:    symbols,
		tags:       NewTagTable(),
		loaders:    loaders,
		attachedAt: time.Now(),
	}, nil
}

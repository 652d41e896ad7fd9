package glibc

import (
	"fmt"
	"math/bits"
	"strings"

	"github.com/golang/glog"

	"github.com/monsterxx03/mallocspy/pkg/binary"
	"github.com/monsterxx03/mallocspy/pkg/proc"
)

const maxLinkMapName = 4096

// TLSLocation records every intermediate value of one successful lookup.
type TLSLocation struct {
	Symbol        proc.ResolvedSymbol `json:"symbol"`
	TID           int                 `json:"tid"`
	RDebug        uint64              `json:"r_debug"`
	LinkMap       uint64              `json:"link_map"`
	ModID         uint64              `json:"modid"`
	ThreadPointer uint64              `json:"thread_pointer"`
	Dtv           uint64              `json:"dtv"`
	BlockBase     uint64              `json:"block_base"`
	Addr          uint64              `json:"addr"`
}

// TLSLocator finds thread-local variables through the dynamic linker's
// _r_debug list and the thread's dtv.
type TLSLocator struct {
	p      *proc.Process
	layout Layout
}

func NewTLSLocator(p *proc.Process, layout Layout) *TLSLocator {
	return &TLSLocator{p: p, layout: layout}
}

// matchModule compares a name recorded by the dynamic linker with a mapped
// path. The linker may record a shorter path than the one mapped, so a
// suffix match is accepted; this can pick the wrong module when one mapped
// path ends with another's recorded name. The empty name is the executable.
func matchModule(recorded, mapped, exe string) bool {
	if recorded == "" {
		return exe != "" && mapped == exe
	}
	return strings.HasSuffix(mapped, recorded)
}

// Locate computes the address of the .tbss variable name of file as seen
// by thread t.
func (l *TLSLocator) Locate(t *proc.Thread, file, name string) (TLSLocation, error) {
	fail := func(kind TLSKind, err error) (TLSLocation, error) {
		return TLSLocation{}, &TLSError{Kind: kind, Symbol: name, File: file, TID: t.ID, Err: err}
	}
	p := l.p

	sym, err := p.Symbols().LookupIn(file, name)
	if err != nil {
		return fail(TLSNoSuchTbssSymbol, err)
	}
	if sym.Section != binary.SectionTbss {
		return fail(TLSNoSuchTbssSymbol, fmt.Errorf("%s is in %s", name, sym.Section))
	}
	loc := TLSLocation{Symbol: sym, TID: t.ID}

	rdebug, err := findRDebug(p)
	if err != nil {
		return fail(TLSNoRDebug, err)
	}
	loc.RDebug = rdebug.Range.Low

	loc.LinkMap, err = l.findLinkMap(rdebug.Range.Low, file)
	if err != nil {
		return fail(TLSNoLinkMap, err)
	}
	modid, err := proc.CheckedLoad[uint64](p, loc.LinkMap+l.layout.LinkMapTLSModIDOffset)
	if err != nil {
		return fail(TLSNoLinkMap, err)
	}
	if modid.Value == 0 {
		return fail(TLSNoLinkMap, fmt.Errorf("%s has no TLS block", file))
	}
	loc.ModID = modid.Value

	tp, err := t.ThreadPointer()
	if err != nil {
		return fail(TLSFsBaseNotMapped, err)
	}
	loc.ThreadPointer = tp
	if m, ok := p.Maps().Find(tp); !ok || !m.IsReadWrite() {
		return fail(TLSFsBaseNotMapped, fmt.Errorf("fs_base %#x", tp))
	}
	head, err := proc.CheckedLoad[TcbHead](p, tp)
	if err != nil {
		return fail(TLSFsBaseNotMapped, err)
	}
	if head.Value.Dtv == 0 {
		return fail(TLSDtvNotInitialized, nil)
	}
	loc.Dtv = head.Value.Dtv

	// dtv[-1] holds the number of slots.
	if loc.Dtv < 16 {
		return fail(TLSDtvNotInitialized, fmt.Errorf("dtv %#x", loc.Dtv))
	}
	counter, err := proc.CheckedLoad[DtvEntry](p, loc.Dtv-16)
	if err != nil {
		return fail(TLSDtvNotInitialized, err)
	}
	if counter.Value.Val < loc.ModID {
		return fail(TLSDtvTooSmall, fmt.Errorf("%d slots, module %d", counter.Value.Val, loc.ModID))
	}

	hi, lo := bits.Mul64(loc.ModID, 16)
	slotAddr, carry := bits.Add64(loc.Dtv, lo, 0)
	if hi != 0 || carry != 0 {
		return fail(TLSDtvTooSmall, proc.ErrSizeOverflow)
	}
	slot, err := proc.CheckedLoad[DtvEntry](p, slotAddr)
	if err != nil {
		return fail(TLSDtvNotInitialized, err)
	}
	if slot.Value.Val == TLSDtvUnallocated {
		return fail(TLSDtvNotInitialized, fmt.Errorf("module %d block not allocated", loc.ModID))
	}
	loc.BlockBase = slot.Value.Val

	addr, carry := bits.Add64(loc.BlockBase, sym.Range.Low, 0)
	if carry != 0 {
		return fail(TLSSymbolNotMapped, proc.ErrSizeOverflow)
	}
	loc.Addr = addr
	size := sym.Range.Size()
	if size == 0 {
		size = 1
	}
	if m, ok := p.Maps().FindRange(addr, addr+size); !ok || !m.IsReadWrite() {
		return fail(TLSSymbolNotMapped, fmt.Errorf("address %#x", addr))
	}
	glog.V(2).Infof("Thread %d: %s@%s at %#x (modid %d, dtv %#x)", t.ID, name, file, addr, loc.ModID, loc.Dtv)
	return loc, nil
}

// findLinkMap walks r_debug.r_map until the entry naming file.
func (l *TLSLocator) findLinkMap(rdebug uint64, file string) (uint64, error) {
	p := l.p
	r, err := proc.CheckedLoad[RDebug](p, rdebug)
	if err != nil {
		return 0, err
	}
	first := r.Value.Map
	seen := make(map[uint64]bool)
	for cur := first; cur != 0 && !seen[cur]; {
		seen[cur] = true
		lm, err := proc.CheckedLoad[LinkMap](p, cur)
		if err != nil {
			return 0, err
		}
		var name string
		if lm.Value.Name != 0 {
			name, err = proc.LoadCString(p, lm.Value.Name, maxLinkMapName)
			if err != nil {
				glog.V(2).Infof("Unreadable l_name of link_map %#x: %v", cur, err)
			}
		}
		if matchModule(name, file, p.Exe()) {
			return cur, nil
		}
		cur = lm.Value.Next
		if cur == first {
			break
		}
	}
	return 0, fmt.Errorf("no link_map entry for %s", file)
}

package glibc

import (
	"errors"
	"testing"

	"github.com/monsterxx03/mallocspy/pkg/proc"
)

func TestLocateTcache(t *testing.T) {
	w := newWorld(t)
	l := NewTLSLocator(w.p, DefaultLayout())

	tests := []struct {
		tid       int
		name      string
		wantAddr  uint64
		wantBlock uint64
		wantDtv   uint64
	}{
		{mainTID, "tcache", mainTLS + tcacheOff, mainTLS, mainDtv},
		{mainTID, "thread_arena", mainTLS + tArenaOff, mainTLS, mainDtv},
		{workTID, "tcache", workTLS + tcacheOff, workTLS, workDtv},
		{workTID, "errno", workTLS + errnoOff, workTLS, workDtv},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loc, err := l.Locate(w.thread(t, tt.tid), libcPath, tt.name)
			if err != nil {
				t.Fatalf("Locate failed: %v", err)
			}
			if loc.Addr != tt.wantAddr {
				t.Errorf("addr %#x, want %#x", loc.Addr, tt.wantAddr)
			}
			if loc.BlockBase != tt.wantBlock || loc.Dtv != tt.wantDtv {
				t.Errorf("block %#x dtv %#x, want %#x %#x", loc.BlockBase, loc.Dtv, tt.wantBlock, tt.wantDtv)
			}
			if loc.RDebug != rDebugAddr || loc.LinkMap != linkMapC || loc.ModID != libcModID {
				t.Errorf("unexpected link map walk %+v", loc)
			}
		})
	}
}

func TestLocateErrnoValue(t *testing.T) {
	w := newWorld(t)
	loc, err := NewTLSLocator(w.p, DefaultLayout()).Locate(w.thread(t, mainTID), libcPath, "errno")
	if err != nil {
		t.Fatal(err)
	}
	v, err := proc.Load[int32](w.p, loc.Addr)
	if err != nil {
		t.Fatal(err)
	}
	if v.Value != errnoVal {
		t.Errorf("errno %#x, want %#x", v.Value, errnoVal)
	}
}

func TestLocateFailures(t *testing.T) {
	tests := []struct {
		name  string
		tid   int
		sym   string
		setup func(w *world) *proc.Process
		want  TLSKind
	}{
		{
			name: "unknown symbol",
			sym:  "no_such_variable",
			want: TLSNoSuchTbssSymbol,
		},
		{
			name: "not thread local",
			sym:  "main_arena",
			want: TLSNoSuchTbssSymbol,
		},
		{
			name: "no _r_debug",
			setup: func(w *world) *proc.Process {
				libc, _ := w.p.Symbols().File(libcPath)
				return proc.NewWithReader(mainTID, w.mem, w.mem.Maps(), proc.NewSymbolTable([]proc.MappedFile{*libc}))
			},
			want: TLSNoRDebug,
		},
		{
			name: "libc not in link map",
			setup: func(w *world) *proc.Process {
				w.mem.Write(ldNames+0x40, append([]byte("/lib/libother.so"), 0))
				return nil
			},
			want: TLSNoLinkMap,
		},
		{
			name: "module without TLS",
			setup: func(w *world) *proc.Process {
				w.mem.PutU64(linkMapC+DefaultLayout().LinkMapTLSModIDOffset, 0)
				return nil
			},
			want: TLSNoLinkMap,
		},
		{
			name: "thread pointer unmapped",
			tid:  102,
			setup: func(w *world) *proc.Process {
				w.mem.AddThread(102, 0xdead0000)
				return nil
			},
			want: TLSFsBaseNotMapped,
		},
		{
			name: "null dtv",
			setup: func(w *world) *proc.Process {
				w.mem.PutU64(mainTP+8, 0)
				return nil
			},
			want: TLSDtvNotInitialized,
		},
		{
			name: "unallocated block",
			setup: func(w *world) *proc.Process {
				w.mem.PutU64(mainDtv+16*libcModID, TLSDtvUnallocated)
				return nil
			},
			want: TLSDtvNotInitialized,
		},
		{
			name: "dtv too small",
			setup: func(w *world) *proc.Process {
				w.mem.PutU64(mainDtv-16, 1)
				return nil
			},
			want: TLSDtvTooSmall,
		},
		{
			name: "block unmapped",
			setup: func(w *world) *proc.Process {
				w.mem.PutU64(mainDtv+16*libcModID, 0x1000)
				return nil
			},
			want: TLSSymbolNotMapped,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newWorld(t)
			p := w.p
			if tt.setup != nil {
				if np := tt.setup(w); np != nil {
					p = np
				}
			}
			tid, sym := tt.tid, tt.sym
			if tid == 0 {
				tid = mainTID
			}
			if sym == "" {
				sym = "tcache"
			}
			th, err := p.Thread(tid)
			if err != nil {
				t.Fatal(err)
			}

			_, err = NewTLSLocator(p, DefaultLayout()).Locate(th, libcPath, sym)
			if !errors.Is(err, &TLSError{Kind: tt.want}) {
				t.Fatalf("expected %s, got %v", tt.want, err)
			}
			var tlsErr *TLSError
			if !errors.As(err, &tlsErr) || tlsErr.TID != tid || tlsErr.Symbol != sym {
				t.Errorf("unexpected error details %+v", tlsErr)
			}
		})
	}
}

func TestMatchModule(t *testing.T) {
	tests := []struct {
		recorded string
		mapped   string
		exe      string
		want     bool
	}{
		{"/lib/x86_64-linux-gnu/libc.so.6", "/usr/lib/x86_64-linux-gnu/libc.so.6", "/bin/app", true},
		{"/usr/lib/x86_64-linux-gnu/libc.so.6", "/usr/lib/x86_64-linux-gnu/libc.so.6", "/bin/app", true},
		{"/lib/libm.so.6", "/usr/lib/x86_64-linux-gnu/libc.so.6", "/bin/app", false},
		{"", "/bin/app", "/bin/app", true},
		{"", "/usr/lib/x86_64-linux-gnu/libc.so.6", "/bin/app", false},
		{"", "", "", false},
	}
	for _, tt := range tests {
		if got := matchModule(tt.recorded, tt.mapped, tt.exe); got != tt.want {
			t.Errorf("matchModule(%q, %q, %q) = %v, want %v", tt.recorded, tt.mapped, tt.exe, got, tt.want)
		}
	}
}

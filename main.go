package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/fatih/color"
	"github.com/golang/glog"
	"github.com/urfave/cli/v2"

	"github.com/monsterxx03/mallocspy/pkg/api"
	"github.com/monsterxx03/mallocspy/pkg/glibc"
	"github.com/monsterxx03/mallocspy/pkg/inspect"
	"github.com/monsterxx03/mallocspy/pkg/mcpserver"
	"github.com/monsterxx03/mallocspy/pkg/render"
	"github.com/monsterxx03/mallocspy/pkg/term"
	"github.com/monsterxx03/mallocspy/pkg/termui"
)

var (
	gitVer  string
	buildAt string
)

// shared is the session of the interactive shell. Commands run inside the
// shell reuse it instead of attaching again.
var shared *inspect.Session

var errPIDRequired = errors.New("--pid is required")

func envs(name string) []string {
	return []string{"MALLOCSPY_" + name}
}

var (
	pidFlag = &cli.IntFlag{
		Name:    "pid",
		Aliases: []string{"p"},
		Usage:   "target process id",
		EnvVars: envs("PID"),
	}
	tidFlag = &cli.IntFlag{
		Name:  "tid",
		Usage: "thread id, 0 for the process or main thread",
	}
	nonBlockingFlag = &cli.BoolFlag{
		Name:    "non-blocking",
		Usage:   "don't stop the target; thread pointers become unavailable",
		EnvVars: envs("NON_BLOCKING"),
	}
	noColorFlag = &cli.BoolFlag{
		Name:    "no-color",
		Usage:   "disable colored output",
		EnvVars: envs("NO_COLOR"),
	}
	addrFlag = &cli.StringFlag{
		Name:     "addr",
		Usage:    "chunk address",
		Required: true,
	}
	fileFlag = &cli.StringFlag{
		Name:  "file",
		Usage: "mapped file the symbol belongs to, libc when empty",
	}
	refreshFlag = &cli.IntFlag{
		Name:    "refresh",
		Usage:   "refresh interval in seconds, 0 to refresh on demand",
		EnvVars: envs("REFRESH"),
	}
)

func globalFlags() []cli.Flag {
	layout := glibc.DefaultLayout()
	return []cli.Flag{
		&cli.IntFlag{
			Name:    "verbose",
			Aliases: []string{"v"},
			Usage:   "log verbosity",
			EnvVars: envs("VERBOSE"),
		},
		&cli.StringSliceFlag{
			Name:    "debug-dir",
			Usage:   "extra root to search for separate debug files",
			EnvVars: envs("DEBUG_DIR"),
		},
		&cli.IntFlag{
			Name:    "tcache-count",
			Usage:   "chunks one tcache bin holds",
			Value:   layout.TcacheCapacity,
			EnvVars: envs("TCACHE_COUNT"),
		},
		&cli.UintFlag{
			Name:    "safe-link-shift",
			Usage:   "shift of the field address in safe-linked pointers",
			Value:   layout.SafeLinkShift,
			EnvVars: envs("SAFE_LINK_SHIFT"),
		},
		&cli.Uint64Flag{
			Name:    "tls-modid-offset",
			Usage:   "offset of l_tls_modid in struct link_map, read from debug info when not set",
			Value:   layout.LinkMapTLSModIDOffset,
			EnvVars: envs("TLS_MODID_OFFSET"),
		},
		&cli.BoolFlag{
			Name:    "allow-unverified",
			Usage:   "analyze glibc releases the layouts were not checked against",
			EnvVars: envs("ALLOW_UNVERIFIED"),
		},
	}
}

func configFrom(c *cli.Context) inspect.Config {
	cfg := inspect.DefaultConfig()
	cfg.NonBlocking = c.Bool("non-blocking")
	cfg.DebugDirs = c.StringSlice("debug-dir")
	cfg.AllowUnverified = c.Bool("allow-unverified")
	cfg.Layout.TcacheCapacity = c.Int("tcache-count")
	cfg.Layout.SafeLinkShift = c.Uint("safe-link-shift")
	cfg.Layout.LinkMapTLSModIDOffset = c.Uint64("tls-modid-offset")
	cfg.FixedLayout = c.IsSet("tls-modid-offset")
	return cfg
}

// withSession runs fn on the shell session, or on a session attached for
// the duration of the command.
func withSession(c *cli.Context, fn func(*inspect.Session) error) error {
	pid := c.Int("pid")
	if shared != nil && (pid == 0 || pid == shared.PID()) {
		return fn(shared)
	}
	if pid == 0 {
		return errPIDRequired
	}
	s, err := inspect.Open(pid, configFrom(c))
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			glog.Warningf("Failed to detach from %d: %v", pid, err)
		}
	}()
	return fn(s)
}

func parseAddr(s string) (uint64, error) {
	addr, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return addr, nil
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "mallocspy",
		Usage: "inspect the glibc malloc heap of a running process",
		Flags: globalFlags(),
		Before: func(c *cli.Context) error {
			flag.Set("logtostderr", "true")
			flag.Set("v", strconv.Itoa(c.Int("verbose")))
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:    "analyze",
				Aliases: []string{"a"},
				Usage:   "Reconstruct the heap and print a summary",
				Flags:   []cli.Flag{pidFlag, nonBlockingFlag},
				Action: func(c *cli.Context) error {
					return withSession(c, func(s *inspect.Session) error {
						report, err := s.Analyze()
						if err != nil {
							return err
						}
						out := c.App.Writer
						render.Summary(out, report.Summary)
						fmt.Fprintln(out)
						render.ThreadArenas(out, report.ThreadArenas)
						if len(report.Diagnostics) > 0 {
							fmt.Fprintf(out, "\ndiagnostics:\n\n")
							render.Diagnostics(out, report.Diagnostics)
						}
						fmt.Fprintf(out, "\nanalyzed in %s\n", report.Duration)
						return nil
					})
				},
			},
			{
				Name:  "view",
				Usage: "List the heap regions of the process or of one thread",
				Flags: []cli.Flag{pidFlag, tidFlag, nonBlockingFlag, noColorFlag,
					&cli.StringFlag{Name: "state", Usage: "only regions with this label"},
					&cli.StringFlag{Name: "origin", Usage: "only regions with this origin"},
				},
				Action: func(c *cli.Context) error {
					return withSession(c, func(s *inspect.Session) error {
						view, err := s.View(c.Int("tid"))
						if err != nil {
							return err
						}
						view = inspect.FilterRegions(view, inspect.Filter{State: c.String("state"), Origin: c.String("origin")})
						render.Regions(c.App.Writer, view, c.Bool("no-color"))
						return nil
					})
				},
			},
			{
				Name:  "chunk",
				Usage: "Dump one chunk",
				Flags: []cli.Flag{pidFlag, addrFlag, nonBlockingFlag, noColorFlag},
				Action: func(c *cli.Context) error {
					addr, err := parseAddr(c.String("addr"))
					if err != nil {
						return err
					}
					if c.Bool("no-color") {
						color.NoColor = true
					}
					return withSession(c, func(s *inspect.Session) error {
						if _, err := s.Report(); err != nil {
							glog.V(1).Infof("Chunk state unknown: %v", err)
						}
						info, err := s.Chunk(addr)
						if err != nil {
							return err
						}
						var state glibc.ChunkState
						var lo, hi uint64
						if info.Region != nil {
							state = info.Region.State
						}
						if m, ok := s.Maps().Find(addr); ok {
							lo, hi = m.Start, m.End
						}
						render.Chunk(c.App.Writer, info.Chunk, state, lo, hi)
						return nil
					})
				},
			},
			{
				Name:  "tls",
				Usage: "Locate a thread-local variable through the dynamic linker",
				Flags: []cli.Flag{pidFlag, tidFlag, fileFlag, nonBlockingFlag,
					&cli.StringFlag{Name: "symbol", Usage: ".tbss or .tdata symbol", Required: true},
				},
				Action: func(c *cli.Context) error {
					return withSession(c, func(s *inspect.Session) error {
						loc, err := s.LocateTLS(c.Int("tid"), c.String("file"), c.String("symbol"))
						if err != nil {
							return err
						}
						render.TLSLocation(c.App.Writer, loc)
						return nil
					})
				},
			},
			{
				Name:  "errno",
				Usage: "Read errno of a thread by disassembling __errno_location",
				Flags: []cli.Flag{pidFlag, tidFlag},
				Action: func(c *cli.Context) error {
					return withSession(c, func(s *inspect.Session) error {
						r, err := s.Errno(c.Int("tid"))
						if err != nil {
							return err
						}
						render.Errno(c.App.Writer, r)
						return nil
					})
				},
			},
			{
				Name:  "maps",
				Usage: "List memory mappings",
				Flags: []cli.Flag{pidFlag, nonBlockingFlag},
				Action: func(c *cli.Context) error {
					return withSession(c, func(s *inspect.Session) error {
						render.Maps(c.App.Writer, s.Maps())
						return nil
					})
				},
			},
			{
				Name:  "symbols",
				Usage: "List resolved symbols",
				Flags: []cli.Flag{pidFlag, fileFlag, nonBlockingFlag,
					&cli.StringFlag{Name: "symbol", Usage: "only names containing this"},
				},
				Action: func(c *cli.Context) error {
					return withSession(c, func(s *inspect.Session) error {
						render.Symbols(c.App.Writer, s.Process().Symbols(), c.String("file"), c.String("symbol"))
						return nil
					})
				},
			},
			{
				Name:    "status",
				Aliases: []string{"s"},
				Usage:   "List threads with their thread pointer and arena",
				Flags:   []cli.Flag{pidFlag, nonBlockingFlag},
				Action: func(c *cli.Context) error {
					return withSession(c, func(s *inspect.Session) error {
						if _, err := s.Report(); err != nil {
							glog.Warningf("Arenas unknown: %v", err)
						}
						threads, err := s.Threads()
						if err != nil {
							return err
						}
						render.Threads(c.App.Writer, threads)
						return nil
					})
				},
			},
			{
				Name:    "browse",
				Aliases: []string{"b"},
				Usage:   "Interactive heap browser",
				Flags:   []cli.Flag{pidFlag, refreshFlag, nonBlockingFlag},
				Action: func(c *cli.Context) error {
					return withSession(c, func(s *inspect.Session) error {
						return termui.NewHeapUI(s, c.Int("refresh")).Run()
					})
				},
			},
			{
				Name:  "stats",
				Usage: "Chunk statistics dashboard",
				Flags: []cli.Flag{pidFlag, refreshFlag, nonBlockingFlag},
				Action: func(c *cli.Context) error {
					return withSession(c, func(s *inspect.Session) error {
						return term.NewTerm(s, c.Int("refresh")).Display()
					})
				},
			},
			{
				Name:  "serve",
				Usage: "Serve heap inspection over HTTP",
				Flags: []cli.Flag{nonBlockingFlag,
					&cli.IntFlag{Name: "port", Value: 8974, Usage: "listen port", EnvVars: envs("PORT")},
				},
				Action: func(c *cli.Context) error {
					s := api.NewServer(c.Int("port"), configFrom(c))
					defer s.Close()
					return s.Start()
				},
			},
			{
				Name:  "mcp",
				Usage: "Serve heap inspection tools over MCP stdio",
				Flags: []cli.Flag{nonBlockingFlag},
				Action: func(c *cli.Context) error {
					tools := mcpserver.NewTools(configFrom(c), nil)
					defer tools.Close()
					return mcpserver.ServeStdio(mcpserver.NewServer(tools, gitVer))
				},
			},
			{
				Name:  "shell",
				Usage: "Interactive session on one process",
				Flags: []cli.Flag{pidFlag, nonBlockingFlag},
				Action: func(c *cli.Context) error {
					if shared != nil {
						return errors.New("already in a shell")
					}
					if c.Int("pid") == 0 {
						return errPIDRequired
					}
					s, err := inspect.Open(c.Int("pid"), configFrom(c))
					if err != nil {
						return err
					}
					shared = s
					defer func() {
						shared = nil
						if err := s.Close(); err != nil {
							glog.Warningf("Failed to detach from %d: %v", s.PID(), err)
						}
					}()
					return runShell(s, c.App.Commands)
				},
			},
			{
				Name:    "version",
				Aliases: []string{"V"},
				Usage:   "print build version",
				Action: func(c *cli.Context) error {
					fmt.Fprintln(c.App.Writer, "Git: "+gitVer)
					fmt.Fprintln(c.App.Writer, "Build at: "+buildAt)
					return nil
				},
			},
		},
	}
}

func main() {
	err := newApp().Run(os.Args)
	glog.Flush()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/golang/glog"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/monsterxx03/mallocspy/pkg/glibc"
	"github.com/monsterxx03/mallocspy/pkg/inspect"
	"github.com/monsterxx03/mallocspy/pkg/render"
)

type Opener func(pid int, cfg inspect.Config) (*inspect.Session, error)

// Tools exposes heap inspection to MCP clients. Sessions are cached per pid
// for the lifetime of the server.
type Tools struct {
	cfg      inspect.Config
	open     Opener
	mu       sync.Mutex
	sessions map[int]*inspect.Session
}

func NewTools(cfg inspect.Config, open Opener) *Tools {
	if open == nil {
		open = inspect.Open
	}
	return &Tools{cfg: cfg, open: open, sessions: make(map[int]*inspect.Session)}
}

func (t *Tools) session(pid int) (*inspect.Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sessions[pid]; ok {
		return s, nil
	}
	s, err := t.open(pid, t.cfg)
	if err != nil {
		return nil, err
	}
	t.sessions[pid] = s
	return s, nil
}

func (t *Tools) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for pid, s := range t.sessions {
		if err := s.Close(); err != nil {
			glog.Warningf("Failed to detach from %d: %v", pid, err)
		}
		delete(t.sessions, pid)
	}
}

// NewServer registers every tool on a new MCP server.
func NewServer(t *Tools, version string) *server.MCPServer {
	s := server.NewMCPServer("mallocspy", version, server.WithToolCapabilities(false))

	pid := mcp.WithNumber("pid", mcp.Required(), mcp.Description("Target process id"))
	tid := mcp.WithNumber("tid", mcp.Description("Thread id, defaults to the main thread"))

	s.AddTool(mcp.NewTool("list_maps",
		mcp.WithDescription("List the memory mappings of a process"),
		pid,
	), t.ListMaps)
	s.AddTool(mcp.NewTool("analyze_heap",
		mcp.WithDescription("Reconstruct the glibc malloc heap of a process and summarize it"),
		pid,
		mcp.WithBoolean("refresh", mcp.Description("Discard the cached analysis and run again")),
	), t.AnalyzeHeap)
	s.AddTool(mcp.NewTool("view_heap",
		mcp.WithDescription("List the heap regions belonging to a process or one of its threads"),
		pid,
		tid,
		mcp.WithString("state", mcp.Description("Only regions with this label, e.g. tcache, fastbin, bin, active")),
	), t.ViewHeap)
	s.AddTool(mcp.NewTool("read_chunk",
		mcp.WithDescription("Read a malloc chunk header and dump its content"),
		pid,
		mcp.WithString("addr", mcp.Required(), mcp.Description("Chunk address, hex with 0x prefix")),
	), t.ReadChunk)
	s.AddTool(mcp.NewTool("locate_tls",
		mcp.WithDescription("Compute the address of a thread-local variable through the dynamic linker"),
		pid,
		tid,
		mcp.WithString("symbol", mcp.Required(), mcp.Description("Name of the .tbss symbol, e.g. tcache or errno")),
		mcp.WithString("file", mcp.Description("Module defining the symbol, defaults to libc")),
	), t.LocateTLS)
	return s
}

// ServeStdio blocks serving MCP over stdin/stdout.
func ServeStdio(s *server.MCPServer) error {
	return server.ServeStdio(s)
}

func textResult(v interface{}) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(b)), nil
}

func (t *Tools) requestSession(req mcp.CallToolRequest) (*inspect.Session, error) {
	pid, err := req.RequireInt("pid")
	if err != nil {
		return nil, err
	}
	return t.session(pid)
}

func (t *Tools) ListMaps(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s, err := t.requestSession(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	var buf bytes.Buffer
	render.Maps(&buf, s.Maps())
	return mcp.NewToolResultText(buf.String()), nil
}

func (t *Tools) AnalyzeHeap(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s, err := t.requestSession(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	analyze := s.Report
	if req.GetBool("refresh", false) {
		analyze = s.Analyze
	}
	report, err := analyze()
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to analyze heap: %v", err)), nil
	}
	var buf bytes.Buffer
	render.Summary(&buf, report.Summary)
	buf.WriteString("\n")
	render.ThreadArenas(&buf, report.ThreadArenas)
	if len(report.Diagnostics) > 0 {
		buf.WriteString("\n")
		render.Diagnostics(&buf, report.Diagnostics)
	}
	return mcp.NewToolResultText(buf.String()), nil
}

func (t *Tools) ViewHeap(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s, err := t.requestSession(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	view, err := s.View(req.GetInt("tid", 0))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to get view: %v", err)), nil
	}
	view = inspect.FilterRegions(view, inspect.Filter{State: req.GetString("state", "")})
	var buf bytes.Buffer
	render.Regions(&buf, view, true)
	return mcp.NewToolResultText(buf.String()), nil
}

func (t *Tools) ReadChunk(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s, err := t.requestSession(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	addrStr, err := req.RequireString("addr")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	addr, err := strconv.ParseUint(addrStr, 0, 64)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid addr %q: %v", addrStr, err)), nil
	}
	c, err := s.Chunk(addr)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to read chunk: %v", err)), nil
	}
	var buf bytes.Buffer
	var state glibc.ChunkState
	if c.Region != nil {
		state = c.Region.State
	}
	render.Chunk(&buf, c.Chunk, state, 0, 0)
	return mcp.NewToolResultText(buf.String()), nil
}

func (t *Tools) LocateTLS(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s, err := t.requestSession(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	symbol, err := req.RequireString("symbol")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	loc, err := s.LocateTLS(req.GetInt("tid", 0), req.GetString("file", ""), symbol)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to locate %s: %v", symbol, err)), nil
	}
	return textResult(loc)
}

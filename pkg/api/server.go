package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/golang/glog"

	"github.com/monsterxx03/mallocspy/pkg/inspect"
)

// Opener attaches to a pid. The default is inspect.Open.
type Opener func(pid int, cfg inspect.Config) (*inspect.Session, error)

type Server struct {
	port     int
	cfg      inspect.Config
	open     Opener
	sessions map[int]*inspect.Session // pid -> session cache
	mu       sync.RWMutex
}

func NewServer(port int, cfg inspect.Config) *Server {
	return &Server{
		port:     port,
		cfg:      cfg,
		open:     inspect.Open,
		sessions: make(map[int]*inspect.Session),
	}
}

// WithOpener replaces how sessions are created.
func (s *Server) WithOpener(open Opener) *Server {
	s.open = open
	return s
}

func (s *Server) getSession(pid int) (*inspect.Session, error) {
	s.mu.RLock()
	if sess, ok := s.sessions[pid]; ok {
		s.mu.RUnlock()
		return sess, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[pid]; ok {
		return sess, nil
	}
	sess, err := s.open(pid, s.cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open session: %w", err)
	}
	s.sessions[pid] = sess
	return sess, nil
}

func (s *Server) closeSession(pid int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[pid]
	if !ok {
		return false
	}
	if err := sess.Close(); err != nil {
		glog.Warningf("Failed to detach from %d: %v", pid, err)
	}
	delete(s.sessions, pid)
	return true
}

// Close detaches from every cached process.
func (s *Server) Close() {
	s.mu.RLock()
	pids := make([]int, 0, len(s.sessions))
	for pid := range s.sessions {
		pids = append(pids, pid)
	}
	s.mu.RUnlock()
	for _, pid := range pids {
		s.closeSession(pid)
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/maps", s.handleMaps)
	mux.HandleFunc("/analyze", s.handleAnalyze)
	mux.HandleFunc("/view", s.handleView)
	mux.HandleFunc("/chunk", s.handleChunk)
	mux.HandleFunc("/threads", s.handleThreads)
	mux.HandleFunc("/tls", s.handleTLS)
	mux.HandleFunc("/errno", s.handleErrno)
	mux.HandleFunc("/detach", s.handleDetach)
	return mux
}

func (s *Server) Start() error {
	glog.Infof("Listening on :%d", s.port)
	return http.ListenAndServe(fmt.Sprintf(":%d", s.port), s.Handler())
}

// session resolves the pid parameter, writing the error response itself.
func (s *Server) session(w http.ResponseWriter, r *http.Request) (*inspect.Session, bool) {
	pid, err := getPID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, false
	}
	sess, err := s.getSession(pid)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return nil, false
	}
	return sess, true
}

func (s *Server) handleMaps(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, sess.Maps())
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	analyze := sess.Report
	if r.URL.Query().Get("refresh") != "" {
		analyze = sess.Analyze
	}
	report, err := analyze()
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to analyze heap: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, report)
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	tid, err := getInt(r, "tid")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	view, err := sess.View(tid)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to get view: %v", err), http.StatusInternalServerError)
		return
	}
	filter := inspect.Filter{
		State:  r.URL.Query().Get("state"),
		Origin: r.URL.Query().Get("origin"),
	}
	writeJSON(w, inspect.FilterRegions(view, filter))
}

func (s *Server) handleChunk(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	addr, err := getAddr(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	c, err := sess.Chunk(addr)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to read chunk: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, c)
}

func (s *Server) handleThreads(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	threads, err := sess.Threads()
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to list threads: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, threads)
}

func (s *Server) handleTLS(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	tid, err := getInt(r, "tid")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		http.Error(w, "symbol parameter is required", http.StatusBadRequest)
		return
	}
	loc, err := sess.LocateTLS(tid, r.URL.Query().Get("file"), symbol)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to locate %s: %v", symbol, err), http.StatusNotFound)
		return
	}
	writeJSON(w, loc)
}

func (s *Server) handleErrno(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	tid, err := getInt(r, "tid")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	report, err := sess.Errno(tid)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to locate errno: %v", err), http.StatusNotFound)
		return
	}
	writeJSON(w, report)
}

func (s *Server) handleDetach(w http.ResponseWriter, r *http.Request) {
	pid, err := getPID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]bool{"detached": s.closeSession(pid)})
}

func getPID(r *http.Request) (int, error) {
	pidStr := r.URL.Query().Get("pid")
	if pidStr == "" {
		return 0, fmt.Errorf("pid parameter is required")
	}
	return strconv.Atoi(pidStr)
}

// getInt parses an optional integer parameter, 0 when absent.
func getInt(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return n, nil
}

var errAddrRequired = errors.New("addr parameter is required")

func getAddr(r *http.Request) (uint64, error) {
	v := r.URL.Query().Get("addr")
	if v == "" {
		return 0, errAddrRequired
	}
	return strconv.ParseUint(v, 0, 64)
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, fmt.Sprintf("failed to encode response: %v", err), http.StatusInternalServerError)
	}
}

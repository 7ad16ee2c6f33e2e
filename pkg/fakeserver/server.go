// Package fakeserver is an in-process stand-in for the hosting
// service's deploy API. It keeps blobs in memory, walks deploys through
// the same lifecycle the real service does, and lets tests inject
// failures.
package fakeserver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/tqbf/deploysync/pkg/deployapi"
	"github.com/tqbf/deploysync/pkg/manifest"
	"github.com/tqbf/deploysync/pkg/progress"
)

type Config struct {
	// Site is the only site the server knows. Defaults to "test-site".
	Site  string
	Token string
	// Algorithm is used to verify uploaded content. Defaults to sha256.
	Algorithm manifest.Algorithm
	// SyncLimit forces a background diff for manifests with more files.
	// Zero means only the request's async flag decides.
	SyncLimit int
	// PrepareTicks is how many status reads a background diff stays
	// preparing. Negative means forever.
	PrepareTicks int
	// ProcessTicks is how many status reads a fully uploaded deploy
	// stays processing before it goes live.
	ProcessTicks int
	// UploadDelay holds every blob upload open for a while so tests can
	// observe concurrency.
	UploadDelay time.Duration
}

type deployRec struct {
	deployapi.Deploy
	req         deployapi.CreateDeployRequest
	pending     map[string]struct{}
	prepareLeft int
	processLeft int
	reads       int
}

type Server struct {
	HS  *httptest.Server
	cfg Config

	mu          sync.Mutex
	blobs       map[string][]byte
	deploys     map[string]*deployRec
	order       []string
	failUploads map[string][]int
	attempts    map[string]int
	diffError   string
	buildError  string
	inflight    int
	peak        int
	events      []progress.Event
}

func New(cfg Config) *Server {
	if cfg.Site == "" {
		cfg.Site = "test-site"
	}
	if cfg.Algorithm == "" {
		cfg.Algorithm = manifest.DefaultAlgorithm
	}
	s := &Server{
		cfg:         cfg,
		blobs:       make(map[string][]byte),
		deploys:     make(map[string]*deployRec),
		failUploads: make(map[string][]int),
		attempts:    make(map[string]int),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/sites/{site}/deploys", s.auth(s.handleCreate))
	mux.HandleFunc("GET /api/v1/sites/{site}/deploys/{id}", s.auth(s.handleGetDeploy))
	mux.HandleFunc("PUT /api/v1/deploys/{id}/blobs/{digest}", s.auth(s.handleUpload))
	mux.HandleFunc("GET /api/v1/sites/{site}", s.auth(s.handleGetSite))
	mux.HandleFunc("GET /events", s.handleEvents)
	s.HS = httptest.NewServer(mux)
	return s
}

func (s *Server) Close() {
	s.HS.CloseClientConnections()
	s.HS.Close()
}

func (s *Server) URL() string {
	return s.HS.URL
}

// EventsURL is a websocket endpoint that records progress events.
func (s *Server) EventsURL() string {
	return "ws" + strings.TrimPrefix(s.HS.URL, "http") + "/events"
}

func (s *Server) Site() string {
	return s.cfg.Site
}

// FailUpload makes the next len(statuses) uploads of digest fail with
// the given HTTP statuses, in order.
func (s *Server) FailUpload(digest string, statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failUploads[digest] = append(s.failUploads[digest], statuses...)
}

// FailDiff makes background diffs resolve to the error state.
func (s *Server) FailDiff(msg string) {
	s.mu.Lock()
	s.diffError = msg
	s.mu.Unlock()
}

// FailBuild makes deploys end in the error state after processing.
func (s *Server) FailBuild(msg string) {
	s.mu.Lock()
	s.buildError = msg
	s.mu.Unlock()
}

// SeedBlob stores content as if a previous deploy had uploaded it.
func (s *Server) SeedBlob(content []byte) string {
	h := s.cfg.Algorithm.New()
	h.Write(content)
	d := s.cfg.Algorithm.Sum(h)
	s.mu.Lock()
	s.blobs[d] = append([]byte(nil), content...)
	s.mu.Unlock()
	return d
}

func (s *Server) Blob(digest string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[digest]
	return b, ok
}

// UploadAttempts counts every upload request for digest, failed or not.
func (s *Server) UploadAttempts(digest string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[digest]
}

func (s *Server) TotalUploadAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.attempts {
		n += c
	}
	return n
}

// PeakUploads is the largest number of uploads seen in flight at once.
func (s *Server) PeakUploads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peak
}

// Deploys returns every deploy in creation order.
func (s *Server) Deploys() []deployapi.Deploy {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]deployapi.Deploy, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.snapshot(s.deploys[id]))
	}
	return out
}

// CreateRequests returns the body of every deploy creation, in order.
func (s *Server) CreateRequests() []deployapi.CreateDeployRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]deployapi.CreateDeployRequest, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.deploys[id].req)
	}
	return out
}

// StatusReads counts GETs of deploy id.
func (s *Server) StatusReads(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.deploys[id]; ok {
		return d.reads
	}
	return 0
}

func (s *Server) Events() []progress.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]progress.Event(nil), s.events...)
}

func (s *Server) auth(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Token != "" &&
			r.Header.Get("Authorization") != "Bearer "+s.cfg.Token {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}
		h(w, r)
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error": msg,
		"code":  code,
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleGetSite(w http.ResponseWriter, r *http.Request) {
	site := r.PathValue("site")
	if site != s.cfg.Site {
		writeError(w, http.StatusNotFound, "not_found", "no such site "+site)
		return
	}
	writeJSON(w, deployapi.Site{
		ID:   "site-" + site,
		Name: site,
		URL:  "https://" + site + ".example.test",
	})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	site := r.PathValue("site")
	if site != s.cfg.Site {
		writeError(w, http.StatusNotFound, "not_found", "no such site "+site)
		return
	}
	var req deployapi.CreateDeployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	for p, d := range req.Files {
		if err := s.cfg.Algorithm.Validate(d); err != nil {
			writeError(w, http.StatusUnprocessableEntity, "invalid_files",
				fmt.Sprintf("%s: %v", p, err))
			return
		}
		if strings.ContainsAny(p, "#?") {
			writeError(w, http.StatusUnprocessableEntity, "invalid_files",
				"illegal path "+p)
			return
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := &deployRec{
		Deploy: deployapi.Deploy{
			ID:     uuid.NewString(),
			SiteID: site,
			State:  deployapi.StatePreparing,
			Title:  req.Title,
		},
		req:         req,
		prepareLeft: s.cfg.PrepareTicks,
		processLeft: s.cfg.ProcessTicks,
	}
	s.deploys[rec.ID] = rec
	s.order = append(s.order, rec.ID)

	async := req.Async || (s.cfg.SyncLimit > 0 && len(req.Files) > s.cfg.SyncLimit)
	if !async {
		s.resolveDiff(rec)
	}
	writeJSON(w, s.snapshot(rec))
}

// resolveDiff computes the digests the server lacks.
func (s *Server) resolveDiff(rec *deployRec) {
	if s.diffError != "" {
		rec.State = deployapi.StateError
		rec.ErrorMessage = s.diffError
		return
	}
	rec.pending = make(map[string]struct{})
	for _, d := range rec.req.Files {
		if _, ok := s.blobs[d]; !ok {
			rec.pending[d] = struct{}{}
		}
	}
	rec.Required = make([]string, 0, len(rec.pending))
	for d := range rec.pending {
		rec.Required = append(rec.Required, d)
	}
	sort.Strings(rec.Required)
	rec.State = deployapi.StatePrepared
}

// advance moves rec one step along its lifecycle. Called on every
// status read.
func (s *Server) advance(rec *deployRec) {
	switch rec.State {
	case deployapi.StatePreparing:
		if rec.prepareLeft < 0 {
			return
		}
		if rec.prepareLeft > 0 {
			rec.prepareLeft--
			return
		}
		s.resolveDiff(rec)
	case deployapi.StatePrepared, deployapi.StateUploading:
		if len(rec.pending) == 0 {
			rec.State = deployapi.StateProcessing
		}
	case deployapi.StateUploaded:
		rec.State = deployapi.StateProcessing
	case deployapi.StateProcessing:
		if rec.processLeft > 0 {
			rec.processLeft--
			return
		}
		if s.buildError != "" {
			rec.State = deployapi.StateError
			rec.ErrorMessage = s.buildError
			return
		}
		rec.State = deployapi.StateReady
		rec.DeployURL = fmt.Sprintf(
			"https://%s--%s.example.test", rec.ID[:8], rec.SiteID,
		)
	}
}

func (s *Server) snapshot(rec *deployRec) deployapi.Deploy {
	d := rec.Deploy
	d.Required = append([]string{}, rec.Required...)
	return d
}

func (s *Server) handleGetDeploy(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.deploys[r.PathValue("id")]
	if !ok || rec.SiteID != r.PathValue("site") {
		writeError(w, http.StatusNotFound, "not_found", "no such deploy")
		return
	}
	rec.reads++
	s.advance(rec)
	writeJSON(w, s.snapshot(rec))
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	id, digest := r.PathValue("id"), r.PathValue("digest")

	s.mu.Lock()
	s.attempts[digest]++
	rec, ok := s.deploys[id]
	var fail int
	if q := s.failUploads[digest]; len(q) > 0 {
		fail, s.failUploads[digest] = q[0], q[1:]
	}
	s.inflight++
	s.peak = max(s.peak, s.inflight)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inflight--
		s.mu.Unlock()
	}()

	if s.cfg.UploadDelay > 0 {
		time.Sleep(s.cfg.UploadDelay)
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return
	}
	if fail != 0 {
		writeError(w, fail, "injected", http.StatusText(fail))
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "no such deploy")
		return
	}
	if r.ContentLength >= 0 && int64(len(body)) != r.ContentLength {
		writeError(w, http.StatusBadRequest, "short_body",
			fmt.Sprintf("got %d of %d bytes", len(body), r.ContentLength))
		return
	}
	h := s.cfg.Algorithm.New()
	h.Write(body)
	if got := s.cfg.Algorithm.Sum(h); got != digest {
		writeError(w, http.StatusUnprocessableEntity, "digest_mismatch",
			fmt.Sprintf("content hashes to %s", got))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch rec.State {
	case deployapi.StatePrepared, deployapi.StateUploading:
	default:
		writeError(w, http.StatusConflict, "bad_state",
			fmt.Sprintf("deploy is %s", rec.State))
		return
	}
	if _, want := rec.pending[digest]; !want {
		writeError(w, http.StatusBadRequest, "not_required",
			"digest not required by this deploy")
		return
	}
	s.blobs[digest] = bytes.Clone(body)
	delete(rec.pending, digest)
	rec.State = deployapi.StateUploading
	if len(rec.pending) == 0 {
		rec.State = deployapi.StateUploaded
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	defer conn.CloseNow()
	for {
		var e progress.Event
		if err := wsjson.Read(r.Context(), conn, &e); err != nil {
			return
		}
		s.mu.Lock()
		s.events = append(s.events, e)
		s.mu.Unlock()
	}
}

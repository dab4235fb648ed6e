// Package api implements the SafeSwitch daemon's control-plane HTTP server,
// per spec §6: a JSON request/response API bound to a Unix domain socket,
// reachable only by safeswitchctl and other root-owned local callers.
//
// Transport: HTTP/1.1 over net.Listen("unix", ...), routed with
// github.com/gorilla/mux the way the teacher's operator package routes
// commands, but over HTTP verbs and paths instead of a {"cmd": ...}
// envelope — the wire shape spec §6 actually specifies.
//
// Every response carries a Date header (net/http sets this automatically)
// and, where the body represents a versioned entity, an X-Entity-Version
// header mirroring that entity's Revision field, per spec §6.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/osmoda/safeswitch/internal/errs"
	"github.com/osmoda/safeswitch/internal/fleet"
	"github.com/osmoda/safeswitch/internal/model"
	"github.com/osmoda/safeswitch/internal/switchengine"
	"github.com/osmoda/safeswitch/internal/watcher"
)

const (
	readTimeout  = 10 * time.Second
	writeTimeout = 30 * time.Second
	idleTimeout  = 60 * time.Second
)

// Server is the Unix-socket HTTP API server, per spec §6.
type Server struct {
	socketPath string
	switches   *switchengine.Engine
	watchers   *watcher.Engine
	fleet      *fleet.Coordinator
	log        *zap.Logger
	httpServer *http.Server
}

// New creates a Server wired to the three engines it fronts.
func New(socketPath string, switches *switchengine.Engine, watchers *watcher.Engine, fc *fleet.Coordinator, log *zap.Logger) *Server {
	s := &Server{
		socketPath: socketPath,
		switches:   switches,
		watchers:   watchers,
		fleet:      fc,
		log:        log,
	}
	s.httpServer = &http.Server{
		Handler:      s.router(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
	return s
}

func (s *Server) router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/switch/begin", s.handleSwitchBegin).Methods(http.MethodPost)
	r.HandleFunc("/switch/status/{id}", s.handleSwitchStatus).Methods(http.MethodGet)
	r.HandleFunc("/switch/commit/{id}", s.handleSwitchCommit).Methods(http.MethodPost)
	r.HandleFunc("/switch/rollback/{id}", s.handleSwitchRollback).Methods(http.MethodPost)
	r.HandleFunc("/switch/ack/{id}", s.handleSwitchAck).Methods(http.MethodPost)

	r.HandleFunc("/watcher/add", s.handleWatcherAdd).Methods(http.MethodPost)
	r.HandleFunc("/watcher/list", s.handleWatcherList).Methods(http.MethodGet)
	r.HandleFunc("/watcher/{id}", s.handleWatcherDelete).Methods(http.MethodDelete)
	r.HandleFunc("/watcher/{id}/quiesce", s.handleWatcherQuiesce).Methods(http.MethodPost)

	r.HandleFunc("/fleet/propose", s.handleFleetPropose).Methods(http.MethodPost)
	r.HandleFunc("/fleet/status/{id}", s.handleFleetStatus).Methods(http.MethodGet)
	r.HandleFunc("/fleet/vote/{id}", s.handleFleetVote).Methods(http.MethodPost)
	r.HandleFunc("/fleet/rollback/{id}", s.handleFleetRollback).Methods(http.MethodPost)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	return r
}

// ListenAndServe binds the Unix domain socket (0600, stale-socket-safe) and
// blocks until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("api: remove stale socket %q: %w", s.socketPath, err)
	}
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o750); err != nil {
		return fmt.Errorf("api: mkdir %q: %w", filepath.Dir(s.socketPath), err)
	}

	lis, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("api: listen %q: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		lis.Close()
		return fmt.Errorf("api: chmod %q: %w", s.socketPath, err)
	}

	s.log.Info("api socket listening", zap.String("path", s.socketPath))

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(lis); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: serve: %w", err)
	}
	return nil
}

// ─── Switch Engine routes ──────────────────────────────────────────────────

type switchBeginRequest struct {
	Plan         string                  `json:"plan"`
	NewConfigID  string                  `json:"new_config_id"`
	TTLSecs      int                     `json:"ttl_secs"`
	HealthChecks []model.HealthCheckSpec `json:"health_checks"`
}

func (s *Server) handleSwitchBegin(w http.ResponseWriter, r *http.Request) {
	var req switchBeginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	sess, err := s.switches.Begin(r.Context(), switchengine.BeginRequest{
		Plan:         req.Plan,
		NewConfigID:  req.NewConfigID,
		TTLSecs:      req.TTLSecs,
		HealthChecks: req.HealthChecks,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeSwitchSession(w, http.StatusCreated, sess)
}

func (s *Server) handleSwitchStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sess, err := s.switches.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeSwitchSession(w, http.StatusOK, sess)
}

func (s *Server) handleSwitchCommit(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sess, err := s.switches.Commit(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeSwitchSession(w, http.StatusOK, sess)
}

func (s *Server) handleSwitchRollback(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sess, err := s.switches.Rollback(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeSwitchSession(w, http.StatusOK, sess)
}

// handleSwitchAck implements the operator acknowledgement supplement of
// spec §7: clears a Failed session's refusal-to-begin state.
func (s *Server) handleSwitchAck(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.switches.Acknowledge(id); err != nil {
		writeError(w, err)
		return
	}
	sess, err := s.switches.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeSwitchSession(w, http.StatusOK, sess)
}

func writeSwitchSession(w http.ResponseWriter, status int, sess *model.SwitchSession) {
	w.Header().Set("X-Entity-Version", strconv.FormatUint(sess.Revision, 10))
	writeJSON(w, status, sess)
}

// ─── Watcher Engine routes ─────────────────────────────────────────────────

type watcherAddRequest struct {
	Name         string                     `json:"name"`
	Check        model.HealthCheckSpec      `json:"check"`
	IntervalSecs int                        `json:"interval_secs"`
	Actions      []model.RemediationAction  `json:"actions"`
}

func (s *Server) handleWatcherAdd(w http.ResponseWriter, r *http.Request) {
	var req watcherAddRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	wt, err := s.watchers.Create(watcher.CreateRequest{
		Name:         req.Name,
		Check:        req.Check,
		IntervalSecs: req.IntervalSecs,
		Actions:      req.Actions,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeWatcher(w, http.StatusCreated, wt)
}

func (s *Server) handleWatcherList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.watchers.List())
}

func (s *Server) handleWatcherDelete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.watchers.Delete(id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type watcherQuiesceRequest struct {
	Quiesced bool `json:"quiesced"`
}

func (s *Server) handleWatcherQuiesce(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req watcherQuiesceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.watchers.SetQuiesced(id, req.Quiesced); err != nil {
		writeError(w, err)
		return
	}
	wt, err := s.watchers.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeWatcher(w, http.StatusOK, wt)
}

func writeWatcher(w http.ResponseWriter, status int, wt *model.Watcher) {
	w.Header().Set("X-Entity-Version", strconv.FormatUint(wt.Revision, 10))
	writeJSON(w, status, wt)
}

// ─── Fleet Coordinator routes ───────────────────────────────────────────────

// defaultQuorumPercent is spec §3's default quorum_fraction of 0.51,
// expressed in the wire body's quorum_percent units.
const defaultQuorumPercent = 51

type fleetProposeRequest struct {
	Plan         string                  `json:"plan"`
	PeerIDs      []string                `json:"peer_ids"`
	HealthChecks []model.HealthCheckSpec `json:"health_checks"`
	QuorumPct    float64                 `json:"quorum_percent"`
	TimeoutSecs  int                     `json:"timeout_secs"`
	NewConfigID  string                  `json:"new_config_id"`
}

func (s *Server) handleFleetPropose(w http.ResponseWriter, r *http.Request) {
	var req fleetProposeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	quorumPct := req.QuorumPct
	if quorumPct == 0 {
		quorumPct = defaultQuorumPercent
	}
	p, err := s.fleet.Propose(r.Context(), fleet.ProposeRequest{
		Plan:           req.Plan,
		Participants:   req.PeerIDs,
		HealthChecks:   req.HealthChecks,
		QuorumFraction: quorumPct / 100,
		TimeoutSecs:    req.TimeoutSecs,
		NewConfigID:    req.NewConfigID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeProposal(w, http.StatusCreated, p)
}

func (s *Server) handleFleetStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	p, err := s.fleet.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeProposal(w, http.StatusOK, p)
}

type fleetVoteRequest struct {
	PeerID  string `json:"peer_id"`
	Approve bool   `json:"approve"`
	Reason  string `json:"reason,omitempty"`
}

func (s *Server) handleFleetVote(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req fleetVoteRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	p, err := s.fleet.Vote(id, req.PeerID, req.Approve, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeProposal(w, http.StatusOK, p)
}

func (s *Server) handleFleetRollback(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	p, err := s.fleet.RollbackOperator(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeProposal(w, http.StatusOK, p)
}

func writeProposal(w http.ResponseWriter, status int, p *model.FleetProposal) {
	w.Header().Set("X-Entity-Version", strconv.FormatUint(p.Revision, 10))
	writeJSON(w, status, p)
}

// ─── Liveness ───────────────────────────────────────────────────────────────

// healthResponse is the body of GET /health, per spec §6:
// {active_switches, watchers, ok}.
type healthResponse struct {
	ActiveSwitches int  `json:"active_switches"`
	Watchers       int  `json:"watchers"`
	OK             bool `json:"ok"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	activeSwitches := 0
	for _, sess := range s.switches.List() {
		if !sess.State.IsTerminal() {
			activeSwitches++
		}
	}
	writeJSON(w, http.StatusOK, healthResponse{
		ActiveSwitches: activeSwitches,
		Watchers:       len(s.watchers.List()),
		OK:             true,
	})
}

// ─── JSON helpers ───────────────────────────────────────────────────────────

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, errs.New(errs.InvalidArgument, fmt.Sprintf("malformed request body: %v", err)))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorBody is the {"kind": ..., "detail": ...} shape spec §7 mandates for
// every non-2xx API response.
type errorBody struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

func writeError(w http.ResponseWriter, err error) {
	status := errs.StatusFor(err)
	body := errorBody{Kind: "InternalError", Detail: err.Error()}
	if e, ok := errs.As(err); ok {
		body.Kind = string(e.Kind)
		body.Detail = e.Detail
	}
	writeJSON(w, status, body)
}

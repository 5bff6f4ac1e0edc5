package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/hpsched/hpsched/common/stats"
	"github.com/hpsched/hpsched/sweep/domain"
)

// ArbiterServer exposes a TrialStore over HTTP so workers on other
// machines coordinate through a single writer process instead of a
// shared file. It also serves /health and /admin/metrics.json.
type ArbiterServer struct {
	Addr  string
	store TrialStore
	stat  stats.StatsReceiver
	mux   *http.ServeMux
}

func NewArbiterServer(addr string, trialStore TrialStore, stat stats.StatsReceiver) *ArbiterServer {
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	s := &ArbiterServer{
		Addr:  addr,
		store: trialStore,
		stat:  stat,
		mux:   http.NewServeMux(),
	}
	s.mux.HandleFunc("/trials", s.trialsHandler)
	s.mux.HandleFunc("/trials/reserve", s.reserveHandler)
	s.mux.HandleFunc("/trials/report", s.reportHandler)
	s.mux.HandleFunc("/trials/interrupt", s.interruptHandler)
	s.mux.HandleFunc("/counts", s.countsHandler)
	s.mux.HandleFunc("/limits", s.limitsHandler)
	s.mux.HandleFunc("/halt", s.haltHandler)
	s.mux.HandleFunc("/halted", s.haltedHandler)
	s.mux.HandleFunc("/slots/acquire", s.slotAcquireHandler)
	s.mux.HandleFunc("/slots/refresh", s.slotRefreshHandler)
	s.mux.HandleFunc("/slots/release", s.slotReleaseHandler)
	s.mux.HandleFunc("/health", healthHandler)
	s.mux.HandleFunc("/admin/metrics.json", s.statsHandler)
	return s
}

// Handler returns the server's routing handler, for tests.
func (s *ArbiterServer) Handler() http.Handler {
	return s.mux
}

func (s *ArbiterServer) Serve() error {
	log.Infof("Serving sweep arbiter on %s", s.Addr)
	return http.ListenAndServe(s.Addr, s.mux)
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "ok")
}

func (s *ArbiterServer) statsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if _, err := io.Copy(w, bytes.NewBuffer(s.stat.Render())); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *ArbiterServer) trialsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req struct {
			Config domain.Configuration `json:"config"`
		}
		if !decode(w, r, &req) {
			return
		}
		trial, err := s.store.Create(r.Context(), req.Config)
		if err != nil {
			writeError(w, err)
			return
		}
		s.stat.Counter("trialsCreated").Inc(1)
		writeJSON(w, toTrialJSON(&trial))
	case http.MethodGet:
		mask := domain.MaskAll
		if raw := r.URL.Query().Get("mask"); raw != "" {
			parsed, err := strconv.ParseUint(raw, 10, 64)
			if err != nil {
				http.Error(w, "bad mask", http.StatusBadRequest)
				return
			}
			mask = domain.StatusMask(parsed)
		}
		trials, err := s.store.List(r.Context(), mask)
		if err != nil {
			writeError(w, err)
			return
		}
		wire := make([]trialJSON, 0, len(trials))
		for i := range trials {
			wire = append(wire, toTrialJSON(&trials[i]))
		}
		writeJSON(w, wire)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *ArbiterServer) reserveHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID      string `json:"id"`
		Owner   string `json:"owner"`
		LeaseMs int64  `json:"lease_ms"`
	}
	if !requirePost(w, r) || !decode(w, r, &req) {
		return
	}
	trial, reserved, err := s.store.TryReserve(r.Context(), req.ID, req.Owner, time.Duration(req.LeaseMs)*time.Millisecond)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := struct {
		Reserved bool       `json:"reserved"`
		Trial    *trialJSON `json:"trial,omitempty"`
	}{Reserved: reserved}
	if reserved {
		wire := toTrialJSON(&trial)
		resp.Trial = &wire
	} else {
		s.stat.Counter("reserveConflicts").Inc(1)
	}
	writeJSON(w, resp)
}

func (s *ArbiterServer) reportHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID      string      `json:"id"`
		Owner   string      `json:"owner"`
		Outcome outcomeJSON `json:"outcome"`
	}
	if !requirePost(w, r) || !decode(w, r, &req) {
		return
	}
	outcome := domain.Outcome{Broken: req.Outcome.Broken, Reason: req.Outcome.Reason, Objective: req.Outcome.Objective}
	if err := s.store.Report(r.Context(), req.ID, req.Owner, outcome); err != nil {
		if IsStaleLease(err) {
			s.stat.Counter("staleReports").Inc(1)
		}
		writeError(w, err)
		return
	}
	writeJSON(w, struct{}{})
}

func (s *ArbiterServer) interruptHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if !requirePost(w, r) || !decode(w, r, &req) {
		return
	}
	if err := s.store.MarkInterrupted(r.Context(), req.ID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, struct{}{})
}

func (s *ArbiterServer) countsHandler(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.Counts(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, toCountsJSON(counts))
}

func (s *ArbiterServer) limitsHandler(w http.ResponseWriter, r *http.Request) {
	limits, err := s.store.Limits(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, toLimitsJSON(limits))
}

func (s *ArbiterServer) haltHandler(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	if err := s.store.Halt(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	log.Warn("Sweep halted by operator request")
	writeJSON(w, struct{}{})
}

func (s *ArbiterServer) haltedHandler(w http.ResponseWriter, r *http.Request) {
	halted, err := s.store.Halted(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, struct {
		Halted bool `json:"halted"`
	}{halted})
}

func (s *ArbiterServer) slotAcquireHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkerID string `json:"worker_id"`
		TtlMs    int64  `json:"ttl_ms"`
	}
	if !requirePost(w, r) || !decode(w, r, &req) {
		return
	}
	acquired, err := s.store.TryAcquireSlot(r.Context(), req.WorkerID, time.Duration(req.TtlMs)*time.Millisecond)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, struct {
		Acquired bool `json:"acquired"`
	}{acquired})
}

func (s *ArbiterServer) slotRefreshHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkerID string `json:"worker_id"`
		TtlMs    int64  `json:"ttl_ms"`
	}
	if !requirePost(w, r) || !decode(w, r, &req) {
		return
	}
	if err := s.store.RefreshSlot(r.Context(), req.WorkerID, time.Duration(req.TtlMs)*time.Millisecond); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, struct{}{})
}

func (s *ArbiterServer) slotReleaseHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkerID string `json:"worker_id"`
	}
	if !requirePost(w, r) || !decode(w, r, &req) {
		return
	}
	if err := s.store.ReleaseSlot(r.Context(), req.WorkerID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, struct{}{})
}

func requirePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func decode(w http.ResponseWriter, r *http.Request, into interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		http.Error(w, "bad request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, body interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Errorf("Error encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	wire := toErrorJSON(err)
	code := http.StatusInternalServerError
	switch wire.Kind {
	case errKindCapacityExceeded, errKindStaleLease:
		code = http.StatusConflict
	case errKindNotFound:
		code = http.StatusNotFound
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if encodeErr := json.NewEncoder(w).Encode(wire); encodeErr != nil {
		log.Errorf("Error encoding error response: %v", encodeErr)
	}
}

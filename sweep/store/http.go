package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sethgrid/pester"
	log "github.com/sirupsen/logrus"

	"github.com/hpsched/hpsched/sweep/domain"
)

const DefaultHttpTries = 7 // ~2min total of trying with exponential backoff

// MakePesterClient builds the retrying HTTP client used against the
// arbiter. Retries cover network faults and 5xx; the taxonomy errors come
// back as 4xx and are never retried.
func MakePesterClient() *pester.Client {
	client := pester.New()
	client.Backoff = pester.ExponentialBackoff
	client.MaxRetries = DefaultHttpTries
	client.LogHook = func(e pester.ErrEntry) {
		log.Errorf("Retrying failed arbiter request: %+v", e)
	}
	return client
}

type Client interface {
	Do(req *http.Request) (resp *http.Response, err error)
}

// httpStore is a TrialStore client talking to an ArbiterServer. The
// arbiter is the single point of serialization, so this backend needs no
// shared filesystem between workers.
type httpStore struct {
	rootURI string
	client  Client
}

func MakeHTTPStore(rootURI string) TrialStore {
	return MakeCustomHTTPStore(rootURI, MakePesterClient())
}

func MakeCustomHTTPStore(rootURI string, client Client) TrialStore {
	if !strings.HasSuffix(rootURI, "/") {
		rootURI = rootURI + "/"
	}
	log.Infof("Making new HTTP trial store with root URI: %s", rootURI)
	return &httpStore{rootURI: rootURI, client: client}
}

func (s *httpStore) Create(ctx context.Context, cfg domain.Configuration) (domain.Trial, error) {
	req := struct {
		Config domain.Configuration `json:"config"`
	}{cfg}
	var wire trialJSON
	if err := s.do(ctx, http.MethodPost, "trials", req, &wire); err != nil {
		return domain.Trial{}, err
	}
	return fromTrialJSON(&wire)
}

func (s *httpStore) TryReserve(ctx context.Context, id, owner string, leaseDuration time.Duration) (domain.Trial, bool, error) {
	req := struct {
		ID      string `json:"id"`
		Owner   string `json:"owner"`
		LeaseMs int64  `json:"lease_ms"`
	}{id, owner, leaseDuration.Milliseconds()}
	var resp struct {
		Reserved bool       `json:"reserved"`
		Trial    *trialJSON `json:"trial"`
	}
	if err := s.do(ctx, http.MethodPost, "trials/reserve", req, &resp); err != nil {
		return domain.Trial{}, false, err
	}
	if !resp.Reserved || resp.Trial == nil {
		return domain.Trial{}, false, nil
	}
	trial, err := fromTrialJSON(resp.Trial)
	if err != nil {
		return domain.Trial{}, false, err
	}
	return trial, true, nil
}

func (s *httpStore) Report(ctx context.Context, id, owner string, outcome domain.Outcome) error {
	req := struct {
		ID      string      `json:"id"`
		Owner   string      `json:"owner"`
		Outcome outcomeJSON `json:"outcome"`
	}{id, owner, outcomeJSON{Broken: outcome.Broken, Reason: outcome.Reason, Objective: outcome.Objective}}
	return s.do(ctx, http.MethodPost, "trials/report", req, &struct{}{})
}

func (s *httpStore) MarkInterrupted(ctx context.Context, id string) error {
	req := struct {
		ID string `json:"id"`
	}{id}
	return s.do(ctx, http.MethodPost, "trials/interrupt", req, &struct{}{})
}

func (s *httpStore) List(ctx context.Context, mask domain.StatusMask) ([]domain.Trial, error) {
	var wire []trialJSON
	path := fmt.Sprintf("trials?mask=%d", uint64(mask))
	if err := s.do(ctx, http.MethodGet, path, nil, &wire); err != nil {
		return nil, err
	}
	trials := make([]domain.Trial, 0, len(wire))
	for i := range wire {
		trial, err := fromTrialJSON(&wire[i])
		if err != nil {
			return nil, err
		}
		trials = append(trials, trial)
	}
	return trials, nil
}

func (s *httpStore) Counts(ctx context.Context) (domain.Counts, error) {
	var wire countsJSON
	if err := s.do(ctx, http.MethodGet, "counts", nil, &wire); err != nil {
		return domain.Counts{}, err
	}
	return fromCountsJSON(wire), nil
}

func (s *httpStore) Limits(ctx context.Context) (domain.SweepLimits, error) {
	var wire limitsJSON
	if err := s.do(ctx, http.MethodGet, "limits", nil, &wire); err != nil {
		return domain.SweepLimits{}, err
	}
	return fromLimitsJSON(wire), nil
}

func (s *httpStore) Halt(ctx context.Context) error {
	return s.do(ctx, http.MethodPost, "halt", struct{}{}, &struct{}{})
}

func (s *httpStore) Halted(ctx context.Context) (bool, error) {
	var resp struct {
		Halted bool `json:"halted"`
	}
	if err := s.do(ctx, http.MethodGet, "halted", nil, &resp); err != nil {
		return false, err
	}
	return resp.Halted, nil
}

func (s *httpStore) TryAcquireSlot(ctx context.Context, workerID string, ttl time.Duration) (bool, error) {
	req := struct {
		WorkerID string `json:"worker_id"`
		TtlMs    int64  `json:"ttl_ms"`
	}{workerID, ttl.Milliseconds()}
	var resp struct {
		Acquired bool `json:"acquired"`
	}
	if err := s.do(ctx, http.MethodPost, "slots/acquire", req, &resp); err != nil {
		return false, err
	}
	return resp.Acquired, nil
}

func (s *httpStore) RefreshSlot(ctx context.Context, workerID string, ttl time.Duration) error {
	req := struct {
		WorkerID string `json:"worker_id"`
		TtlMs    int64  `json:"ttl_ms"`
	}{workerID, ttl.Milliseconds()}
	return s.do(ctx, http.MethodPost, "slots/refresh", req, &struct{}{})
}

func (s *httpStore) ReleaseSlot(ctx context.Context, workerID string) error {
	req := struct {
		WorkerID string `json:"worker_id"`
	}{workerID}
	return s.do(ctx, http.MethodPost, "slots/release", req, &struct{}{})
}

func (s *httpStore) Close() error {
	return nil
}

func (s *httpStore) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	uri := s.rootURI + path
	var reqBody *bytes.Buffer = bytes.NewBuffer(nil)
	if body != nil {
		if err := json.NewEncoder(reqBody).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, uri, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		log.Errorf("Arbiter request error: %s %s: %v", method, uri, err)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var wire errorJSON
		if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
			return fmt.Errorf("arbiter returned %s for %s %s", resp.Status, method, uri)
		}
		return wire.toError()
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Package runstate maintains the ordered, idempotent projection of tool
// invocation state for each run, built from a possibly reordered and
// duplicated event stream.
package runstate

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/lishushu94/ai-higress-gateway-sub004/pkg/api"
)

// Store holds per-run tool invocation state. One instance serves any number
// of runs; run state is created lazily and is safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	runs     map[string]*runToolState
	watchers map[string][]chan struct{}
}

type runToolState struct {
	lastSeq     int64
	invocations *orderedmap.OrderedMap[string, *api.ToolInvocation]
	seedFP      string
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		runs:     make(map[string]*runToolState),
		watchers: make(map[string][]chan struct{}),
	}
}

// LastSeq returns the highest event sequence applied for the run, or 0 when
// the run is unknown. Reconnects resume the stream from this watermark.
func (s *Store) LastSeq(runID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.runs[runID]; ok {
		return st.lastSeq
	}
	return 0
}

// Invocations returns the run's invocations in first-seen order. The
// returned slice holds copies and stays valid after further mutations.
func (s *Store) Invocations(runID string) []api.ToolInvocation {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.runs[runID]
	if !ok {
		return nil
	}
	out := make([]api.ToolInvocation, 0, st.invocations.Len())
	for pair := st.invocations.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, *pair.Value)
	}
	return out
}

// Apply projects one run event payload into the run's state. Events whose
// seq is at or below the run's watermark are ignored, which makes redelivery
// across reconnects idempotent. Unknown or malformed payloads mutate
// nothing, not even the watermark. It reports whether the event was
// consumed.
func (s *Store) Apply(runID string, seq int64, payload []byte) bool {
	if runID == "" {
		return false
	}

	var kind struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &kind); err != nil {
		slog.Debug("Dropping undecodable tool event payload", "run_id", runID, "seq", seq, "error", err)
		return false
	}

	switch kind.Type {
	case api.PayloadToolStatus:
		var p api.ToolStatusPayload
		if err := json.Unmarshal(payload, &p); err != nil || p.ReqID == "" {
			return false
		}
		return s.applyStatus(runID, seq, &p)
	case api.PayloadToolResult:
		var p api.ToolResultPayload
		if err := json.Unmarshal(payload, &p); err != nil || p.ReqID == "" {
			return false
		}
		return s.applyResult(runID, seq, &p)
	default:
		return false
	}
}

func (s *Store) applyStatus(runID string, seq int64, p *api.ToolStatusPayload) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.ensureLocked(runID)
	if seq <= st.lastSeq {
		return false
	}

	inv, exists := st.invocations.Get(p.ReqID)
	if !exists {
		inv = &api.ToolInvocation{ReqID: p.ReqID, State: api.ToolStateRunning}
		st.invocations.Set(p.ReqID, inv)
	}
	// A status never touches an invocation that already reached a terminal
	// outcome, no matter how late it arrives.
	if !inv.Terminal() {
		if p.AgentID != "" {
			inv.AgentID = p.AgentID
		}
		if p.ToolName != "" {
			inv.ToolName = p.ToolName
		}
		if p.ToolCallID != "" {
			inv.ToolCallID = p.ToolCallID
		}
		if p.State != "" {
			inv.State = p.State
		}
		if p.DurationMs != nil {
			inv.DurationMs = p.DurationMs
		}
	}

	st.lastSeq = seq
	s.notifyLocked(runID)
	return true
}

func (s *Store) applyResult(runID string, seq int64, p *api.ToolResultPayload) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.ensureLocked(runID)
	if seq <= st.lastSeq {
		return false
	}

	inv, exists := st.invocations.Get(p.ReqID)
	if !exists {
		inv = &api.ToolInvocation{ReqID: p.ReqID}
		st.invocations.Set(p.ReqID, inv)
	}
	inv.OK = p.OK
	inv.Canceled = p.Canceled
	inv.ExitCode = p.ExitCode
	inv.Error = p.Error
	inv.ResultPreview = p.ResultPreview
	if p.DurationMs != nil {
		inv.DurationMs = p.DurationMs
	}
	inv.State = finalState(p)

	st.lastSeq = seq
	s.notifyLocked(runID)
	return true
}

// Seed bulk-loads a historical snapshot for a run. It only fills in
// invocations the run has not seen yet: live state always wins, and the
// watermark is left alone. A snapshot is applied at most once per content
// fingerprint so repeated calls with the same data are free.
func (s *Store) Seed(runID string, invocations []api.ToolInvocation) bool {
	if runID == "" || len(invocations) == 0 {
		return false
	}
	fp := fingerprint(invocations)

	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.ensureLocked(runID)
	if st.seedFP == fp {
		return false
	}
	st.seedFP = fp

	changed := false
	for i := range invocations {
		if invocations[i].ReqID == "" {
			continue
		}
		if _, exists := st.invocations.Get(invocations[i].ReqID); exists {
			continue
		}
		inv := invocations[i]
		if inv.State == "" {
			inv.State = api.ToolStateRunning
		}
		st.invocations.Set(inv.ReqID, &inv)
		changed = true
	}
	if changed {
		s.notifyLocked(runID)
	}
	return changed
}

// Watch returns a channel that receives a (coalesced) signal whenever the
// run's state changes, plus a stop function. Stopping deregisters and
// closes the channel; calling stop more than once is safe.
func (s *Store) Watch(runID string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	s.mu.Lock()
	s.watchers[runID] = append(s.watchers[runID], ch)
	s.mu.Unlock()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()

			watchers := s.watchers[runID]
			for i, c := range watchers {
				if c == ch {
					s.watchers[runID] = append(watchers[:i], watchers[i+1:]...)
					break
				}
			}
			if len(s.watchers[runID]) == 0 {
				delete(s.watchers, runID)
			}
			// Closing under the lock: notifications send under the same
			// lock, so no send can race the close.
			close(ch)
		})
	}
	return ch, stop
}

func (s *Store) ensureLocked(runID string) *runToolState {
	st, ok := s.runs[runID]
	if !ok {
		st = &runToolState{invocations: orderedmap.New[string, *api.ToolInvocation]()}
		s.runs[runID] = st
	}
	return st
}

func (s *Store) notifyLocked(runID string) {
	for _, ch := range s.watchers[runID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func finalState(p *api.ToolResultPayload) api.ToolState {
	switch {
	case p.Canceled != nil && *p.Canceled:
		return api.ToolStateCanceled
	case p.OK != nil && *p.OK:
		return api.ToolStateDone
	case p.OK != nil:
		return api.ToolStateFailed
	case p.Error != "":
		return api.ToolStateFailed
	case p.ExitCode != nil && *p.ExitCode != 0:
		return api.ToolStateFailed
	default:
		return api.ToolStateDone
	}
}

func fingerprint(invocations []api.ToolInvocation) string {
	raw, _ := json.Marshal(invocations)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

package gatewaytest

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lishushu94/ai-higress-gateway-sub004/pkg/api"
	"github.com/lishushu94/ai-higress-gateway-sub004/pkg/concurrent"
)

// Run is one run held by the fake gateway. Emit methods append to its event
// log and fan out to every connected stream; the log is replayed to clients
// that connect, or reconnect, later.
type Run struct {
	gw *Gateway

	id      string
	agentID string
	model   string
	created time.Time

	// mu serializes emits so that seq assignment matches broadcast order.
	mu     sync.Mutex
	status string

	log     *concurrent.Slice[api.Envelope]
	subs    *concurrent.Map[int64, chan api.Envelope]
	nextSub atomic.Int64
}

func (g *Gateway) newRun(id, agentID, model string) *Run {
	return &Run{
		gw:      g,
		id:      id,
		agentID: agentID,
		model:   model,
		created: time.Now().UTC(),
		status:  "running",
		log:     concurrent.NewSlice[api.Envelope](),
		subs:    concurrent.NewMap[int64, chan api.Envelope](),
	}
}

func (r *Run) ID() string {
	return r.id
}

// SetStatus updates the lifecycle status shown in run listings.
func (r *Run) SetStatus(status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = status
}

// EmitStatus appends a tool.status event and returns its assigned seq.
func (r *Run) EmitStatus(p api.ToolStatusPayload) int64 {
	p.Type = api.PayloadToolStatus
	return r.emit(p.Type, mustMarshal(p))
}

// EmitResult appends a tool.result event and returns its assigned seq.
func (r *Run) EmitResult(p api.ToolResultPayload) int64 {
	p.Type = api.PayloadToolResult
	return r.emit(p.Type, mustMarshal(p))
}

// EmitRaw appends an arbitrary payload. Tests use it to put junk on the
// stream that clients are expected to skip over.
func (r *Run) EmitRaw(eventType string, payload []byte) int64 {
	return r.emit(eventType, payload)
}

func (r *Run) emit(eventType string, payload []byte) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	env := api.Envelope{
		Type:      api.EventKindRunEvent,
		RunID:     r.id,
		Seq:       int64(r.log.Length()) + 1,
		EventType: eventType,
		Payload:   payload,
	}
	r.log.Push(env)
	r.gw.state.Apply(r.id, env.Seq, payload)

	r.subs.Range(func(_ int64, ch chan api.Envelope) bool {
		select {
		case ch <- env:
		default:
			slog.Debug("Dropping event for slow stream consumer", "run_id", r.id, "seq", env.Seq)
		}
		return true
	})
	return env.Seq
}

// Events returns a copy of everything emitted so far.
func (r *Run) Events() []api.Envelope {
	return r.log.All()
}

// Subscribers reports how many event stream connections are attached to the
// run. Tests assert connection sharing with it.
func (r *Run) Subscribers() int {
	return r.subs.Length()
}

func (r *Run) subscribe() (<-chan api.Envelope, func()) {
	id := r.nextSub.Add(1)
	ch := make(chan api.Envelope, 64)
	r.subs.Store(id, ch)
	return ch, func() { r.subs.Delete(id) }
}

func (r *Run) summary() api.RunSummary {
	r.mu.Lock()
	status := r.status
	r.mu.Unlock()

	return api.RunSummary{
		RunID:     r.id,
		AgentID:   r.agentID,
		Model:     r.model,
		Status:    status,
		CreatedAt: r.created.Format(time.RFC3339),
		LastSeq:   int64(r.log.Length()),
	}
}

func (r *Run) detail() api.Run {
	return api.Run{
		RunSummary:  r.summary(),
		Invocations: r.gw.state.Invocations(r.id),
	}
}

func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

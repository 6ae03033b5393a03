package runstate

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lishushu94/ai-higress-gateway-sub004/pkg/api"
)

func statusPayload(reqID, tool string, state api.ToolState) []byte {
	return fmt.Appendf(nil, `{"type":"tool.status","req_id":%q,"agent_id":"agent-1","tool_name":%q,"state":%q}`, reqID, tool, state)
}

func resultPayload(reqID string, ok bool, durationMs int64) []byte {
	return fmt.Appendf(nil, `{"type":"tool.result","req_id":%q,"ok":%t,"duration_ms":%d}`, reqID, ok, durationMs)
}

func reqIDs(invocations []api.ToolInvocation) []string {
	ids := make([]string, 0, len(invocations))
	for _, inv := range invocations {
		ids = append(ids, inv.ReqID)
	}
	return ids
}

func TestStore_StatusThenResult(t *testing.T) {
	s := New()

	assert.True(t, s.Apply("r1", 1, statusPayload("a", "search", api.ToolStateRunning)))
	assert.True(t, s.Apply("r1", 2, resultPayload("a", true, 120)))

	invocations := s.Invocations("r1")
	require.Len(t, invocations, 1)
	inv := invocations[0]
	assert.Equal(t, "a", inv.ReqID)
	assert.Equal(t, api.ToolStateDone, inv.State)
	require.NotNil(t, inv.OK)
	assert.True(t, *inv.OK)
	require.NotNil(t, inv.DurationMs)
	assert.Equal(t, int64(120), *inv.DurationMs)
	assert.Equal(t, int64(2), s.LastSeq("r1"))
}

func TestStore_ReplayIsIdempotent(t *testing.T) {
	s := New()

	events := []struct {
		seq     int64
		payload []byte
	}{
		{1, statusPayload("a", "search", api.ToolStateRunning)},
		{2, statusPayload("b", "fetch", api.ToolStateRunning)},
		{3, resultPayload("a", true, 45)},
		{4, resultPayload("b", false, 80)},
	}
	for _, ev := range events {
		require.True(t, s.Apply("r1", ev.seq, ev.payload))
	}
	want := s.Invocations("r1")
	wantSeq := s.LastSeq("r1")

	// Redeliver the whole history a few times in random order, as a
	// reconnect with a stale watermark would.
	rng := rand.New(rand.NewSource(7))
	for range 5 {
		rng.Shuffle(len(events), func(i, j int) { events[i], events[j] = events[j], events[i] })
		for _, ev := range events {
			assert.False(t, s.Apply("r1", ev.seq, ev.payload))
		}
	}

	assert.Equal(t, want, s.Invocations("r1"))
	assert.Equal(t, wantSeq, s.LastSeq("r1"))
}

func TestStore_OutOfOrderPairResolvesLikeAscending(t *testing.T) {
	ascending := New()
	require.True(t, ascending.Apply("r1", 1, statusPayload("a", "search", api.ToolStateRunning)))
	require.True(t, ascending.Apply("r1", 2, resultPayload("a", true, 120)))

	reversed := New()
	require.True(t, reversed.Apply("r1", 2, resultPayload("a", true, 120)))
	require.False(t, reversed.Apply("r1", 1, statusPayload("a", "search", api.ToolStateRunning)))

	assert.Equal(t, ascending.Invocations("r1"), reversed.Invocations("r1"))
	assert.Equal(t, ascending.LastSeq("r1"), reversed.LastSeq("r1"))
}

func TestStore_InsertionOrderIsStable(t *testing.T) {
	s := New()

	s.Apply("r1", 1, statusPayload("a", "search", api.ToolStateRunning))
	s.Apply("r1", 2, statusPayload("b", "fetch", api.ToolStateRunning))
	s.Apply("r1", 3, statusPayload("c", "shell", api.ToolStateRunning))
	s.Apply("r1", 4, resultPayload("b", true, 10))

	assert.Equal(t, []string{"a", "b", "c"}, reqIDs(s.Invocations("r1")))
}

func TestStore_TerminalOutcomeSurvivesLateStatus(t *testing.T) {
	s := New()

	s.Apply("r1", 1, resultPayload("a", true, 50))
	// Higher-seq straggler status must not demote the finished invocation.
	assert.True(t, s.Apply("r1", 2, statusPayload("a", "search", api.ToolStateRunning)))

	invocations := s.Invocations("r1")
	require.Len(t, invocations, 1)
	assert.Equal(t, api.ToolStateDone, invocations[0].State)
	require.NotNil(t, invocations[0].OK)
	assert.True(t, *invocations[0].OK)
	assert.Equal(t, int64(2), s.LastSeq("r1"))
}

func TestStore_MalformedPayloadMutatesNothing(t *testing.T) {
	s := New()
	s.Apply("r1", 1, statusPayload("a", "search", api.ToolStateRunning))

	assert.False(t, s.Apply("r1", 2, []byte(`{not-json`)))

	assert.Equal(t, int64(1), s.LastSeq("r1"))
	assert.Len(t, s.Invocations("r1"), 1)
}

func TestStore_UnknownPayloadKindMutatesNothing(t *testing.T) {
	s := New()

	assert.False(t, s.Apply("r1", 1, []byte(`{"type":"tool.log","req_id":"a","line":"hi"}`)))
	assert.False(t, s.Apply("r1", 2, []byte(`{"message":"no type at all"}`)))

	assert.Equal(t, int64(0), s.LastSeq("r1"))
	assert.Empty(t, s.Invocations("r1"))
}

func TestStore_MissingReqIDIgnored(t *testing.T) {
	s := New()

	assert.False(t, s.Apply("r1", 1, []byte(`{"type":"tool.status","state":"running"}`)))
	assert.Equal(t, int64(0), s.LastSeq("r1"))
}

func TestStore_SeedFillsGapsOnly(t *testing.T) {
	s := New()
	s.Apply("r1", 1, statusPayload("a", "search", api.ToolStateRunning))
	s.Apply("r1", 2, resultPayload("a", true, 30))

	seeded := s.Seed("r1", []api.ToolInvocation{
		{ReqID: "a", ToolName: "search", State: api.ToolStateRunning},
		{ReqID: "b", ToolName: "fetch"},
	})
	assert.True(t, seeded)

	invocations := s.Invocations("r1")
	require.Equal(t, []string{"a", "b"}, reqIDs(invocations))
	// Live state for "a" is untouched by the stale snapshot.
	assert.Equal(t, api.ToolStateDone, invocations[0].State)
	// Snapshot entries without a state default to running.
	assert.Equal(t, api.ToolStateRunning, invocations[1].State)
	// Seeding never moves the watermark.
	assert.Equal(t, int64(2), s.LastSeq("r1"))
}

func TestStore_SeedThenLiveKeepsPosition(t *testing.T) {
	s := New()

	s.Seed("r1", []api.ToolInvocation{
		{ReqID: "a", ToolName: "search", State: api.ToolStateRunning},
		{ReqID: "b", ToolName: "fetch", State: api.ToolStateRunning},
	})
	s.Apply("r1", 1, resultPayload("a", true, 15))

	invocations := s.Invocations("r1")
	require.Equal(t, []string{"a", "b"}, reqIDs(invocations))
	assert.Equal(t, api.ToolStateDone, invocations[0].State)
	assert.Equal(t, api.ToolStateRunning, invocations[1].State)
}

func TestStore_SeedDedupedByFingerprint(t *testing.T) {
	s := New()
	snapshot := []api.ToolInvocation{{ReqID: "a", ToolName: "search"}}

	assert.True(t, s.Seed("r1", snapshot))
	assert.False(t, s.Seed("r1", snapshot))

	// Different content re-seeds, still filling gaps only.
	grown := append(snapshot, api.ToolInvocation{ReqID: "b", ToolName: "fetch"})
	assert.True(t, s.Seed("r1", grown))
	assert.Equal(t, []string{"a", "b"}, reqIDs(s.Invocations("r1")))
}

func TestStore_RunsAreIsolated(t *testing.T) {
	s := New()

	s.Apply("r1", 5, statusPayload("a", "search", api.ToolStateRunning))
	s.Apply("r2", 1, statusPayload("x", "shell", api.ToolStateRunning))

	assert.Equal(t, int64(5), s.LastSeq("r1"))
	assert.Equal(t, int64(1), s.LastSeq("r2"))
	assert.Equal(t, []string{"a"}, reqIDs(s.Invocations("r1")))
	assert.Equal(t, []string{"x"}, reqIDs(s.Invocations("r2")))
}

func TestStore_WatchSignalsOnChange(t *testing.T) {
	s := New()
	ch, stop := s.Watch("r1")
	defer stop()

	s.Apply("r1", 1, statusPayload("a", "search", api.ToolStateRunning))

	select {
	case <-ch:
	default:
		t.Fatal("expected a change notification")
	}

	// A gated replay is not a change and must not signal.
	s.Apply("r1", 1, statusPayload("a", "search", api.ToolStateRunning))
	select {
	case <-ch:
		t.Fatal("unexpected notification for a no-op replay")
	default:
	}
}

func TestStore_ResultStateMapping(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		want    api.ToolState
	}{
		{"ok", `{"type":"tool.result","req_id":"a","ok":true}`, api.ToolStateDone},
		{"not ok", `{"type":"tool.result","req_id":"a","ok":false}`, api.ToolStateFailed},
		{"canceled", `{"type":"tool.result","req_id":"a","canceled":true}`, api.ToolStateCanceled},
		{"error", `{"type":"tool.result","req_id":"a","error":"boom"}`, api.ToolStateFailed},
		{"exit code", `{"type":"tool.result","req_id":"a","exit_code":3}`, api.ToolStateFailed},
		{"zero exit code", `{"type":"tool.result","req_id":"a","exit_code":0}`, api.ToolStateDone},
		{"bare ack", `{"type":"tool.result","req_id":"a"}`, api.ToolStateDone},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := New()
			require.True(t, s.Apply("r1", 1, []byte(tc.payload)))

			invocations := s.Invocations("r1")
			require.Len(t, invocations, 1)
			assert.Equal(t, tc.want, invocations[0].State)
		})
	}
}

func TestStore_InvocationsAreCopies(t *testing.T) {
	s := New()
	s.Apply("r1", 1, statusPayload("a", "search", api.ToolStateRunning))

	before := s.Invocations("r1")
	s.Apply("r1", 2, resultPayload("a", true, 9))

	assert.Equal(t, api.ToolStateRunning, before[0].State)
	assert.Nil(t, before[0].OK)
}

func TestStore_EnvelopePayloadRoundTrip(t *testing.T) {
	// Payloads arrive embedded in run.event envelopes; make sure the raw
	// bytes survive the envelope decode unmodified.
	raw := []byte(`{"type":"run.event","run_id":"r1","seq":1,"event_type":"tool","payload":{"type":"tool.status","req_id":"a","tool_name":"search"}}`)
	var envelope api.Envelope
	require.NoError(t, json.Unmarshal(raw, &envelope))

	s := New()
	assert.True(t, s.Apply(envelope.RunID, envelope.Seq, envelope.Payload))
	assert.Equal(t, []string{"a"}, reqIDs(s.Invocations("r1")))
}

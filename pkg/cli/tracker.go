package cli

import (
	"reflect"

	"github.com/lishushu94/ai-higress-gateway-sub004/pkg/api"
)

// Tracker remembers the last rendered state of every invocation so a
// refresh only reprints the ones that changed.
type Tracker struct {
	seen map[string]api.ToolInvocation
}

func NewTracker() *Tracker {
	return &Tracker{seen: make(map[string]api.ToolInvocation)}
}

// Changed returns, in input order, the invocations that differ from what
// the previous call saw, and records the new states.
func (t *Tracker) Changed(invocations []api.ToolInvocation) []api.ToolInvocation {
	var changed []api.ToolInvocation
	for _, inv := range invocations {
		if prev, ok := t.seen[inv.ReqID]; ok && reflect.DeepEqual(prev, inv) {
			continue
		}
		t.seen[inv.ReqID] = inv
		changed = append(changed, inv)
	}
	return changed
}

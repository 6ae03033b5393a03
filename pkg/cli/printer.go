package cli

import (
	"cmp"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/lishushu94/ai-higress-gateway-sub004/pkg/api"
)

var (
	bold   = color.New(color.Bold).SprintfFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
)

// Printer renders run activity for the terminal.
type Printer struct {
	out io.Writer
}

func NewPrinter(out io.Writer) *Printer {
	return &Printer{out: out}
}

func (p *Printer) Println(messages ...any) {
	fmt.Fprintln(p.out, messages...)
}

func (p *Printer) Print(messages ...any) {
	fmt.Fprint(p.out, messages...)
}

func (p *Printer) Printf(format string, args ...any) {
	fmt.Fprintf(p.out, format, args...)
}

func (p *Printer) PrintWatchHeader(runID string) {
	p.Printf("\n--- Watching run %s ---\n(Ctrl+C to stop watching)\n\n", bold("%s", runID))
}

// PrintCaughtUp marks the point where replayed history ends and live
// events begin.
func (p *Printer) PrintCaughtUp() {
	p.Println(yellow("(caught up, tailing live events)"))
}

func (p *Printer) PrintStreamClosed() {
	p.Println("\n(stream closed by gateway)")
}

func (p *Printer) PrintError(err error) {
	p.Printf("❌ %s\n", err)
}

// PrintInvocation renders one tool invocation in its current state.
func (p *Printer) PrintInvocation(inv api.ToolInvocation) {
	p.Println(formatInvocation(inv))
}

func formatInvocation(inv api.ToolInvocation) string {
	var sb strings.Builder

	sb.WriteString(stateGlyph(inv.State))
	sb.WriteString(" ")
	sb.WriteString(bold("%s", cmp.Or(inv.ToolName, "unknown-tool")))
	sb.WriteString(fmt.Sprintf(" (%s)", inv.ReqID))
	if inv.AgentID != "" {
		sb.WriteString(fmt.Sprintf(" [%s]", inv.AgentID))
	}
	sb.WriteString(" ")
	sb.WriteString(stateWord(inv.State))
	if inv.DurationMs != nil {
		sb.WriteString(fmt.Sprintf(" in %s", time.Duration(*inv.DurationMs)*time.Millisecond))
	}
	if inv.ExitCode != nil && *inv.ExitCode != 0 {
		sb.WriteString(fmt.Sprintf(" (exit %d)", *inv.ExitCode))
	}
	if inv.Error != "" {
		sb.WriteString(": ")
		sb.WriteString(inv.Error)
	}
	if inv.State == api.ToolStateDone && inv.ResultPreview != "" {
		sb.WriteString(" ")
		sb.WriteString(formatResultPreview(inv.ResultPreview))
	}

	return sb.String()
}

func stateGlyph(state api.ToolState) string {
	switch state {
	case api.ToolStateDone:
		return green("✓")
	case api.ToolStateFailed, api.ToolStateTimeout:
		return red("✗")
	case api.ToolStateCanceled:
		return yellow("⊘")
	default:
		return "⚙"
	}
}

func stateWord(state api.ToolState) string {
	if state == "" {
		return "pending"
	}
	return string(state)
}

// formatResultPreview renders a result preview on one line when it is
// short, or in an indented block when it is not. JSON objects keep the
// key order the gateway sent them in.
func formatResultPreview(preview string) string {
	kv := orderedmap.New[string, any]()
	if err := json.Unmarshal([]byte(preview), &kv); err == nil {
		parts := make([]string, 0, kv.Len())
		for pair := kv.Oldest(); pair != nil; pair = pair.Next() {
			parts = append(parts, fmt.Sprintf("%s: %s", pair.Key, formatJSONValue(pair.Value)))
		}
		return wrapPreview(strings.Join(parts, ", "))
	}

	var parsed any
	if err := json.Unmarshal([]byte(preview), &parsed); err == nil {
		if formatted, err := json.MarshalIndent(parsed, "  ", "  "); err == nil {
			return wrapPreview(string(formatted))
		}
	}

	return wrapPreview(preview)
}

func wrapPreview(body string) string {
	if strings.Contains(body, "\n") {
		return fmt.Sprintf("→ (\n  %s\n)", body)
	}
	return fmt.Sprintf("→ (%s)", body)
}

func formatJSONValue(value any) string {
	switch v := value.(type) {
	case string:
		return fmt.Sprintf("%q", v)
	case []any:
		if len(v) <= 1 {
			out, err := json.Marshal(v)
			if err == nil {
				return string(out)
			}
		}
	}
	out, err := json.MarshalIndent(value, "  ", "  ")
	if err != nil {
		return fmt.Sprintf("%v", value)
	}
	return string(out)
}

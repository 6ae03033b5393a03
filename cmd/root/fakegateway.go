package root

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/lishushu94/ai-higress-gateway-sub004/pkg/api"
	"github.com/lishushu94/ai-higress-gateway-sub004/pkg/cli"
	"github.com/lishushu94/ai-higress-gateway-sub004/pkg/gatewaytest"
)

type fakeGatewayFlags struct {
	listen string
	apiKey string
	demo   bool
}

func newFakeGatewayCmd() *cobra.Command {
	var flags fakeGatewayFlags

	cmd := &cobra.Command{
		Use:     "fake-gateway",
		Short:   "Run an in-process fake gateway for demos and testing",
		GroupID: "advanced",
		Args:    cobra.NoArgs,
		RunE:    flags.runFakeGatewayCommand,
	}

	cmd.Flags().StringVar(&flags.listen, "listen", "127.0.0.1:8787", "Address to listen on")
	cmd.Flags().StringVar(&flags.apiKey, "require-api-key", "", "Reject requests that do not carry this API key")
	cmd.Flags().BoolVar(&flags.demo, "demo", true, "Emit a scripted stream of tool invocations on run-demo")

	return cmd
}

func (f *fakeGatewayFlags) runFakeGatewayCommand(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	out := cli.NewPrinter(cmd.OutOrStdout())

	opts := []gatewaytest.Option{gatewaytest.WithListenAddr(f.listen)}
	if f.apiKey != "" {
		opts = append(opts, gatewaytest.WithAPIKey(f.apiKey))
	}

	gw, err := gatewaytest.New(opts...)
	if err != nil {
		out.PrintError(err)
		return cli.RuntimeError{Err: err}
	}
	defer gw.Close()

	out.Printf("Fake gateway listening on %s\n", gw.URL())
	out.Printf("List runs with:  gwsub runs list --gateway %s\n", gw.URL())
	if f.demo {
		out.Printf("Watch the demo:  gwsub watch run-demo --gateway %s\n", gw.URL())
		go emitDemoEvents(ctx, gw)
	}

	<-ctx.Done()
	out.Println("\nShutting down")
	return nil
}

// emitDemoEvents feeds run-demo with a steady rotation of tool calls, one
// result every tick, so watchers always have something moving.
func emitDemoEvents(ctx context.Context, gw *gatewaytest.Gateway) {
	run := gw.Run("run-demo")
	run.SetStatus("running")

	tools := []string{"search", "fetch", "shell"}
	previews := []string{`{"hits":3}`, `{"status":200}`, `{"stdout":"ok"}`}

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for i := 0; ; i++ {
		reqID := fmt.Sprintf("req-%d", i+1)
		run.EmitStatus(api.ToolStatusPayload{
			ReqID:    reqID,
			AgentID:  "demo",
			ToolName: tools[i%len(tools)],
			State:    api.ToolStateRunning,
		})

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		duration := int64(1200 + 150*(i%5))
		if i%4 == 3 {
			ok := false
			exit := 1
			run.EmitResult(api.ToolResultPayload{
				ReqID:      reqID,
				OK:         &ok,
				ExitCode:   &exit,
				Error:      "exit status 1",
				DurationMs: &duration,
			})
		} else {
			ok := true
			run.EmitResult(api.ToolResultPayload{
				ReqID:         reqID,
				OK:            &ok,
				ResultPreview: previews[i%len(previews)],
				DurationMs:    &duration,
			})
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

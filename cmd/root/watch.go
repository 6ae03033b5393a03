package root

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/lishushu94/ai-higress-gateway-sub004/pkg/api"
	"github.com/lishushu94/ai-higress-gateway-sub004/pkg/cli"
	"github.com/lishushu94/ai-higress-gateway-sub004/pkg/gateway"
	"github.com/lishushu94/ai-higress-gateway-sub004/pkg/runlog"
	"github.com/lishushu94/ai-higress-gateway-sub004/pkg/stream"
	"github.com/lishushu94/ai-higress-gateway-sub004/pkg/userconfig"
)

type watchFlags struct {
	gatewayFlags
	outputJSON   bool
	hidePreviews bool
	resumeLocal  bool
	save         bool
}

func newWatchCmd() *cobra.Command {
	var flags watchFlags

	cmd := &cobra.Command{
		Use:     "watch <run-id>",
		Short:   "Follow the tool invocations of a run, live",
		GroupID: "core",
		Args:    cobra.ExactArgs(1),
		RunE:    flags.runWatchCommand,
	}

	addGatewayFlags(cmd, &flags.gatewayFlags)
	cmd.Flags().BoolVar(&flags.outputJSON, "json", false, "Print invocation changes as JSON lines")
	cmd.Flags().BoolVar(&flags.hidePreviews, "hide-previews", false, "Do not print result previews")
	cmd.Flags().BoolVar(&flags.resumeLocal, "resume-local", false, "Seed the view from the local run log instead of the gateway snapshot")
	cmd.Flags().BoolVar(&flags.save, "save", false, "Save the final snapshot to the local run log when the watch ends")

	return cmd
}

func (f *watchFlags) runWatchCommand(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	runID := args[0]
	out := cli.NewPrinter(cmd.OutOrStdout())

	cfg := loadUserConfig()

	// Pick up credential rotation while the stream is live.
	watcher := userconfig.NewWatcher(func() {
		if fresh, err := userconfig.Load(); err == nil {
			cfg.SetAPIKey(fresh.GetAPIKey())
		}
	})
	if err := watcher.Watch(userconfig.Path()); err != nil {
		slog.Debug("Config watcher unavailable", "error", err)
	}
	defer watcher.Stop()

	gatewayURL := resolveGateway(cfg, f.gatewayURL)
	client, err := newGatewayClient(ctx, cfg, gatewayURL, f.apiKey)
	if err != nil {
		out.PrintError(err)
		return cli.RuntimeError{Err: err}
	}

	seed, err := f.loadSeed(ctx, client, runID)
	if err != nil {
		out.PrintError(err)
		return cli.RuntimeError{Err: err}
	}

	coordinator := newStreamCoordinator(client)
	defer coordinator.Close()

	watchCfg := cli.Config{OutputJSON: f.outputJSON, HidePreviews: f.hidePreviews}
	if err := cli.Watch(ctx, out, watchCfg, coordinator, runID, seed); err != nil {
		out.PrintError(err)
		return cli.RuntimeError{Err: err}
	}

	if f.save {
		// The watch usually ends with Ctrl+C; the snapshot still has to
		// be written after that.
		if err := saveSnapshot(context.WithoutCancel(ctx), client, coordinator, runID, gatewayURL); err != nil {
			out.PrintError(err)
			return cli.RuntimeError{Err: err}
		}
		out.Printf("Saved run %s to %s\n", runID, runlog.DefaultPath())
	}

	return nil
}

// loadSeed warms the view before the stream connects. The gateway snapshot
// is best-effort since the replay carries the full history anyway; a local
// log seed is explicit user intent, so its failure is fatal.
func (f *watchFlags) loadSeed(ctx context.Context, client *gateway.Client, runID string) ([]api.ToolInvocation, error) {
	if f.resumeLocal {
		log, err := runlog.New(runlog.DefaultPath())
		if err != nil {
			return nil, err
		}
		defer log.Close()

		entry, err := log.Get(ctx, runID)
		if err != nil {
			return nil, err
		}
		return entry.Run.Invocations, nil
	}

	run, err := client.GetRun(ctx, runID)
	if err != nil {
		slog.Warn("Could not fetch run snapshot, starting from the stream alone", "run_id", runID, "error", err)
		return nil, nil
	}
	return run.Invocations, nil
}

// saveSnapshot persists what the watch saw. The gateway's own summary is
// preferred when it is still reachable; otherwise the local projection is
// saved as is.
func saveSnapshot(ctx context.Context, client *gateway.Client, coordinator *stream.Coordinator, runID, gatewayURL string) error {
	store := coordinator.Store()

	run := api.Run{
		RunSummary:  api.RunSummary{RunID: runID, LastSeq: store.LastSeq(runID)},
		Invocations: store.Invocations(runID),
	}
	if fetched, err := client.GetRun(ctx, runID); err == nil {
		lastSeq := max(run.LastSeq, fetched.LastSeq)
		run.RunSummary = fetched.RunSummary
		run.LastSeq = lastSeq
	}

	log, err := runlog.New(runlog.DefaultPath())
	if err != nil {
		return err
	}
	defer log.Close()

	return log.Save(ctx, runlog.Entry{Run: run, Gateway: gatewayURL})
}

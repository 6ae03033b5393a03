package root

import (
	"cmp"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lishushu94/ai-higress-gateway-sub004/pkg/api"
	"github.com/lishushu94/ai-higress-gateway-sub004/pkg/cli"
	"github.com/lishushu94/ai-higress-gateway-sub004/pkg/runlog"
)

type runsFlags struct {
	gatewayFlags
	local   bool
	details bool
	agentID string
	model   string
	input   string
}

func newRunsCmd() *cobra.Command {
	var flags runsFlags

	cmd := &cobra.Command{
		Use:     "runs",
		Short:   "List and inspect gateway runs",
		GroupID: "core",
	}
	addGatewayFlags(cmd, &flags.gatewayFlags)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List runs known to the gateway",
		Args:  cobra.NoArgs,
		RunE:  flags.runListCommand,
	}
	listCmd.Flags().BoolVar(&flags.local, "local", false, "List runs saved in the local run log instead")
	listCmd.Flags().BoolVar(&flags.details, "details", false, "Fetch every run to include its invocation count")
	cmd.AddCommand(listCmd)

	showCmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run with its invocation snapshot",
		Args:  cobra.ExactArgs(1),
		RunE:  flags.runShowCommand,
	}
	showCmd.Flags().BoolVar(&flags.local, "local", false, "Read the run from the local run log instead of the gateway")
	cmd.AddCommand(showCmd)

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Start a new run on the gateway",
		Args:  cobra.NoArgs,
		RunE:  flags.runCreateCommand,
	}
	createCmd.Flags().StringVar(&flags.agentID, "agent", "", "Agent to route the run to")
	createCmd.Flags().StringVar(&flags.model, "model", "", "Model to route the run to")
	createCmd.Flags().StringVar(&flags.input, "input", "", "Input to start the run with")
	cmd.AddCommand(createCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "forget <run-id>",
		Short: "Remove a run from the local run log",
		Args:  cobra.ExactArgs(1),
		RunE:  flags.runForgetCommand,
	})

	return cmd
}

func (f *runsFlags) runListCommand(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	out := cli.NewPrinter(cmd.OutOrStdout())

	if f.local {
		log, err := runlog.New(runlog.DefaultPath())
		if err != nil {
			out.PrintError(err)
			return cli.RuntimeError{Err: err}
		}
		defer log.Close()

		entries, err := log.List(ctx)
		if err != nil {
			out.PrintError(err)
			return cli.RuntimeError{Err: err}
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		defer w.Flush()
		fmt.Fprintln(w, "RUN ID\tAGENT\tSTATUS\tLAST SEQ\tGATEWAY\tSAVED")
		for _, entry := range entries {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
				entry.Run.RunID,
				cmp.Or(entry.Run.AgentID, "-"),
				cmp.Or(entry.Run.Status, "-"),
				entry.Run.LastSeq,
				cmp.Or(entry.Gateway, "-"),
				entry.SavedAt.Format(time.RFC3339),
			)
		}
		return nil
	}

	cfg := loadUserConfig()
	client, err := newGatewayClient(ctx, cfg, resolveGateway(cfg, f.gatewayURL), f.apiKey)
	if err != nil {
		out.PrintError(err)
		return cli.RuntimeError{Err: err}
	}

	summaries, err := client.ListRuns(ctx)
	if err != nil {
		out.PrintError(err)
		return cli.RuntimeError{Err: err}
	}

	counts := make([]int, len(summaries))
	if f.details {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(4)
		for i, summary := range summaries {
			g.Go(func() error {
				run, err := client.GetRun(gctx, summary.RunID)
				if err != nil {
					return fmt.Errorf("fetching run %s: %w", summary.RunID, err)
				}
				counts[i] = len(run.Invocations)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			out.PrintError(err)
			return cli.RuntimeError{Err: err}
		}
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	defer w.Flush()
	if f.details {
		fmt.Fprintln(w, "RUN ID\tAGENT\tMODEL\tSTATUS\tLAST SEQ\tTOOLS\tCREATED")
	} else {
		fmt.Fprintln(w, "RUN ID\tAGENT\tMODEL\tSTATUS\tLAST SEQ\tCREATED")
	}
	for i, summary := range summaries {
		if f.details {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
				summary.RunID,
				cmp.Or(summary.AgentID, "-"),
				cmp.Or(summary.Model, "-"),
				cmp.Or(summary.Status, "-"),
				summary.LastSeq,
				counts[i],
				cmp.Or(summary.CreatedAt, "-"),
			)
		} else {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
				summary.RunID,
				cmp.Or(summary.AgentID, "-"),
				cmp.Or(summary.Model, "-"),
				cmp.Or(summary.Status, "-"),
				summary.LastSeq,
				cmp.Or(summary.CreatedAt, "-"),
			)
		}
	}

	return nil
}

func (f *runsFlags) runShowCommand(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cli.NewPrinter(cmd.OutOrStdout())
	runID := args[0]

	var run *api.Run
	if f.local {
		log, err := runlog.New(runlog.DefaultPath())
		if err != nil {
			out.PrintError(err)
			return cli.RuntimeError{Err: err}
		}
		defer log.Close()

		entry, err := log.Get(ctx, runID)
		if err != nil {
			out.PrintError(err)
			return cli.RuntimeError{Err: err}
		}
		run = &entry.Run
		out.Printf("Gateway:  %s\n", cmp.Or(entry.Gateway, "-"))
		out.Printf("Saved:    %s\n", entry.SavedAt.Format(time.RFC3339))
	} else {
		cfg := loadUserConfig()
		client, err := newGatewayClient(ctx, cfg, resolveGateway(cfg, f.gatewayURL), f.apiKey)
		if err != nil {
			out.PrintError(err)
			return cli.RuntimeError{Err: err}
		}
		run, err = client.GetRun(ctx, runID)
		if err != nil {
			out.PrintError(err)
			return cli.RuntimeError{Err: err}
		}
	}

	out.Printf("Run:      %s\n", run.RunID)
	out.Printf("Agent:    %s\n", cmp.Or(run.AgentID, "-"))
	out.Printf("Model:    %s\n", cmp.Or(run.Model, "-"))
	out.Printf("Status:   %s\n", cmp.Or(run.Status, "-"))
	out.Printf("Last seq: %d\n", run.LastSeq)
	if run.CreatedAt != "" {
		out.Printf("Created:  %s\n", run.CreatedAt)
	}

	if len(run.Invocations) > 0 {
		out.Println()
		for _, inv := range run.Invocations {
			out.PrintInvocation(inv)
		}
	}

	return nil
}

func (f *runsFlags) runCreateCommand(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	out := cli.NewPrinter(cmd.OutOrStdout())

	cfg := loadUserConfig()
	client, err := newGatewayClient(ctx, cfg, resolveGateway(cfg, f.gatewayURL), f.apiKey)
	if err != nil {
		out.PrintError(err)
		return cli.RuntimeError{Err: err}
	}

	run, err := client.CreateRun(ctx, api.CreateRunRequest{
		AgentID: f.agentID,
		Model:   f.model,
		Input:   f.input,
	})
	if err != nil {
		out.PrintError(err)
		return cli.RuntimeError{Err: err}
	}

	out.Printf("Created run %s\n", run.RunID)
	out.Printf("Follow it with: gwsub watch %s\n", run.RunID)
	return nil
}

func (f *runsFlags) runForgetCommand(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cli.NewPrinter(cmd.OutOrStdout())

	log, err := runlog.New(runlog.DefaultPath())
	if err != nil {
		out.PrintError(err)
		return cli.RuntimeError{Err: err}
	}
	defer log.Close()

	if err := log.Delete(ctx, args[0]); err != nil {
		out.PrintError(err)
		return cli.RuntimeError{Err: err}
	}

	out.Printf("Forgot run %s\n", args[0])
	return nil
}

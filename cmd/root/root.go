package root

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lishushu94/ai-higress-gateway-sub004/pkg/cli"
	"github.com/lishushu94/ai-higress-gateway-sub004/pkg/logging"
	"github.com/lishushu94/ai-higress-gateway-sub004/pkg/paths"
)

type rootFlags struct {
	enableOtel   bool
	debugMode    bool
	logFilePath  string
	logFile      io.Closer
	otelShutdown func(context.Context) error
}

func NewRootCmd() *cobra.Command {
	var flags rootFlags

	cmd := &cobra.Command{
		Use:   "gwsub",
		Short: "gwsub - live tool activity for gateway runs",
		Long:  "gwsub follows the tool invocations of runs routed through an AI gateway, live from the gateway's event stream.",
		Example: `  gwsub watch run-42
  gwsub runs list
  gwsub login`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Initialize logging before anything else so debug output has
			// somewhere to go.
			logFile, err := logging.Setup(flags.debugMode, flags.logFilePath)
			if err != nil {
				// If the log file cannot be opened, fall back to stderr so
				// we still get logs.
				slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
					Level: slog.LevelDebug,
				})))
				slog.Warn("Failed to open debug log file, logging to stderr", "error", err)
			}
			flags.logFile = logFile

			if flags.enableOtel {
				shutdown, err := initOTelSDK(cmd.Context())
				if err != nil {
					slog.Warn("Failed to initialize OpenTelemetry SDK", "error", err)
				} else {
					flags.otelShutdown = shutdown
					slog.Debug("OpenTelemetry SDK initialized successfully")
				}
			}

			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if flags.otelShutdown != nil {
				// Flush buffered spans even when the command ended with Ctrl+C.
				ctx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), 2*time.Second)
				defer cancel()
				if err := flags.otelShutdown(ctx); err != nil {
					slog.Warn("Failed to shut down OpenTelemetry SDK", "error", err)
				}
			}
			if flags.logFile != nil {
				if err := flags.logFile.Close(); err != nil {
					slog.Error("Failed to close log file", "error", err)
				}
			}
			return nil
		},
		// If no subcommand is specified, show help
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	cmd.PersistentFlags().BoolVarP(&flags.debugMode, "debug", "d", false, "Enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flags.enableOtel, "otel", "o", false, "Enable OpenTelemetry tracing")
	cmd.PersistentFlags().StringVar(&flags.logFilePath, "log-file", "", "Path to debug log file (default: ~/.gwsub/gwsub.debug.log; only used with --debug)")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newWatchCmd())
	cmd.AddCommand(newRunsCmd())
	cmd.AddCommand(newLoginCmd())
	cmd.AddCommand(newLogoutCmd())
	cmd.AddCommand(newFakeGatewayCmd())

	cmd.AddGroup(&cobra.Group{ID: "core", Title: "Core Commands:"})
	cmd.AddGroup(&cobra.Group{ID: "advanced", Title: "Advanced Commands:"})

	return cmd
}

func Execute(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args ...string) error {
	// Point newcomers at login before their first 401.
	if isFirstRun() && os.Getenv("GWSUB_HIDE_WELCOME") != "1" {
		fmt.Fprint(stderr, `
Welcome to gwsub!

If your gateway requires credentials, store an API key with: gwsub login
`)
		fmt.Fprintln(stderr)
	}

	rootCmd := NewRootCmd()
	rootCmd.SetIn(stdin)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)
	setContextRecursive(ctx, rootCmd)

	// When the first argument is a bare run id, default to "watch".
	rootCmd.SetArgs(defaultToWatch(rootCmd, args))

	if err := rootCmd.Execute(); err != nil {
		return processErr(ctx, err, stderr, rootCmd)
	}
	return nil
}

func setContextRecursive(ctx context.Context, cmd *cobra.Command) {
	cmd.SetContext(ctx)
	for _, child := range cmd.Commands() {
		setContextRecursive(ctx, child)
	}
}

// defaultToWatch prepends "watch" when the first non-flag argument is not a
// registered subcommand, so that "gwsub run-42" follows the run directly.
// Bare invocations and help flags are left alone.
func defaultToWatch(rootCmd *cobra.Command, args []string) []string {
	for _, arg := range args {
		switch {
		case arg == "--":
			return args
		case arg == "--help" || arg == "-h":
			return args
		case strings.HasPrefix(arg, "-"):
			continue
		case isSubcommand(rootCmd, arg):
			return args
		default:
			return append([]string{"watch"}, args...)
		}
	}

	return args
}

// isSubcommand reports whether name matches a registered subcommand or alias.
func isSubcommand(cmd *cobra.Command, name string) bool {
	switch name {
	case "help", "completion", "__complete", "__completeNoDesc":
		return true
	}
	for _, sub := range cmd.Commands() {
		if sub.Name() == name || sub.HasAlias(name) {
			return true
		}
	}
	return false
}

func processErr(ctx context.Context, err error, stderr io.Writer, rootCmd *cobra.Command) error {
	if ctx.Err() != nil {
		return ctx.Err()
	} else if _, ok := errors.AsType[cli.RuntimeError](err); ok {
		// Runtime errors have already been printed by the command itself.
		// Don't print them again or show usage.
	} else {
		// Command line usage errors - show the error and usage
		fmt.Fprintln(stderr, err)
		fmt.Fprintln(stderr)
		if strings.HasPrefix(err.Error(), "unknown command ") || strings.HasPrefix(err.Error(), "accepts ") {
			_ = rootCmd.Usage()
		}
	}

	return err
}

// isFirstRun checks if this is the first time gwsub is being run. It
// atomically creates a marker file in the user's config directory using
// os.O_EXCL to avoid a race condition when multiple processes start
// concurrently.
func isFirstRun() bool {
	configDir := paths.GetConfigDir()
	markerFile := filepath.Join(configDir, ".gwsub_first_run")

	if err := os.MkdirAll(configDir, 0o755); err != nil {
		slog.Warn("Failed to create config directory for first run marker", "error", err)
		return false
	}

	f, err := os.OpenFile(markerFile, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return false // File already exists or other error, not first run
	}
	if err := f.Close(); err != nil {
		slog.Warn("Failed to close first run marker file", "error", err)
	}

	return true
}

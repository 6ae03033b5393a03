package root

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/lishushu94/ai-higress-gateway-sub004/pkg/cli"
	"github.com/lishushu94/ai-higress-gateway-sub004/pkg/input"
	"github.com/lishushu94/ai-higress-gateway-sub004/pkg/userconfig"
)

type loginFlags struct {
	gatewayURL string
	apiKey     string
}

func newLoginCmd() *cobra.Command {
	var flags loginFlags

	cmd := &cobra.Command{
		Use:     "login",
		Short:   "Store gateway credentials",
		GroupID: "core",
		Args:    cobra.NoArgs,
		RunE:    flags.runLoginCommand,
	}

	cmd.Flags().StringVar(&flags.gatewayURL, "gateway", "", "Also persist this gateway base URL as the default")
	cmd.Flags().StringVar(&flags.apiKey, "api-key", "", "API key to store (prompted for when omitted)")

	return cmd
}

func (f *loginFlags) runLoginCommand(cmd *cobra.Command, _ []string) error {
	out := cli.NewPrinter(cmd.OutOrStdout())

	key := strings.TrimSpace(f.apiKey)
	if key == "" {
		read, err := readAPIKey(cmd.Context(), cmd)
		if err != nil {
			out.PrintError(err)
			return cli.RuntimeError{Err: err}
		}
		key = read
	}
	if key == "" {
		return errors.New("no API key given")
	}

	cfg := loadUserConfig()
	cfg.SetAPIKey(key)
	if gw := strings.TrimSpace(f.gatewayURL); gw != "" {
		if err := cfg.SetGateway(gw); err != nil {
			out.PrintError(err)
			return cli.RuntimeError{Err: err}
		}
	}
	if err := cfg.Save(); err != nil {
		out.PrintError(err)
		return cli.RuntimeError{Err: err}
	}

	out.Printf("Stored API key in %s\n", userconfig.Path())
	return nil
}

// readAPIKey prompts without echo on a terminal and falls back to reading
// one line when stdin is piped.
func readAPIKey(ctx context.Context, cmd *cobra.Command) (string, error) {
	fmt.Fprint(cmd.OutOrStdout(), "API key: ")

	if stdin, ok := cmd.InOrStdin().(*os.File); ok && isatty.IsTerminal(stdin.Fd()) {
		defer fmt.Fprintln(cmd.OutOrStdout())
		key, err := term.ReadPassword(int(stdin.Fd()))
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(key)), nil
	}

	line, err := input.ReadLine(ctx, cmd.InOrStdin())
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "logout",
		Short:   "Remove the stored API key",
		GroupID: "core",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cli.NewPrinter(cmd.OutOrStdout())

			cfg := loadUserConfig()
			cfg.SetAPIKey("")
			if err := cfg.Save(); err != nil {
				out.PrintError(err)
				return cli.RuntimeError{Err: err}
			}

			out.Println("Removed stored API key")
			return nil
		},
	}
}

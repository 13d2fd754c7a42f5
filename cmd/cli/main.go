package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"strava-wakatime-backend/internal/app"
	"strava-wakatime-backend/internal/config"
	"strava-wakatime-backend/internal/database"
	"strava-wakatime-backend/internal/logging"
	"strava-wakatime-backend/internal/refresh"
	"strava-wakatime-backend/internal/tokens"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var verbose bool

	root := &cobra.Command{
		Use:           "cli",
		Short:         "Operator commands for strava-wakatime-backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := "error"
			if verbose {
				level = "debug"
			}
			logging.Init(logging.Config{Level: level, Format: "console"})
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log at debug level")

	root.AddCommand(
		refreshCmd(),
		statusCmd(),
		authorizeURLCmd(),
		reencryptCmd(),
		keygenCmd(),
	)
	root.CompletionOptions.HiddenDefaultCmd = true
	return root
}

// withApp loads configuration and builds the components for one command.
func withApp(fn func(a *app.App) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	a, err := app.New(cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func integrationArg(cmd *cobra.Command, args []string) error {
	if err := cobra.ExactArgs(1)(cmd, args); err != nil {
		return err
	}
	switch args[0] {
	case config.IntegrationStrava, config.IntegrationWakaTime:
		return nil
	default:
		return fmt.Errorf("unknown integration %q (want %s or %s)", args[0], config.IntegrationStrava, config.IntegrationWakaTime)
	}
}

func refreshCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "refresh <strava|wakatime>",
		Short: "Run one refresh pass and write the results to the cache",
		Args:  integrationArg,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				o, err := a.Orchestrator(args[0])
				if err != nil {
					return err
				}

				ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
				defer cancel()

				fmt.Fprintf(cmd.ErrOrStderr(), "Refreshing %s...\n", args[0])
				res, err := o.Run(ctx, refresh.TriggerCLI)
				if err != nil {
					return fmt.Errorf("refresh %s: %w", args[0], err)
				}
				printRun(cmd.OutOrStdout(), res)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "Abort the run after this long")
	return cmd
}

func printRun(w io.Writer, res refresh.RunResult) {
	fmt.Fprintln(w, "✓ Refresh complete")
	fmt.Fprintf(w, "  Integration: %s\n", res.Integration)
	fmt.Fprintf(w, "  Kinds: %s\n", strings.Join(res.Kinds, ", "))
	fmt.Fprintf(w, "  Duration: %s\n", res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond))
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show stored credentials, cache freshness and the last refresh runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				return printStatus(cmd.Context(), cmd.OutOrStdout(), a, time.Now())
			})
		},
	}
}

func printStatus(ctx context.Context, out io.Writer, a *app.App, now time.Time) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)

	fmt.Fprintln(w, "INTEGRATION\tENABLED\tCONNECTED\tSUBJECT\tTOKEN")
	for _, name := range []string{config.IntegrationStrava, config.IntegrationWakaTime} {
		_, enabled := a.Orchestrators[name]
		cred, err := a.Credentials.Get(ctx, nil, name)
		if err != nil {
			return err
		}
		if cred == nil {
			fmt.Fprintf(w, "%s\t%t\tno\t-\t-\n", name, enabled)
			continue
		}
		fmt.Fprintf(w, "%s\t%t\tyes\t%s\t%s\n", name, enabled, cred.SubjectID, tokenState(cred, now))
	}
	fmt.Fprintln(w)

	stats, err := a.DB.ListCachedStats(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, "CACHE\tKIND\tAGE")
	for _, s := range stats {
		fmt.Fprintf(w, "%s\t%s\t%s\n", s.Integration, s.Kind, now.Sub(s.FetchedAt).Round(time.Second))
	}
	fmt.Fprintln(w)

	runs, err := a.DB.LatestRefreshRuns(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, "LAST RUN\tTRIGGER\tSTATE\tFINISHED\tERROR")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			r.Integration, r.Trigger, r.State, r.FinishedAt.Format(time.RFC3339), r.Error)
	}
	return w.Flush()
}

func tokenState(c *database.Credential, now time.Time) string {
	expires := time.Unix(c.ExpiresAt, 0).UTC()
	switch {
	case tokens.IsExpired(c.ExpiresAt, now):
		return "expired " + expires.Format(time.RFC3339)
	case tokens.NeedsRefresh(c.ExpiresAt, tokens.DefaultBuffer, now):
		return "expiring " + expires.Format(time.RFC3339)
	default:
		return "valid until " + expires.Format(time.RFC3339)
	}
}

func authorizeURLCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "authorize-url <strava|wakatime>",
		Short: "Print a signed authorization URL for connecting an account",
		Args:  integrationArg,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				u, err := a.OAuth.AuthURL(args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), u)
				return nil
			})
		},
	}
}

// reencryptCmd rewrites stored credentials so tokens saved before encryption
// was enabled end up encrypted.
func reencryptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reencrypt",
		Short: "Re-encrypt stored tokens with the current ENCRYPTION_KEY",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				ctx := cmd.Context()
				for _, name := range []string{config.IntegrationStrava, config.IntegrationWakaTime} {
					cred, err := a.Credentials.Get(ctx, nil, name)
					if err != nil {
						return err
					}
					if cred == nil {
						continue
					}
					if err := a.Credentials.Upsert(ctx, nil, cred); err != nil {
						return fmt.Errorf("rewrite %s credential: %w", name, err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "✓ %s tokens re-encrypted\n", name)
				}
				return nil
			})
		},
	}
}

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Print a random secret suitable for ENCRYPTION_KEY, STATE_SECRET or API_KEY",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := newSecret()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	}
}

func newSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

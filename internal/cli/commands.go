// Package cli implements arenactl, the admin command line for the arena.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/camuig/arena-trader/internal/app"
	"github.com/camuig/arena-trader/internal/broker"
	"github.com/camuig/arena-trader/internal/config"
	"github.com/camuig/arena-trader/internal/logger"
	"github.com/camuig/arena-trader/internal/scheduler"
	"github.com/camuig/arena-trader/internal/storage"
)

type options struct {
	configPath string
	dbPath     string
	logLevel   string
}

// NewRootCmd builds the arenactl command tree.
func NewRootCmd() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:           "arenactl",
		Short:         "Administer the trading arena",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "config.yaml", "path to config file")
	rootCmd.PersistentFlags().StringVar(&opts.dbPath, "db", "", "path to SQLite database (overrides database.path)")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (overrides logging.level)")

	rootCmd.AddCommand(newSeedCmd(opts))
	rootCmd.AddCommand(newResetCmd(opts))
	rootCmd.AddCommand(newCycleCmd(opts))
	rootCmd.AddCommand(newSyncCmd(opts))
	rootCmd.AddCommand(newCloseAllCmd(opts))
	rootCmd.AddCommand(newFundSandboxCmd(opts))

	return rootCmd
}

func (o *options) load() (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	if o.dbPath != "" {
		cfg.Database.Path = o.dbPath
	}
	level := cfg.Logging.Level
	if o.logLevel != "" {
		level = o.logLevel
	}
	return cfg, logger.NewWithWriter(level, os.Stderr), nil
}

// withApp builds the application for one command and releases it afterwards.
func (o *options) withApp(fn func(ctx context.Context, a *app.App) error) error {
	cfg, log, err := o.load()
	if err != nil {
		return err
	}
	a, err := app.New(cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(context.Background(), a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newSeedCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Create agents from the config that are not in the database yet",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(func(ctx context.Context, a *app.App) error {
				created, err := a.SeedAgents(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d agent(s) created, %d configured\n", created, len(a.Config.Agents))
				return nil
			})
		},
	}
}

func newResetCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "reset AGENT_ID",
		Short: "Wipe an agent's history and restore its starting cash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(func(ctx context.Context, a *app.App) error {
				var agent *storage.Agent
				err := a.Locks.Exclusive(args[0], func() error {
					var err error
					agent, err = a.Repo.ResetAgent(ctx, args[0])
					return err
				})
				if err != nil {
					return fmt.Errorf("reset %s: %w", args[0], err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s reset to $%.2f\n", agent.ID, agent.CashBalance)
				return nil
			})
		},
	}
}

func newCycleCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "cycle",
		Short: "Run one trading cycle now and print its report",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(func(ctx context.Context, a *app.App) error {
				report, err := a.Orchestrator.RunTradingCycle(ctx)
				if report != nil {
					if perr := printJSON(cmd.OutOrStdout(), report); perr != nil {
						return perr
					}
				}
				if err != nil {
					return err
				}
				if report.Status == scheduler.StatusFailed {
					return fmt.Errorf("cycle %s failed", report.ID)
				}
				return nil
			})
		},
	}
}

func newSyncCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "sync [AGENT_ID]",
		Short: "Reconcile live agents with their brokerage",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(func(ctx context.Context, a *app.App) error {
				if len(args) == 1 {
					res, err := a.Reconciler.SyncAgent(ctx, args[0])
					if err != nil {
						return fmt.Errorf("sync %s: %w", args[0], err)
					}
					return printJSON(cmd.OutOrStdout(), res)
				}
				return printJSON(cmd.OutOrStdout(), a.Reconciler.SyncAllLiveAgents(ctx))
			})
		},
	}
}

func newCloseAllCmd(opts *options) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "closeall AGENT_ID",
		Short: "Cancel open orders and close every position of an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(func(ctx context.Context, a *app.App) error {
				out := cmd.OutOrStdout()
				positions, err := a.Repo.GetPositions(ctx, args[0])
				if err != nil {
					return err
				}
				if len(positions) == 0 {
					fmt.Fprintln(out, "No open positions.")
					return nil
				}

				fmt.Fprintf(out, "Found %d position(s):\n\n", len(positions))
				for _, p := range positions {
					fmt.Fprintf(out, "  %s %s: %g, entry %.2f, current %.2f, P&L %.2f\n",
						p.Side, p.Symbol, p.Quantity, p.EntryPrice, p.CurrentPrice, p.UnrealizedPnL())
				}
				fmt.Fprintln(out)

				if dryRun {
					fmt.Fprintln(out, "Dry run, no orders placed.")
					return nil
				}

				reports, err := a.CloseAll(ctx, args[0])
				if err != nil {
					return err
				}
				var closed, failed int
				for _, r := range reports {
					switch {
					case r.Trade != nil:
						closed++
						fmt.Fprintf(out, "  [OK] %s %s %g @ %.2f\n", r.Trade.Action, r.Trade.Symbol, r.Trade.Quantity, r.Trade.Price)
					case r.Error != "":
						failed++
						fmt.Fprintf(out, "  [FAIL] %s: %s\n", r.Symbol, r.Error)
					default:
						failed++
						fmt.Fprintf(out, "  [SKIP] %s: %s %s\n", r.Symbol, r.FillStatus, r.RejectReason)
					}
				}
				fmt.Fprintf(out, "\nDone: %d closed, %d not closed.\n", closed, failed)
				if failed > 0 {
					return fmt.Errorf("%d position(s) not closed", failed)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show positions without closing")
	return cmd
}

func newFundSandboxCmd(opts *options) *cobra.Command {
	var amount int64
	cmd := &cobra.Command{
		Use:   "fund-sandbox AGENT_ID",
		Short: "Top up a Tinkoff sandbox account with roubles",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			if !cfg.Tinkoff.Sandbox {
				return fmt.Errorf("tinkoff.sandbox is not enabled")
			}
			accountID, ok := cfg.Tinkoff.Accounts[args[0]]
			if !ok {
				return fmt.Errorf("no tinkoff account for agent %s", args[0])
			}
			for _, ac := range cfg.Agents {
				if ac.ID == args[0] && amount == 0 {
					amount = int64(ac.StartingCash)
				}
			}

			conn, err := broker.NewTinkoffClient(context.Background(), cfg.Tinkoff, log)
			if err != nil {
				return err
			}
			defer conn.Stop()

			if err := conn.FundSandbox(accountID, amount); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s funded with %d RUB\n", args[0], amount)
			return nil
		},
	}
	cmd.Flags().Int64Var(&amount, "amount", 0, "amount in RUB (defaults to the agent's starting cash)")
	return cmd
}

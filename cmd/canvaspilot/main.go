package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"CanvasPilot/internal/app"
	"CanvasPilot/internal/config"
	"CanvasPilot/internal/domain"
	"CanvasPilot/internal/infrastructure/storage"
	"CanvasPilot/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "canvaspilot",
	Short: "Drafts and submits Canvas assignments on a schedule",
	Long: `CanvasPilot reads incomplete assignments from Canvas, drafts answers with a
text-generation backend and either saves them as drafts or submits them.
Every step of a completion run is written to the audit log.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	// a missing .env is fine; real deployments set the environment directly
	_ = godotenv.Load()
	viper.SetEnvPrefix("CANVASPILOT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "path to YAML config (default $"+config.ConfigPathEnv+")")
	rootCmd.PersistentFlags().String("log-level", "", "debug, info, warn or error (overrides config)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(logsCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(migrateCmd())
}

func loadConfig() config.Config {
	cfg := config.Load(viper.GetString("config"))
	if lvl := viper.GetString("log-level"); lvl != "" {
		cfg.Logging.Level = lvl
	}
	return cfg
}

func withApp(ctx context.Context, fn func(ctx context.Context, a *app.Application) error) error {
	cfg := loadConfig()
	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer application.Close()
	return fn(ctx, application)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and the daily scheduled run",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withApp(ctx, func(ctx context.Context, a *app.Application) error {
				return a.Serve(ctx)
			})
		},
	}
}

func runCmd() *cobra.Command {
	var submit bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one completion pass with the service Canvas key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Application) error {
				res := a.RunOnce(ctx, submit)
				if viper.GetBool("json") {
					if err := printJSON(res); err != nil {
						return err
					}
				} else {
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"Run", "Success", "Processed", "Skipped", "Completed", "Submitted", "Failed"})
					tw.AppendRow(table.Row{res.RunID, res.Success, res.ProcessedCount, res.Summary.Skipped, res.Summary.Completed, res.Summary.Submitted, res.Summary.Failed})
					tw.Render()
				}
				if !res.Success {
					return fmt.Errorf("run failed: %s", res.Error)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&submit, "submit", false, "submit generated answers instead of saving drafts")
	return cmd
}

func logsCmd() *cobra.Command {
	var q domain.LogQuery
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show the audit log, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Application) error {
				page, err := a.Logs(ctx, q)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(page)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Time", "Type", "Assignment", "Message"})
				for _, e := range page.Entries {
					tw.AppendRow(table.Row{e.Timestamp.Local().Format(time.DateTime), e.Type, e.AssignmentID, e.Message})
				}
				tw.AppendFooter(table.Row{"", "", "", fmt.Sprintf("page %d of %d (%d entries)", page.Page, page.Pages(), page.TotalCount)})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&q.Page, "page", 1, "page number (1-based)")
	cmd.Flags().IntVar(&q.PageSize, "page-size", storage.DefaultPageSize, "entries per page")
	cmd.Flags().StringVar(&q.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&q.AssignmentID, "assignment", "", "assignment id filter")
	cmd.Flags().StringVar(&q.UserID, "user", "", "user id filter")
	return cmd
}

func runsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent completion runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Application) error {
				runs, err := a.Runs(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Status", "Trigger", "User", "Started", "Ended"})
				for _, r := range runs {
					ended := ""
					if r.EndTime != nil {
						ended = r.EndTime.Local().Format(time.DateTime)
					}
					tw.AppendRow(table.Row{r.ID, r.Status, r.Trigger, r.UserID, r.StartTime.Local().Format(time.DateTime), ended})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			db, err := storage.Open(cmd.Context(), cfg.Database.Driver, cfg.Database.DSN)
			if err != nil {
				return err
			}
			defer db.Close()
			version, err := storage.Migrate(cmd.Context(), db)
			if err != nil {
				return err
			}
			fmt.Printf("schema version %d\n", version)
			return nil
		},
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

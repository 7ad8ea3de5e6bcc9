package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"caseline/internal/activity"
	"caseline/internal/config"
	"caseline/internal/db"
	"caseline/internal/dispatch"
	"caseline/internal/domain"
	"caseline/internal/engine"
	"caseline/internal/migrate"
	"caseline/internal/notify"
	"caseline/internal/platform"
	"caseline/internal/reaper"
	"caseline/internal/repo"
	"caseline/internal/scheduler"
	"caseline/internal/server"
	"caseline/internal/sweep"
)

var rootCmd = &cobra.Command{
	Use:   "cl",
	Short: "Caseline CLI",
	Long: `Caseline orchestrates correspondence-case runs on an external execution platform.
It owns the state machine: which case may run, who holds the case lock, when
follow-ups go out, and what happens when a worker dies or a decision stalls.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CASELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (defaults to <workspace>/caseline.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().Bool("force", false, "force operation")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("force", rootCmd.PersistentFlags().Lookup("force"))
}

func registerCommands() {
	rootCmd.AddCommand(caseCmd())
	rootCmd.AddCommand(dispatchCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(proposalCmd())
	rootCmd.AddCommand(scheduleCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(reaperCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func caseCmd() *cobra.Command {
	c := &cobra.Command{Use: "case", Short: "Manage cases"}
	c.AddCommand(caseCreateCmd())
	c.AddCommand(caseListCmd())
	c.AddCommand(caseShowCmd())
	c.AddCommand(caseSetStatusCmd())
	c.AddCommand(caseMessageCmd())
	return c
}

func caseCreateCmd() *cobra.Command {
	var opts engine.CaseCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create case",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.CreateCase(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "case id (generated when empty)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "case name")
	cmd.Flags().StringVar(&opts.DeadlineAt, "deadline", "", "response deadline (RFC3339)")
	cmd.Flags().StringVar(&opts.PortalURL, "portal-url", "", "portal URL")
	cmd.Flags().BoolVar(&opts.Autopilot, "autopilot", false, "enable automatic follow-ups")
	return cmd
}

func caseListCmd() *cobra.Command {
	var f repo.CaseFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cases",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cases, err := e.Repo.ListCases(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cases)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Deadline", "Autopilot"})
				for _, c := range cases {
					deadline := ""
					if c.DeadlineAt != nil {
						deadline = *c.DeadlineAt
					}
					tw.AppendRow(table.Row{c.ID, c.Name, c.Status, deadline, c.Autopilot})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func caseShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <case-id>",
		Short: "Show case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.Repo.GetCase(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	return cmd
}

func caseSetStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set-status <case-id> <status>",
		Short: "Set case status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.SetCaseStatus(ctx, args[0], args[1], viper.GetBool("force"))
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	return cmd
}

func caseMessageCmd() *cobra.Command {
	var direction, subject, snippet, intent string
	var confidence float64
	cmd := &cobra.Command{
		Use:   "message <case-id>",
		Short: "Record a correspondence message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m := domain.Message{
					CaseID:    args[0],
					Direction: direction,
					Subject:   subject,
					Snippet:   snippet,
				}
				if intent != "" {
					m.Intent = &intent
					m.Confidence = &confidence
				}
				stored, err := e.RecordMessage(ctx, m)
				if err != nil {
					return err
				}
				return printJSONOrTable(stored)
			})
		},
	}
	cmd.Flags().StringVar(&direction, "direction", "inbound", "inbound or outbound")
	cmd.Flags().StringVar(&subject, "subject", "", "message subject")
	cmd.Flags().StringVar(&snippet, "snippet", "", "message snippet")
	cmd.Flags().StringVar(&intent, "intent", "", "classified intent")
	cmd.Flags().Float64Var(&confidence, "confidence", 0, "intent confidence")
	return cmd
}

func dispatchCmd() *cobra.Command {
	var trigger, messageID, source string
	cmd := &cobra.Command{
		Use:   "dispatch <case-id>",
		Short: "Dispatch a run for a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGateway(cmd.Context(), func(ctx context.Context, g dispatch.Gateway) error {
				res, err := g.Dispatch(ctx, dispatch.Request{
					CaseID:    args[0],
					Source:    source,
					Trigger:   trigger,
					MessageID: messageID,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&trigger, "trigger", domain.TriggerInitialRequest, "run trigger")
	cmd.Flags().StringVar(&messageID, "message-id", "", "triggering message id")
	cmd.Flags().StringVar(&source, "source", "cli", "dispatch source")
	return cmd
}

func runCmd() *cobra.Command {
	c := &cobra.Command{Use: "run", Short: "Inspect runs"}
	c.AddCommand(runListCmd())
	c.AddCommand(runShowCmd())
	c.AddCommand(runCancelCmd())
	return c
}

func runListCmd() *cobra.Command {
	var f repo.RunFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				runs, err := e.Repo.ListRuns(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Case", "Trigger", "Status", "Started", "Heartbeat"})
				for _, r := range runs {
					started, heartbeat := "", ""
					if r.StartedAt != nil {
						started = *r.StartedAt
					}
					if r.HeartbeatAt != nil {
						heartbeat = *r.HeartbeatAt
					}
					tw.AppendRow(table.Row{r.ID, r.CaseID, r.Trigger, r.Status, started, heartbeat})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.CaseID, "case", "", "case filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func runShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				run, err := e.Repo.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
	return cmd
}

func runCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel an active run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				run, err := e.CancelRun(ctx, args[0], reason)
				if err != nil {
					return err
				}
				if corr, ok := repo.RunMetadata(run)["correlation_id"].(string); ok && corr != "" {
					g := newGateway(e, e.Config)
					if err := g.Platform.Cancel(ctx, corr); err != nil {
						fmt.Fprintf(os.Stderr, "warning: cancel execution %s: %v\n", corr, err)
					}
				}
				return printJSONOrTable(run)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	return cmd
}

func proposalCmd() *cobra.Command {
	c := &cobra.Command{Use: "proposal", Short: "Manage proposals"}
	c.AddCommand(proposalListCmd())
	c.AddCommand(proposalDecideCmd())
	return c
}

func proposalListCmd() *cobra.Command {
	var f repo.ProposalFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List proposals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				proposals, err := e.Repo.ListProposals(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(proposals)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Case", "Kind", "Status", "Retries", "Reason"})
				for _, p := range proposals {
					tw.AppendRow(table.Row{p.ID, p.CaseID, p.Kind, p.Status, p.RetryCount, p.Reason})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.CaseID, "case", "", "case filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func proposalDecideCmd() *cobra.Command {
	var dismiss bool
	var reason, decisionJSON string
	cmd := &cobra.Command{
		Use:   "decide <proposal-id>",
		Short: "Record an operator decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var p domain.Proposal
				var err error
				if dismiss {
					p, err = e.ResolveProposal(ctx, args[0], domain.ProposalDismissed, reason)
				} else {
					if decisionJSON == "" {
						decisionJSON = "{}"
					}
					p, err = e.ApplyDecision(ctx, args[0], decisionJSON)
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().BoolVar(&dismiss, "dismiss", false, "dismiss instead of accepting")
	cmd.Flags().StringVar(&reason, "reason", "", "dismissal reason")
	cmd.Flags().StringVar(&decisionJSON, "decision", "", "decision payload JSON")
	return cmd
}

func scheduleCmd() *cobra.Command {
	c := &cobra.Command{Use: "schedule", Short: "Manage follow-up schedules"}
	c.AddCommand(scheduleShowCmd())
	c.AddCommand(scheduleSetCmd())
	return c
}

func scheduleShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <case-id>",
		Short: "Show follow-up schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Repo.GetSchedule(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func scheduleSetCmd() *cobra.Command {
	var opts engine.ScheduleOptions
	cmd := &cobra.Command{
		Use:   "set <case-id>",
		Short: "Set follow-up schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.CaseID = args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.SetSchedule(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&opts.NextDueAt, "next-due", "", "next due date (RFC3339)")
	cmd.Flags().IntVar(&opts.MaxCount, "max-count", 0, "max follow-ups (config default when 0)")
	cmd.Flags().StringVar(&opts.Status, "status", "", "schedule status")
	cmd.Flags().BoolVar(&opts.AutoSend, "auto-send", true, "send automatically when due")
	return cmd
}

func sweepCmd() *cobra.Command {
	c := &cobra.Command{Use: "sweep", Short: "Run maintenance sweeps"}
	sweeps := map[string]string{
		"followups": "Dispatch due follow-ups",
		"deadlines": "Handle passed deadlines",
		"orphans":   "Propose review for parked cases",
		"decisions": "Retry stuck decisions",
		"recovery":  "Reconcile stale queued runs",
		"all":       "Run every sweep once",
	}
	for name, short := range sweeps {
		name := name
		c.AddCommand(&cobra.Command{
			Use:   name,
			Short: short,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withSweeper(cmd.Context(), func(ctx context.Context, s sweep.Sweeper) error {
					reports, err := runSweep(ctx, s, name)
					if err != nil {
						return err
					}
					return printJSONOrTable(reports)
				})
			},
		})
	}
	return c
}

func runSweep(ctx context.Context, s sweep.Sweeper, name string) (map[string]any, error) {
	reports := map[string]any{}
	run := func(key string, fn func() (any, error)) error {
		if name != "all" && name != key {
			return nil
		}
		report, err := fn()
		if err != nil {
			return err
		}
		reports[key] = report
		return nil
	}
	if err := run("followups", func() (any, error) { return s.SweepFollowUps(ctx) }); err != nil {
		return nil, err
	}
	if err := run("deadlines", func() (any, error) { return s.SweepDeadlines(ctx) }); err != nil {
		return nil, err
	}
	if err := run("orphans", func() (any, error) { return s.SweepOrphans(ctx) }); err != nil {
		return nil, err
	}
	if err := run("decisions", func() (any, error) { return s.SweepStuckDecisions(ctx) }); err != nil {
		return nil, err
	}
	if err := run("recovery", func() (any, error) { return s.Gateway.RecoverStaleQueuedRuns(ctx) }); err != nil {
		return nil, err
	}
	return reports, nil
}

func reaperCmd() *cobra.Command {
	c := &cobra.Command{Use: "reaper", Short: "Recover stuck runs"}
	c.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run both reaper passes once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSweeper(cmd.Context(), func(ctx context.Context, s sweep.Sweeper) error {
				r := reaper.Reaper{
					Repo:     s.Repo,
					Activity: s.Gateway.Activity,
					Config:   s.Config,
					Notifier: s.Notifier,
				}
				locks, err := r.ReapStuckLocks(ctx)
				if err != nil {
					return err
				}
				stale, err := r.ReapStaleRuns(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"locks": locks, "stale": stale})
			})
		},
	})
	return c
}

func logCmd() *cobra.Command {
	c := &cobra.Command{Use: "log", Short: "Activity log"}
	c.AddCommand(logTailCmd())
	return c
}

func logTailCmd() *cobra.Command {
	var f activity.Filters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail activity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Activity.Latest(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of entries")
	cmd.Flags().StringVar(&f.Kind, "kind", "", "kind filter")
	cmd.Flags().StringVar(&f.CaseID, "case", "", "case filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noScheduler bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server and background loops",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := loadConfig(workspace)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			g := newGateway(e, cfg)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("CASELINE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("CASELINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, Gateway: g, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			if !noScheduler {
				scheduler.Scheduler{
					Sweeper: newSweeper(e, g, cfg),
					Reaper:  reaper.Reaper{Repo: e.Repo, Activity: e.Activity, Config: cfg, Notifier: g.Notifier},
					Gateway: g,
					Config:  cfg,
				}.Start(cmd.Context())
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Caseline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "serve the API without background loops")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := loadConfig(workspace)
	if err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, cfg))
}

func loadConfig(workspace string) (*config.Config, error) {
	if path := viper.GetString("config"); path != "" {
		return config.FromFile(path)
	}
	return config.Load(workspace)
}

func withGateway(ctx context.Context, fn func(context.Context, dispatch.Gateway) error) error {
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		return fn(ctx, newGateway(e, e.Config))
	})
}

func withSweeper(ctx context.Context, fn func(context.Context, sweep.Sweeper) error) error {
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		return fn(ctx, newSweeper(e, newGateway(e, e.Config), e.Config))
	})
}

func newGateway(e engine.Engine, cfg *config.Config) dispatch.Gateway {
	return dispatch.Gateway{
		Repo:     e.Repo,
		Activity: e.Activity,
		Config:   cfg,
		Platform: platform.New(cfg.Platform.BaseURL, cfg.Platform.APIKey),
		Notifier: notify.New(cfg),
	}
}

func newSweeper(e engine.Engine, g dispatch.Gateway, cfg *config.Config) sweep.Sweeper {
	return sweep.Sweeper{
		Repo:     e.Repo,
		Engine:   e,
		Gateway:  g,
		Config:   cfg,
		Notifier: g.Notifier,
	}
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

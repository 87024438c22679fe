package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"draftline/internal/config"
	"draftline/internal/db"
	"draftline/internal/domain"
	"draftline/internal/engine"
	"draftline/internal/migrate"
	"draftline/internal/repo"
	"draftline/internal/server"
	"draftline/internal/stage"
)

var rootCmd = &cobra.Command{
	Use:   "dl",
	Short: "Draftline CLI",
	Long: `Draftline runs an AI-assisted content pipeline with a human approval gate.
Tasks move research -> draft -> quality loop -> image -> format, then hard-stop
at awaiting_approval. Only an identified reviewer's decision moves them on, and
every status change lands in an append-only audit trail.`,
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
	viper.SetEnvPrefix("DRAFTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(decideCmd())
	rootCmd.AddCommand(publishCmd())
	rootCmd.AddCommand(holdCmd())
	rootCmd.AddCommand(resumeCmd())
	rootCmd.AddCommand(cancelCmd())
	rootCmd.AddCommand(metricsCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	e := engine.New(conn, cfg, stage.NewLocalRegistry(), stage.StaticEvaluator{Score: 8.0, Feedback: "locally generated"})
	return fn(ctx, e)
}

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "task", Short: "Manage tasks"}
	cmd.AddCommand(taskCreateCmd())
	cmd.AddCommand(taskShowCmd())
	cmd.AddCommand(taskListCmd())
	cmd.AddCommand(taskHistoryCmd())
	cmd.AddCommand(taskFailuresCmd())
	return cmd
}

func taskCreateCmd() *cobra.Command {
	var topic, params string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			if topic == "" {
				return fmt.Errorf("--topic required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTask(ctx, topic, params)
				if err != nil {
					return err
				}
				return printTask(t)
			})
		},
	}
	cmd.Flags().StringVar(&topic, "topic", "", "content topic")
	cmd.Flags().StringVar(&params, "params", "", "parameters as JSON")
	_ = cmd.MarkFlagRequired("topic")
	return cmd
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.GetStatus(ctx, args[0])
				if err != nil {
					return err
				}
				return printTask(t)
			})
		},
	}
	return cmd
}

func taskListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{Status: status, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := newTable("ID", "TOPIC", "STATUS", "STAGE", "PROGRESS", "SCORE", "APPROVAL")
				for _, t := range tasks {
					tw.AppendRow(table.Row{
						t.ID, truncate(t.Topic, 40), t.Status, stageOrDash(t.Stage),
						fmt.Sprintf("%d%%", t.ProgressPercent), scoreOrDash(t.QualityScore), t.ApprovalStatus,
					})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func taskHistoryCmd() *cobra.Command {
	var category string
	cmd := &cobra.Command{
		Use:   "history <task-id>",
		Short: "Show the audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.GetHistory(ctx, args[0], repo.TransitionCategory(category))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("SEQ", "FROM", "TO", "STAGE", "REASON", "ACTOR", "TS")
				for _, tr := range items {
					from := "-"
					if tr.OldStatus != nil {
						from = string(*tr.OldStatus)
					}
					tw.AppendRow(table.Row{tr.Seq, from, tr.NewStatus, stageOrDash(tr.Stage), tr.Reason, tr.Actor, tr.TS})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "filter: pipeline, refinement, approval, operator")
	return cmd
}

func taskFailuresCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "failures <task-id>",
		Short: "Show recorded validation failures",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.GetFailures(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("FROM", "TO", "SEVERITY", "CAUSE", "RECOMMENDATION", "ACTOR", "TS")
				for _, f := range items {
					tw.AppendRow(table.Row{f.FromStatus, f.ToStatus, f.Severity, f.Cause, f.Recommendation, f.Actor, f.TS})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	return cmd
}

func startCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start <task-id>",
		Short: "Run the pipeline for a pending task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				run, err := e.Start(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				t, err := run.Execute(ctx)
				if err != nil {
					return err
				}
				return printTask(t)
			})
		},
	}
	return cmd
}

func decideCmd() *cobra.Command {
	var feedback string
	cmd := &cobra.Command{
		Use:   "decide <task-id> <approve|reject>",
		Short: "Record an approval decision",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Decide(ctx, args[0], args[1], viper.GetString("actor-id"), feedback)
				if err != nil {
					return err
				}
				return printTask(t)
			})
		},
	}
	cmd.Flags().StringVar(&feedback, "feedback", "", "reviewer feedback (required on reject)")
	return cmd
}

func publishCmd() *cobra.Command {
	var reference string
	cmd := &cobra.Command{
		Use:   "publish <task-id>",
		Short: "Publish an approved task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if reference == "" {
				return fmt.Errorf("--reference required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Publish(ctx, args[0], reference, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printTask(t)
			})
		},
	}
	cmd.Flags().StringVar(&reference, "reference", "", "published artifact reference")
	_ = cmd.MarkFlagRequired("reference")
	return cmd
}

func holdCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hold <task-id>",
		Short: "Put a task on hold",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Hold(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printTask(t)
			})
		},
	}
	return cmd
}

func resumeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume <task-id>",
		Short: "Resume a held task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				run, err := e.Resume(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				t, err := run.Execute(ctx)
				if err != nil {
					return err
				}
				return printTask(t)
			})
		},
	}
	return cmd
}

func cancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Cancel(ctx, args[0], viper.GetString("actor-id"), reason)
				if err != nil {
					return err
				}
				return printTask(t)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "operator reason")
	return cmd
}

func metricsCmd() *cobra.Command {
	var since, until, status string
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Aggregate pipeline metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.GetMetrics(ctx, repo.MetricsFilters{Since: since, Until: until, Status: status})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(m)
				}
				tw := newTable("METRIC", "VALUE")
				tw.AppendRow(table.Row{"total", m.Total})
				for status, count := range m.ByStatus {
					tw.AppendRow(table.Row{"status." + status, count})
				}
				tw.AppendRow(table.Row{"success_rate", fmt.Sprintf("%.2f", m.SuccessRate)})
				for status, secs := range m.AvgSecondsInState {
					tw.AppendRow(table.Row{"avg_seconds." + status, fmt.Sprintf("%.1f", secs)})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&since, "since", "", "RFC3339 lower bound")
	cmd.Flags().StringVar(&until, "until", "", "RFC3339 upper bound")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Manage configuration"}
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default draftline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			return os.WriteFile(path, []byte(config.GenerateDefault()), 0o644)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	})
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, jwtSecret string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				handler, err := server.New(server.Config{
					Engine: e,
					Auth:   server.AuthConfig{JWTSecret: jwtSecret, DefaultActor: viper.GetString("actor-id")},
				})
				if err != nil {
					return err
				}
				srv := &http.Server{
					Addr:              addr,
					Handler:           handler,
					ReadHeaderTimeout: 5 * time.Second,
				}
				fmt.Printf("listening on %s\n", addr)
				return srv.ListenAndServe()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8480", "listen address")
	cmd.Flags().StringVar(&jwtSecret, "jwt-secret", "", "HS256 secret for bearer auth")
	return cmd
}

// --- output helpers ---

func printTask(t domain.Task) error {
	if viper.GetBool("json") {
		return printJSON(t)
	}
	tw := newTable("FIELD", "VALUE")
	tw.AppendRow(table.Row{"id", t.ID})
	tw.AppendRow(table.Row{"topic", t.Topic})
	tw.AppendRow(table.Row{"status", t.Status})
	tw.AppendRow(table.Row{"stage", stageOrDash(t.Stage)})
	tw.AppendRow(table.Row{"progress", fmt.Sprintf("%d%%", t.ProgressPercent)})
	tw.AppendRow(table.Row{"quality_score", scoreOrDash(t.QualityScore)})
	tw.AppendRow(table.Row{"refinements", t.RefinementCount})
	tw.AppendRow(table.Row{"approval", t.ApprovalStatus})
	if t.ApprovedBy != nil {
		tw.AppendRow(table.Row{"approved_by", *t.ApprovedBy})
	}
	if t.PublishedReference != nil {
		tw.AppendRow(table.Row{"published_reference", *t.PublishedReference})
	}
	fmt.Println(tw.Render())
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(headers ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(headers)
	return tw
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func stageOrDash(s *domain.Stage) string {
	if s == nil {
		return "-"
	}
	return string(*s)
}

func scoreOrDash(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.1f", *v)
}

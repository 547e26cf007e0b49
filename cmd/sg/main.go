package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"sessiongate/internal/app"
	"sessiongate/internal/config"
	"sessiongate/internal/db"
	"sessiongate/internal/domain"
	"sessiongate/internal/engine"
	"sessiongate/internal/metrics"
	"sessiongate/internal/plan"
	"sessiongate/internal/server"
	"sessiongate/internal/store"
	"sessiongate/internal/validate"
)

var stdout io.Writer = os.Stdout

var rootCmd = &cobra.Command{
	Use:   "sg",
	Short: "Sessiongate CLI",
	Long: `Sessiongate runs multi-agent sessions: a workorder is split into phases of
tasks, each task owned by one worker, and a phase only closes once its quality
gate passes.
- Session: the shared document every role reads and writes.
- Orchestrator: the one role that opens, evaluates, closes and recovers phases.
- Workers: each may only write the status, notes and output_ref of its own tasks.
- Gate: validates a phase's task artifacts, scores them and blocks on critical issues.
- Audit log: append-only record of creation, phase closure, session closure and gate blocks.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SESSIONGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "", "session role performing the operation")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "debug logging to stderr")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage sessiongate.yml",
		Long:  "Config holds the gate threshold, scoring weights, retry policy, validation rules, store and audit drivers, staleness threshold and webhooks.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default sessiongate.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.ResolveConfig(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate sessiongate.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(stdout, "config OK")
			return nil
		},
	}
}

func sessionCmd() *cobra.Command {
	s := &cobra.Command{Use: "session", Short: "Create, inspect and write sessions"}
	s.AddCommand(sessionCreateCmd())
	s.AddCommand(sessionListCmd())
	s.AddCommand(sessionShowCmd())
	s.AddCommand(sessionWriteCmd())
	s.AddCommand(sessionValidateCmd())
	s.AddCommand(sessionStaleCmd())
	s.AddCommand(sessionArchiveCmd())
	s.AddCommand(taskReportCmd())
	s.AddCommand(phaseCmds()...)
	s.AddCommand(phaseRecoverCmd())
	s.AddCommand(auditCmd())
	return s
}

func sessionCreateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Decompose a workorder file into a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			wo, err := plan.LoadWorkorder(file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				doc, err := e.CreateSession(ctx, wo, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printSession(doc)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "workorder YAML or JSON")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func sessionListCmd() *cobra.Command {
	var f store.ListFilter
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Status = domain.Status(status)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListSessions(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Status", "Done", "Last updated", "Description"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.Status, fmt.Sprintf("%d/%d", s.Progress.Completed, s.Progress.Total), s.LastUpdated, s.Description})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().BoolVar(&f.IncludeArchived, "all", false, "include archived sessions")
	return cmd
}

func sessionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				doc, err := e.GetSession(ctx, args[0])
				if err != nil {
					return err
				}
				return printSession(doc)
			})
		},
	}
}

func sessionWriteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "write <session-id> <path=value>...",
		Short: "Write owned fields atomically",
		Long:  "Each argument sets one field, e.g. 'phases[P1].tasks[T1].status=in_progress'. Values that parse as JSON are written as such, anything else as a string.",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			writes := make([]engine.FieldWrite, 0, len(args)-1)
			for _, arg := range args[1:] {
				w, err := parseFieldWrite(arg)
				if err != nil {
					return err
				}
				writes = append(writes, w)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				doc, err := e.Apply(ctx, args[0], viper.GetString("actor-id"), writes)
				if err != nil {
					return err
				}
				return printSession(doc)
			})
		},
	}
}

func sessionValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <session-id>",
		Short: "Validate a stored session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rep, err := e.ValidateSession(ctx, args[0])
				if err != nil {
					return err
				}
				return printReport(rep)
			})
		},
	}
}

func sessionStaleCmd() *cobra.Command {
	var threshold string
	cmd := &cobra.Command{
		Use:   "stale <session-id>",
		Short: "List unfinished tasks without recent updates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.Config.StaleAfter()
				if err != nil {
					return err
				}
				if threshold != "" {
					if d, err = time.ParseDuration(threshold); err != nil {
						return fmt.Errorf("invalid --threshold: %w", err)
					}
				}
				doc, err := e.GetSession(ctx, args[0])
				if err != nil {
					return err
				}
				items := engine.StaleTasks(doc, d, time.Now())
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Phase", "Task", "Owner", "Status", "Last updated", "Age"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.PhaseID, s.TaskID, s.Owner, s.Status, s.LastUpdated, s.Age.Round(time.Second)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&threshold, "threshold", "", "override the configured staleness threshold (e.g. 30m)")
	return cmd
}

func sessionArchiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive <session-id>",
		Short: "Archive a complete session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				doc, err := e.ArchiveSession(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printSession(doc)
			})
		},
	}
}

// phaseCmds drive phases through their gates; only the orchestrator may run them.
func phaseCmds() []*cobra.Command {
	var cmds []*cobra.Command
	for _, op := range []struct {
		use, short string
		run        func(ctx context.Context, e engine.Engine, id, actor, phase string) (*domain.GateResult, domain.Session, error)
	}{
		{"open", "Open a phase whose predecessor is complete", func(ctx context.Context, e engine.Engine, id, actor, phase string) (*domain.GateResult, domain.Session, error) {
			doc, err := e.OpenPhase(ctx, id, actor, phase)
			return nil, doc, err
		}},
		{"evaluate", "Run the phase gate", func(ctx context.Context, e engine.Engine, id, actor, phase string) (*domain.GateResult, domain.Session, error) {
			res, doc, err := e.EvaluatePhase(ctx, id, actor, phase)
			return &res, doc, err
		}},
		{"close", "Close a phase whose gate passed", func(ctx context.Context, e engine.Engine, id, actor, phase string) (*domain.GateResult, domain.Session, error) {
			doc, err := e.ClosePhase(ctx, id, actor, phase)
			return nil, doc, err
		}},
		{"advance", "Evaluate a phase and close it when the gate passes", func(ctx context.Context, e engine.Engine, id, actor, phase string) (*domain.GateResult, domain.Session, error) {
			res, doc, err := e.Advance(ctx, id, actor, phase)
			return &res, doc, err
		}},
	} {
		op := op
		cmds = append(cmds, &cobra.Command{
			Use:   op.use + " <session-id> <phase-id>",
			Short: op.short,
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
					res, doc, err := op.run(ctx, e, args[0], viper.GetString("actor-id"), args[1])
					if err != nil {
						return err
					}
					if res == nil {
						return printSession(doc)
					}
					return printGate(*res, doc)
				})
			},
		})
	}
	return cmds
}

func phaseRecoverCmd() *cobra.Command {
	var to string
	var reopen []string
	cmd := &cobra.Command{
		Use:   "recover <session-id> <phase-id>",
		Short: "Reopen a blocked phase",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				doc, err := e.RecoverPhase(ctx, args[0], viper.GetString("actor-id"), args[1], domain.Status(to), reopen)
				if err != nil {
					return err
				}
				return printSession(doc)
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", string(domain.StatusInProgress), "target status (in_progress|not_started)")
	cmd.Flags().StringSliceVar(&reopen, "reopen", nil, "task ids to move back to the target status")
	return cmd
}

func taskReportCmd() *cobra.Command {
	var status, notes, outputRef string
	cmd := &cobra.Command{
		Use:   "report <session-id> <task-id>",
		Short: "Report status, notes or output of an owned task",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r engine.TaskReport
			if cmd.Flags().Changed("status") {
				s := domain.Status(status)
				r.Status = &s
			}
			if cmd.Flags().Changed("notes") {
				r.Notes = optionalString(notes)
			}
			if cmd.Flags().Changed("output-ref") {
				r.OutputRef = optionalString(outputRef)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				doc, err := e.ReportTask(ctx, args[0], viper.GetString("actor-id"), args[1], r)
				if err != nil {
					return err
				}
				return printSession(doc)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "not_started|in_progress|complete")
	cmd.Flags().StringVar(&notes, "notes", "", "free-form notes")
	cmd.Flags().StringVar(&outputRef, "output-ref", "", "artifact reference, relative to the artifacts dir")
	return cmd
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a session document or artifact file",
		Long:  "Files with a top-level phases key are validated as sessions, anything else as an artifact. Exits non-zero on critical issues.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.ResolveConfig(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			v, err := validate.New(engine.ValidatorOptions(cfg))
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			doc, err := validate.Decode(data, args[0])
			if err != nil {
				return err
			}
			rep := v.Validate(doc)
			if err := printReport(rep); err != nil {
				return err
			}
			return rep.Err()
		},
	}
}

func auditCmd() *cobra.Command {
	var f store.AuditFilter
	cmd := &cobra.Command{
		Use:   "audit [session-id]",
		Short: "List audit entries, of one session or all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				f.SessionID = args[0]
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.AuditEntries(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Seq", "Time", "Session", "Event", "Actor", "Detail"})
				for _, a := range items {
					detail, _ := json.Marshal(a.Detail)
					tw.AppendRow(table.Row{a.Seq, a.Timestamp, a.SessionID, a.EventType, a.ActorID, string(detail)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&f.AfterSeq, "after", 0, "only entries after this sequence number")
	cmd.Flags().IntVarP(&f.Limit, "limit", "n", 50, "maximum entries")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := newLogger()
			workspace := viper.GetString("workspace")
			cfg, err := app.ResolveConfig(workspace)
			if err != nil {
				return err
			}
			var metricsHandler http.Handler
			if cfg.Metrics.Enabled {
				if metricsHandler, err = metrics.InitMeterProvider(ctx, "sessiongate"); err != nil {
					return err
				}
				if err := metrics.InitMetrics(ctx); err != nil {
					return err
				}
			}
			b, err := app.Open(ctx, workspace, cfg, logger)
			if err != nil {
				return err
			}
			defer b.Close()
			if metricsHandler != nil {
				if err := metrics.RegisterSessionGauge(b.Engine.CountByStatus); err != nil {
					return err
				}
			}
			server.StartWebhooks(ctx, b.Engine, logger)
			handler, err := server.New(server.Config{
				Engine:      b.Engine,
				BasePath:    basePath,
				Metrics:     metricsHandler,
				MetricsPath: cfg.Metrics.Path,
				Logger:      logger,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			logger.Info("serving", "addr", addr, "base_path", basePath, "store", cfg.Store.Driver, "audit", cfg.Audit.Driver)
			fmt.Fprintf(stdout, "Serving Sessiongate API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if viper.GetBool("verbose") {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := app.ResolveConfig(workspace)
	if err != nil {
		return err
	}
	b, err := app.Open(ctx, workspace, cfg, newLogger())
	if err != nil {
		return err
	}
	defer b.Close()
	return fn(ctx, b.Engine)
}

func parseFieldWrite(arg string) (engine.FieldWrite, error) {
	path, raw, ok := strings.Cut(arg, "=")
	if !ok || strings.TrimSpace(path) == "" {
		return engine.FieldWrite{}, fmt.Errorf("expected path=value, got %q", arg)
	}
	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		value = raw
	}
	return engine.FieldWrite{Path: strings.TrimSpace(path), Value: value}, nil
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(stdout)
	return tw
}

func printSession(doc domain.Session) error {
	if viper.GetBool("json") {
		return printJSON(doc)
	}
	fmt.Fprintf(stdout, "%s  %s  updated %s\n", doc.ID, doc.Status, doc.LastUpdated)
	if doc.ArchivedAt != nil {
		fmt.Fprintf(stdout, "archived %s\n", *doc.ArchivedAt)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"Phase", "Phase status", "Gate", "Task", "Owner", "Task status", "Output"})
	for _, ph := range doc.Phases {
		gateCol := ""
		if ph.GateResult != nil {
			gateCol = fmt.Sprintf("%d/%d", ph.GateResult.Score, ph.GateResult.Threshold)
			if !ph.GateResult.Passed {
				gateCol += " blocked"
			}
		}
		for i, t := range ph.Tasks {
			row := table.Row{"", "", "", t.ID, t.Owner, t.Status, t.OutputRef}
			if i == 0 {
				row[0], row[1], row[2] = ph.ID, ph.Status, gateCol
			}
			tw.AppendRow(row)
		}
	}
	tw.Render()
	return nil
}

func printGate(res domain.GateResult, doc domain.Session) error {
	if viper.GetBool("json") {
		return printJSON(map[string]any{"result": res, "session": doc})
	}
	verdict := "passed"
	if !res.Passed {
		verdict = "blocked"
	}
	fmt.Fprintf(stdout, "gate %s: score %d, threshold %d, %d/%d tasks complete\n", verdict, res.Score, res.Threshold, res.Aggregation.Completed, res.Aggregation.Total)
	if len(res.BlockingIssues) > 0 {
		printIssues(res.BlockingIssues)
	}
	return printSession(doc)
}

func printReport(rep validate.Report) error {
	if viper.GetBool("json") {
		return printJSON(rep)
	}
	critical, major, warning := rep.Counts()
	fmt.Fprintf(stdout, "score %d (%d critical, %d major, %d warning)\n", rep.Score, critical, major, warning)
	if len(rep.Issues) > 0 {
		printIssues(rep.Issues)
	}
	return nil
}

func printIssues(issues []domain.ValidationIssue) {
	tw := newTable()
	tw.AppendHeader(table.Row{"Severity", "Rule", "Path", "Message"})
	for _, is := range issues {
		tw.AppendRow(table.Row{is.Severity, is.RuleID, is.FieldPath, is.Message})
	}
	tw.Render()
}

func printJSON(v any) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func optionalString(s string) *string {
	return &s
}

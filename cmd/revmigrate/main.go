// Command revmigrate applies revision-graph schema migrations.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/example/revmigrate/internal/config"
	"github.com/example/revmigrate/internal/engine"
	"github.com/example/revmigrate/internal/graph"
	"github.com/example/revmigrate/internal/logging"
	"github.com/example/revmigrate/internal/metrics"
	"github.com/example/revmigrate/internal/persistence"
	"github.com/example/revmigrate/internal/persistence/postgres"
	"github.com/example/revmigrate/internal/persistence/sqlite"
	"github.com/example/revmigrate/internal/repository"
	"github.com/example/revmigrate/internal/resolver"
	"github.com/example/revmigrate/internal/state"
)

// exitUsage is returned for malformed command lines.
const exitUsage = 64

var errUsage = errors.New("usage error")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("revmigrate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to a YAML configuration file")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), `Usage: revmigrate [-config file] <command> [options]

Commands:
  heads     List the heads of the revision graph
  history   List every revision in topological order
  status    Show applied, pending and drifted revisions
  plan      Show the steps that would reach the targets
  apply     Move the database to the targets (default: head)
  add       Create a revision
  merge     Create a revision joining every head
  rebase    Move a revision onto another head
  unlock    Clear a migration lock left by a crashed run

Targets are revision ids or the aliases "head" and "base".

Options:
`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return exitUsage
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return exitUsage
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "revmigrate: %v\n", err)
		return exitUsage
	}

	level, _ := logging.ParseLevel(cfg.Log.Level)
	logger, err := logging.New(logging.Options{Level: level, Format: cfg.Log.Format, Writer: stderr})
	if err != nil {
		fmt.Fprintf(stderr, "revmigrate: %v\n", err)
		return exitUsage
	}
	ctx = logging.ContextWithLogger(ctx, logger)

	a := &app{cfg: cfg, logger: logger, stdout: stdout, stderr: stderr}
	err = a.dispatch(ctx, fs.Arg(0), fs.Args()[1:])
	switch {
	case err == nil, errors.Is(err, flag.ErrHelp):
		return 0
	case errors.Is(err, errUsage):
		fmt.Fprintf(stderr, "revmigrate: %v\n", err)
		return exitUsage
	}

	kind := engine.ErrorKind(err)
	logger.Error("command failed", "command", fs.Arg(0), "kind", kind, "error", err)
	fmt.Fprintf(stderr, "revmigrate: %v\n", err)
	return engine.ExitCode(kind)
}

type app struct {
	cfg    config.Config
	logger *slog.Logger
	stdout io.Writer
	stderr io.Writer
}

func (a *app) dispatch(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "heads":
		return a.heads(ctx, args)
	case "history":
		return a.history(ctx, args)
	case "status":
		return a.status(ctx, args)
	case "plan":
		return a.plan(ctx, args)
	case "apply":
		return a.apply(ctx, args)
	case "add":
		return a.add(ctx, args)
	case "merge":
		return a.merge(ctx, args)
	case "rebase":
		return a.rebase(ctx, args)
	case "unlock":
		return a.unlock(ctx, args)
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
}

// parse tags malformed flags as usage errors.
func parse(fs *flag.FlagSet, args []string) error {
	err := fs.Parse(args)
	if err == nil || errors.Is(err, flag.ErrHelp) {
		return err
	}
	return fmt.Errorf("%w: %v", errUsage, err)
}

func (a *app) flagSet(name, usage string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: revmigrate %s %s\n", name, usage)
		fs.PrintDefaults()
	}
	return fs
}

// ----------------------------- Graph commands -----------------------------

func (a *app) heads(ctx context.Context, args []string) error {
	fs := a.flagSet("heads", "")
	if err := parse(fs, args); err != nil {
		return err
	}
	g, _, err := a.loadGraph(ctx)
	if err != nil {
		return err
	}
	for _, id := range g.Heads() {
		rev, _ := g.Revision(id)
		fmt.Fprintln(a.stdout, rev.String())
	}
	return nil
}

func (a *app) history(ctx context.Context, args []string) error {
	fs := a.flagSet("history", "")
	if err := parse(fs, args); err != nil {
		return err
	}
	g, _, err := a.loadGraph(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPARENTS\tDEPTH\tLABEL")
	for _, id := range g.TopologicalOrder() {
		rev, _ := g.Revision(id)
		depth, _ := g.Depth(id)
		parents := strings.Join(rev.Parents, ",")
		if parents == "" {
			parents = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", rev.ID, parents, depth, rev.Label)
	}
	return w.Flush()
}

// ----------------------------- Database commands -----------------------------

func (a *app) status(ctx context.Context, args []string) error {
	fs := a.flagSet("status", "")
	if err := parse(fs, args); err != nil {
		return err
	}
	g, _, err := a.loadGraph(ctx)
	if err != nil {
		return err
	}
	env, err := a.openEngine(ctx)
	if err != nil {
		return err
	}
	defer env.close()

	st, err := env.engine.Status(ctx, g)
	if err != nil {
		return err
	}

	fmt.Fprintf(a.stdout, "Heads: %s\n", joinOrNone(st.Heads))
	fmt.Fprintf(a.stdout, "Applied heads: %s\n", joinOrNone(st.AppliedHeads))
	if len(st.Applied) > 0 {
		w := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "\nREVISION\tAPPLIED AT")
		for _, row := range st.Applied {
			fmt.Fprintf(w, "%s\t%s\n", row.RevisionID, row.AppliedAt.Format(time.RFC3339))
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}
	for _, d := range st.Drift {
		fmt.Fprintf(a.stdout, "Drift: %s was applied with checksum %s, scripts now hash to %s\n", d.Revision, short(d.Recorded), short(d.Current))
	}
	if len(st.Unknown) > 0 {
		fmt.Fprintf(a.stdout, "Unknown applied revisions: %s\n", strings.Join(st.Unknown, ", "))
	}
	switch {
	case st.PendingErr != nil:
		fmt.Fprintf(a.stdout, "Pending: cannot resolve: %v\n", st.PendingErr)
	case len(st.Pending) == 0:
		fmt.Fprintln(a.stdout, "Database is up to date.")
	default:
		fmt.Fprintf(a.stdout, "Pending: %d step(s)\n", len(st.Pending))
		for _, step := range st.Pending {
			fmt.Fprintf(a.stdout, "  %s\n", step)
		}
	}
	return nil
}

func (a *app) plan(ctx context.Context, args []string) error {
	fs := a.flagSet("plan", "[target ...]")
	if err := parse(fs, args); err != nil {
		return err
	}
	g, _, err := a.loadGraph(ctx)
	if err != nil {
		return err
	}
	env, err := a.openEngine(ctx)
	if err != nil {
		return err
	}
	defer env.close()

	plan, err := env.engine.Plan(ctx, g, targets(fs.Args())...)
	if err != nil {
		return err
	}
	return a.printPlan(plan)
}

func (a *app) apply(ctx context.Context, args []string) error {
	fs := a.flagSet("apply", "[-dry-run] [target ...]")
	dryRun := fs.Bool("dry-run", false, "Report the plan without running procedures")
	if err := parse(fs, args); err != nil {
		return err
	}
	g, _, err := a.loadGraph(ctx)
	if err != nil {
		return err
	}
	env, err := a.openEngine(ctx)
	if err != nil {
		return err
	}
	defer env.close()

	report, err := env.engine.Migrate(ctx, g, engine.Options{DryRun: *dryRun}, targets(fs.Args())...)
	if err == nil && report.Plan.Empty() {
		fmt.Fprintln(a.stdout, "Nothing to do.")
	} else if werr := a.printReport(report); werr != nil && err == nil {
		err = werr
	}
	if merr := env.writeMetrics(a.cfg.MetricsFile); merr != nil {
		a.logger.Warn("failed to write metrics textfile", "path", a.cfg.MetricsFile, "error", merr)
	}
	return err
}

func (a *app) unlock(ctx context.Context, args []string) error {
	fs := a.flagSet("unlock", "")
	if err := parse(fs, args); err != nil {
		return err
	}
	env, err := a.openEngine(ctx)
	if err != nil {
		return err
	}
	defer env.close()

	if err := env.locker.ForceUnlock(ctx); err != nil {
		if errors.Is(err, errors.ErrUnsupported) {
			return fmt.Errorf("%s locks end with the session that holds them: %w", a.cfg.Driver, err)
		}
		return err
	}
	fmt.Fprintln(a.stdout, "Migration lock cleared.")
	return nil
}

// ----------------------------- Authoring commands -----------------------------

func (a *app) add(ctx context.Context, args []string) error {
	fs := a.flagSet("add", "[-id id] [-label text] [-parent id ...]")
	opts := repository.AddOptions{}
	fs.StringVar(&opts.ID, "id", "", "Revision id (random when empty)")
	fs.StringVar(&opts.Label, "label", "", "Short description")
	fs.StringVar(&opts.Deploy, "deploy", "", "Initial deploy script")
	fs.StringVar(&opts.Revert, "revert", "", "Initial revert script")
	root := fs.Bool("root", false, "Create a root revision even when others exist")
	fs.Func("parent", "Parent revision id (repeatable, default: the single head)", func(v string) error {
		opts.Parents = append(opts.Parents, v)
		return nil
	})
	if err := parse(fs, args); err != nil {
		return err
	}

	g, repo, err := a.loadGraph(ctx)
	if err != nil {
		return err
	}
	if len(opts.Parents) == 0 && !*root {
		switch heads := g.Heads(); len(heads) {
		case 0:
		case 1:
			opts.Parents = heads
		default:
			return fmt.Errorf("%w: several heads (%s); pass -parent or run merge", errUsage, strings.Join(heads, ", "))
		}
	}

	rev, err := repo.Add(ctx, opts)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "Created %s\n", rev.Source)
	return nil
}

func (a *app) merge(ctx context.Context, args []string) error {
	fs := a.flagSet("merge", "[-id id] [-label text]")
	opts := repository.AddOptions{}
	fs.StringVar(&opts.ID, "id", "", "Revision id (random when empty)")
	fs.StringVar(&opts.Label, "label", "", "Short description")
	if err := parse(fs, args); err != nil {
		return err
	}
	repo, err := repository.Open(a.cfg.RevisionsDir)
	if err != nil {
		return err
	}

	rev, err := repo.Merge(ctx, opts)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "Created %s merging %s\n", rev.Source, strings.Join(rev.Parents, ", "))
	return nil
}

func (a *app) rebase(ctx context.Context, args []string) error {
	fs := a.flagSet("rebase", "<revision> <onto>")
	if err := parse(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		fs.Usage()
		return fmt.Errorf("%w: rebase takes a revision and a head", errUsage)
	}
	repo, err := repository.Open(a.cfg.RevisionsDir)
	if err != nil {
		return err
	}

	rev, err := repo.Rebase(ctx, fs.Arg(0), fs.Arg(1))
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "%s now follows %s\n", rev.ID, strings.Join(rev.Parents, ", "))
	return nil
}

// ----------------------------- Wiring -----------------------------

func (a *app) loadGraph(ctx context.Context) (*graph.Graph, *repository.Repository, error) {
	repo, err := repository.Open(a.cfg.RevisionsDir)
	if err != nil {
		return nil, nil, err
	}
	g, err := graph.BuildFrom(repo.Discover(ctx))
	if err != nil {
		return nil, nil, err
	}
	a.logger.Debug("revision graph loaded", "dir", repo.Root(), "revisions", g.Len(), "heads", g.Heads())
	return g, repo, nil
}

type environment struct {
	db       *sql.DB
	engine   *engine.Engine
	locker   state.Locker
	recorder *metrics.Recorder
}

func (e *environment) close() {
	e.db.Close()
}

func (e *environment) writeMetrics(path string) error {
	if path == "" {
		return nil
	}
	return e.recorder.WriteTextfile(path)
}

func (a *app) openEngine(ctx context.Context) (*environment, error) {
	db, err := openDB(ctx, a.cfg, a.logger)
	if err != nil {
		return nil, err
	}

	dialect := a.cfg.Dialect()
	tracker, err := state.NewSQLTracker(db, dialect, state.WithTable(a.cfg.StateTable))
	if err != nil {
		db.Close()
		return nil, err
	}
	locker, err := state.NewLocker(db, dialect, a.cfg.LockTable, nil)
	if err != nil {
		db.Close()
		return nil, err
	}

	recorder := metrics.NewRecorder()
	eng := engine.New(db, tracker, locker, engine.WithLogger(a.logger), engine.WithMetrics(recorder))
	return &environment{db: db, engine: eng, locker: locker, recorder: recorder}, nil
}

func openDB(ctx context.Context, cfg config.Config, logger *slog.Logger) (*sql.DB, error) {
	retry := persistence.DefaultRetryConfig()
	retry.MaxElapsedTime = cfg.ConnectTimeout

	if cfg.Dialect() == state.Postgres {
		pgCfg := postgres.DefaultConfig(cfg.DSN)
		pgCfg.StatementTimeout = cfg.StatementTimeout
		return postgres.Open(ctx, pgCfg, retry, logger)
	}

	sqliteCfg := sqlite.DefaultConfig(cfg.DSN)
	sqliteCfg.BusyTimeout = cfg.BusyTimeout
	return sqlite.Open(ctx, sqliteCfg, retry, logger)
}

// ----------------------------- Output -----------------------------

func (a *app) printPlan(plan resolver.Plan) error {
	if plan.Empty() {
		fmt.Fprintln(a.stdout, "Nothing to do.")
		return nil
	}
	w := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "#\tDIRECTION\tREVISION\tLABEL")
	for i, step := range plan.Steps {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", i+1, step.Direction, step.Revision.ID, step.Revision.Label)
	}
	if len(plan.JoinPoints) > 0 {
		fmt.Fprintf(w, "\njoin points: %s\n", strings.Join(plan.JoinPoints, ", "))
	}
	return w.Flush()
}

func (a *app) printReport(report engine.Report) error {
	if len(report.Results) == 0 {
		return nil
	}
	w := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STATUS\tDIRECTION\tREVISION\tDURATION")
	for _, res := range report.Results {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", res.Status, res.Step.Direction, res.Step.Revision.ID, res.Duration.Round(time.Millisecond))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if !report.DryRun {
		fmt.Fprintf(a.stdout, "%d of %d step(s) committed.\n", report.Completed(), len(report.Plan.Steps))
	}
	return nil
}

func targets(args []string) []string {
	if len(args) == 0 {
		return []string{resolver.Head}
	}
	return args
}

func joinOrNone(ids []string) string {
	if len(ids) == 0 {
		return "(none)"
	}
	return strings.Join(ids, ", ")
}

func short(sum string) string {
	if len(sum) > 12 {
		return sum[:12]
	}
	return sum
}

// Command syncq inspects and operates a sync-engine action queue: list what
// is pending, conflicted or dead, settle conflicts, requeue dead letters and
// run drain passes against the configured server.
//
// Store selection follows SYNC_QUEUE_DRIVER / SYNC_QUEUE_DSN and can be
// overridden per invocation with --driver / --dsn.
package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/WedSync/sync-engine/pkg/config"
	"github.com/WedSync/sync-engine/pkg/conflict"
	"github.com/WedSync/sync-engine/pkg/engine"
	"github.com/WedSync/sync-engine/pkg/queue"

	_ "github.com/lib/pq" // Postgres driver
	_ "modernc.org/sqlite"
)

const version = "0.2.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "stats":
		return runStats(args[2:], stdout, stderr)
	case "pending":
		return runPending(args[2:], stdout, stderr)
	case "conflicted":
		return runConflicted(args[2:], stdout, stderr)
	case "dead":
		return runDead(args[2:], stdout, stderr)
	case "requeue":
		return runRequeue(args[2:], stdout, stderr)
	case "cancel":
		return runCancel(args[2:], stdout, stderr)
	case "decide":
		return runDecide(args[2:], stdout, stderr)
	case "drain":
		return runDrain(args[2:], stdout, stderr)
	case "migrate":
		return runMigrate(args[2:], stdout, stderr)
	case "version":
		fmt.Fprintf(stdout, "syncq %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

// ANSI colors for usage output.
const (
	colorReset = "\033[0m"
	colorBold  = "\033[1m"
	colorGreen = "\033[32m"
	colorCyan  = "\033[36m"
	colorGray  = "\033[37m"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%ssyncq %s%s\n", colorBold+colorCyan, version, colorReset)
	fmt.Fprintf(w, "%sOffline action queue operations%s\n", colorGray, colorReset)
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sUSAGE:%s\n", colorBold, colorReset)
	fmt.Fprintln(w, "  syncq <command> [flags] [args]")
	fmt.Fprintln(w, "")

	printSection(w, "INSPECT")
	printCommand(w, "stats", "Queue counts by status (--json)")
	printCommand(w, "pending", "List pending actions (--limit, --json)")
	printCommand(w, "conflicted", "List actions parked for a decision (--json)")
	printCommand(w, "dead", "List dead letters, newest first (--limit, --json)")

	printSection(w, "OPERATE")
	printCommand(w, "decide", "Settle a conflict: --keep-local | --accept-remote | --value '<json>' <id>")
	printCommand(w, "requeue", "Return a dead letter to the queue: requeue <id>")
	printCommand(w, "cancel", "Withdraw a pending action: cancel <id>")
	printCommand(w, "drain", "Run one drain pass against the configured server")

	printSection(w, "UTILITIES")
	printCommand(w, "migrate", "Create the Postgres queue schema")
	printCommand(w, "version", "Show version")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s%s:%s\n", colorBold+colorCyan, title, colorReset)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %s%-12s%s %s\n", colorGreen, name, colorReset, desc)
}

// storeFlags is the store selection shared by every queue command.
type storeFlags struct {
	driver string
	dsn    string
}

func (f *storeFlags) register(fs *flag.FlagSet) {
	cfg := config.Load()
	fs.StringVar(&f.driver, "driver", cfg.QueueDriver, "queue driver: sqlite or postgres")
	fs.StringVar(&f.dsn, "dsn", cfg.QueueDSN, "sqlite path or postgres connection string")
}

func (f *storeFlags) open() (queue.Store, func() error, error) {
	switch f.driver {
	case "sqlite":
		db, err := sql.Open("sqlite", f.dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite %s: %w", f.dsn, err)
		}
		store, err := queue.NewSQLiteStore(db)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return store, db.Close, nil
	case "postgres":
		db, err := sql.Open("postgres", f.dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		return queue.NewPostgresStore(db), db.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown driver %q (want sqlite or postgres)", f.driver)
	}
}

// actionView is the operator-facing shape of a queued action.
type actionView struct {
	ID         string          `json:"id"`
	Seq        int64           `json:"seq"`
	Op         string          `json:"op"`
	Entity     string          `json:"entity"`
	Endpoint   string          `json:"endpoint"`
	Status     string          `json:"status"`
	Strategy   string          `json:"strategy"`
	Attempts   int             `json:"attempts"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Remote     json.RawMessage `json:"remote,omitempty"`
}

func viewOf(a *queue.Action, withPayloads bool) actionView {
	v := actionView{
		ID:         a.ID,
		Seq:        a.Seq,
		Op:         a.Op,
		Entity:     a.Entity,
		Endpoint:   a.Endpoint,
		Status:     string(a.Status),
		Strategy:   a.Strategy.String(),
		Attempts:   a.Attempts,
		EnqueuedAt: a.EnqueuedAt,
	}
	if withPayloads {
		v.Payload = a.Payload
		v.Remote = a.Remote
	}
	return v
}

func runStats(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var sf storeFlags
	sf.register(fs)
	jsonOut := fs.Bool("json", false, "output as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	store, closeStore, err := sf.open()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer closeStore()

	stats, err := store.Stats(context.Background())
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if *jsonOut {
		out := map[string]int{
			"pending":    stats.Pending,
			"in_flight":  stats.InFlight,
			"conflicted": stats.Conflicted,
			"dead":       stats.Dead,
		}
		data, _ := json.MarshalIndent(out, "", "  ")
		fmt.Fprintln(stdout, string(data))
		return 0
	}

	fmt.Fprintf(stdout, "%-12s %d\n", "PENDING", stats.Pending)
	fmt.Fprintf(stdout, "%-12s %d\n", "IN_FLIGHT", stats.InFlight)
	fmt.Fprintf(stdout, "%-12s %d\n", "CONFLICTED", stats.Conflicted)
	fmt.Fprintf(stdout, "%-12s %d\n", "DEAD", stats.Dead)
	return 0
}

func runPending(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("pending", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var sf storeFlags
	sf.register(fs)
	limit := fs.Int("limit", 50, "maximum actions to list")
	jsonOut := fs.Bool("json", false, "output as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	store, closeStore, err := sf.open()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer closeStore()

	actions, err := store.Pending(context.Background(), *limit)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return printActions(stdout, actions, *jsonOut)
}

func runConflicted(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("conflicted", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var sf storeFlags
	sf.register(fs)
	jsonOut := fs.Bool("json", false, "output as JSON, including both payloads")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	store, closeStore, err := sf.open()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer closeStore()

	actions, err := store.Conflicted(context.Background())
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if *jsonOut {
		views := make([]actionView, 0, len(actions))
		for _, a := range actions {
			views = append(views, viewOf(a, true))
		}
		data, _ := json.MarshalIndent(views, "", "  ")
		fmt.Fprintln(stdout, string(data))
		return 0
	}

	if len(actions) == 0 {
		fmt.Fprintln(stdout, "no conflicted actions")
		return 0
	}
	for _, a := range actions {
		fmt.Fprintf(stdout, "%s  %s %s (%s, %d attempts)\n", a.ID, a.Op, a.Entity, a.Strategy, a.Attempts)
		fmt.Fprintf(stdout, "  local:  %s\n", compactJSON(a.Payload))
		fmt.Fprintf(stdout, "  remote: %s\n", compactJSON(a.Remote))
	}
	return 0
}

func runDead(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("dead", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var sf storeFlags
	sf.register(fs)
	limit := fs.Int("limit", 50, "maximum dead letters to list")
	jsonOut := fs.Bool("json", false, "output as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	store, closeStore, err := sf.open()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer closeStore()

	letters, err := store.DeadLetters(context.Background(), *limit)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if *jsonOut {
		type deadView struct {
			actionView
			Reason string    `json:"reason"`
			DeadAt time.Time `json:"dead_at"`
		}
		views := make([]deadView, 0, len(letters))
		for _, dl := range letters {
			views = append(views, deadView{actionView: viewOf(&dl.Action, true), Reason: dl.Reason, DeadAt: dl.DeadAt})
		}
		data, _ := json.MarshalIndent(views, "", "  ")
		fmt.Fprintln(stdout, string(data))
		return 0
	}

	if len(letters) == 0 {
		fmt.Fprintln(stdout, "no dead letters")
		return 0
	}
	for _, dl := range letters {
		fmt.Fprintf(stdout, "%s  %s %s (%d attempts, died %s)\n",
			dl.ID, dl.Op, dl.Entity, dl.Attempts, dl.DeadAt.Format(time.RFC3339))
		fmt.Fprintf(stdout, "  reason: %s\n", dl.Reason)
	}
	return 0
}

func printActions(stdout io.Writer, actions []*queue.Action, jsonOut bool) int {
	if jsonOut {
		views := make([]actionView, 0, len(actions))
		for _, a := range actions {
			views = append(views, viewOf(a, false))
		}
		data, _ := json.MarshalIndent(views, "", "  ")
		fmt.Fprintln(stdout, string(data))
		return 0
	}

	if len(actions) == 0 {
		fmt.Fprintln(stdout, "queue is empty")
		return 0
	}
	fmt.Fprintf(stdout, "%-36s %5s  %-8s %-20s %-8s %s\n", "ID", "SEQ", "OP", "ENTITY", "ATTEMPTS", "ENQUEUED")
	for _, a := range actions {
		fmt.Fprintf(stdout, "%-36s %5d  %-8s %-20s %-8d %s\n",
			a.ID, a.Seq, a.Op, a.Entity, a.Attempts, a.EnqueuedAt.Format(time.RFC3339))
	}
	return 0
}

func runRequeue(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("requeue", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var sf storeFlags
	sf.register(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	id := fs.Arg(0)
	if id == "" {
		fmt.Fprintln(stderr, "Usage: syncq requeue [flags] <action-id>")
		return 2
	}

	store, closeStore, err := sf.open()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer closeStore()

	if err := store.RequeueDead(context.Background(), id); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "requeued %s\n", id)
	return 0
}

func runCancel(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("cancel", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var sf storeFlags
	sf.register(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	id := fs.Arg(0)
	if id == "" {
		fmt.Fprintln(stderr, "Usage: syncq cancel [flags] <action-id>")
		return 2
	}

	store, closeStore, err := sf.open()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer closeStore()

	if err := store.Cancel(context.Background(), id); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "cancelled %s\n", id)
	return 0
}

func runDecide(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("decide", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var sf storeFlags
	sf.register(fs)
	keepLocal := fs.Bool("keep-local", false, "resubmit the queued local value as an overwrite")
	acceptRemote := fs.Bool("accept-remote", false, "adopt the server value and drop the action")
	value := fs.String("value", "", "resubmit this JSON value instead of either side")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	id := fs.Arg(0)

	choices := 0
	for _, set := range []bool{*keepLocal, *acceptRemote, *value != ""} {
		if set {
			choices++
		}
	}
	if id == "" || choices != 1 {
		fmt.Fprintln(stderr, "Usage: syncq decide [flags] (--keep-local | --accept-remote | --value '<json>') <action-id>")
		return 2
	}
	if *value != "" && !json.Valid([]byte(*value)) {
		fmt.Fprintln(stderr, "Error: --value is not valid JSON")
		return 2
	}

	store, closeStore, err := sf.open()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer closeStore()

	ctx := context.Background()
	a, err := store.Get(ctx, id)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if a.Status != queue.StatusConflicted {
		fmt.Fprintf(stderr, "Error: action is %s, not CONFLICTED\n", a.Status)
		return 1
	}

	switch {
	case *keepLocal:
		err = store.Resubmit(ctx, id, a.Payload, conflict.LastWriteWins)
	case *acceptRemote:
		err = store.Complete(ctx, id)
	default:
		err = store.Resubmit(ctx, id, json.RawMessage(*value), conflict.LastWriteWins)
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if *acceptRemote {
		fmt.Fprintf(stdout, "accepted remote value, dropped %s\n", id)
	} else {
		fmt.Fprintf(stdout, "resubmitted %s as last-write-wins\n", id)
	}
	return 0
}

func runDrain(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("drain", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfg := config.Load()
	profileName := fs.String("profile", cfg.ProfileName, "behavior profile name")
	profilesDir := fs.String("profiles-dir", cfg.ProfilesDir, "directory holding profile_<name>.yaml files")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	})))

	profile, err := config.LoadProfile(*profilesDir, *profileName)
	if err != nil {
		// The built-in default covers deployments that never wrote a
		// profile file; an explicitly named profile must exist.
		if *profileName != "default" {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		profile = config.DefaultProfile()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := engine.FromConfig(ctx, cfg, profile)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer eng.Close()

	res, err := eng.Drain(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "claimed %d: %d succeeded, %d resolved, %d deferred, %d requeued, %d dead\n",
		res.Claimed, res.Succeeded, res.Resolved, res.Deferred, res.Requeued, res.Dead)
	return 0
}

func runMigrate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfg := config.Load()
	dsn := fs.String("dsn", cfg.QueueDSN, "postgres connection string")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	db, err := sql.Open("postgres", *dsn)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer db.Close()

	if err := queue.NewPostgresStore(db).Migrate(context.Background()); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, "queue schema ready")
	return 0
}

func parseLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func compactJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "(none)"
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	s := buf.String()
	if len(s) > 120 {
		s = s[:117] + "..."
	}
	return s
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/loadsync/engine"
	"github.com/briangreenhill/loadsync/failure"
	"github.com/briangreenhill/loadsync/internal/config"
	"github.com/briangreenhill/loadsync/internal/jobs"
	"github.com/briangreenhill/loadsync/transport"
)

const version = "loadsync v0.1.0"

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	if err := runCLI(context.Background(), os.Args[1:], os.Stdout); err != nil {
		log.Fatal().Err(err).Msg("syncctl")
	}
}

func runCLI(ctx context.Context, args []string, out io.Writer) error {
	cmd := "status"
	if len(args) > 0 {
		cmd = args[0]
	}
	switch cmd {
	case "help", "--help", "-h":
		usage(out)
		return nil
	case "version", "--version", "-v":
		fmt.Fprintln(out, version)
		return nil
	case "status":
		return runStatus(ctx, out)
	case "sync":
		return runSync(ctx, out)
	case "trigger":
		return runTrigger(ctx, out)
	default:
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "Usage: syncctl [command]")
	fmt.Fprintln(out, "Commands:")
	fmt.Fprintln(out, "  status              Show connectivity, queue length and session (default)")
	fmt.Fprintln(out, "  sync                Run a sync cycle now and print the report")
	fmt.Fprintln(out, "  trigger             Request a sync through the task queue")
	fmt.Fprintln(out, "  version             Print the version")
	fmt.Fprintln(out, "Environment:")
	fmt.Fprintln(out, "  LOADSYNC_SYNCD_URL  Control API of syncd (default http://localhost:$LOADSYNC_PORT)")
	fmt.Fprintln(out, "  LOADSYNC_REDIS_ADDR Redis address used by trigger")
}

func controlClient() (*transport.Client, error) {
	base := os.Getenv("LOADSYNC_SYNCD_URL")
	if base == "" {
		cfg, err := config.Load()
		if err != nil {
			return nil, err
		}
		base = "http://localhost:" + cfg.Port
	}
	return transport.New(base, transport.WithTimeout(2*time.Minute), transport.WithUserAgent("syncctl"))
}

func call(ctx context.Context, method, path string, v any) (int, error) {
	c, err := controlClient()
	if err != nil {
		return 0, err
	}
	resp, err := c.Do(ctx, &transport.Request{Method: method, Path: path})
	if err != nil {
		return 0, err
	}
	if resp.Status >= 400 && resp.Status != http.StatusConflict {
		return resp.Status, fmt.Errorf("%s %s: %d %s", method, path, resp.Status, failure.MessageFromBody(resp.Body))
	}
	if v != nil && resp.OK() {
		if err := json.Unmarshal(resp.Body, v); err != nil {
			return resp.Status, fmt.Errorf("decode %s: %w", path, err)
		}
	}
	return resp.Status, nil
}

func runStatus(ctx context.Context, out io.Writer) error {
	var st engine.Status
	if _, err := call(ctx, http.MethodGet, "/status", &st); err != nil {
		return err
	}
	online := "offline"
	if st.Online {
		online = "online"
	}
	session := "none"
	if st.SessionActive {
		session = "active"
		if st.Subject != "" {
			session += " (" + st.Subject + ")"
		}
	}
	fmt.Fprintf(out, "connectivity: %s\n", online)
	fmt.Fprintf(out, "sync:         %s\n", st.SyncState)
	fmt.Fprintf(out, "queued:       %d\n", st.QueueLength)
	fmt.Fprintf(out, "session:      %s\n", session)
	fmt.Fprintf(out, "refreshes:    %d\n", st.Refreshes)
	return nil
}

type syncReport struct {
	Drained    int   `json:"drained"`
	Replayed   int   `json:"replayed"`
	Requeued   int   `json:"requeued"`
	Dropped    int   `json:"dropped"`
	DurationMS int64 `json:"duration_ms"`
}

func runSync(ctx context.Context, out io.Writer) error {
	var rep syncReport
	status, err := call(ctx, http.MethodPost, "/sync", &rep)
	if err != nil {
		return err
	}
	if status == http.StatusConflict {
		fmt.Fprintln(out, "sync already running")
		return nil
	}
	fmt.Fprintf(out, "drained %d, replayed %d, requeued %d, dropped %d in %dms\n",
		rep.Drained, rep.Replayed, rep.Requeued, rep.Dropped, rep.DurationMS)
	return nil
}

func runTrigger(ctx context.Context, out io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if !cfg.UsesRedis() {
		return fmt.Errorf("LOADSYNC_REDIS_ADDR is not set")
	}
	client := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer client.Close()

	queued, err := jobs.RequestSync(ctx, client, "syncctl")
	if err != nil {
		return err
	}
	if queued {
		fmt.Fprintln(out, "sync requested")
	} else {
		fmt.Fprintln(out, "sync already requested")
	}
	return nil
}

package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/loadsync/syncer"
)

const TaskSyncReplay = "sync:replay"

// QueueSync is the asynq queue sync requests are placed on
const QueueSync = "sync"

// coalesceWindow merges repeated requests into one task
const coalesceWindow = 30 * time.Second

// SyncReplayPayload carries no timestamp so identical requests share a
// uniqueness key.
type SyncReplayPayload struct {
	Reason string `json:"reason,omitempty"`
}

// Syncer runs one sync cycle
type Syncer interface {
	Sync(ctx context.Context) (syncer.Report, bool)
}

func NewSyncReplayTask(reason string) (*asynq.Task, error) {
	payload, err := json.Marshal(SyncReplayPayload{Reason: reason})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSyncReplay, payload), nil
}

// RequestSync enqueues a sync request. Requests within the coalesce
// window collapse into one; a collapsed request reports ok=false.
func RequestSync(ctx context.Context, client *asynq.Client, reason string) (ok bool, err error) {
	task, err := NewSyncReplayTask(reason)
	if err != nil {
		return false, err
	}
	_, err = client.EnqueueContext(ctx, task,
		asynq.Queue(QueueSync),
		asynq.Unique(coalesceWindow),
		asynq.MaxRetry(3),
	)
	if errors.Is(err, asynq.ErrDuplicateTask) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", TaskSyncReplay, err)
	}
	return true, nil
}

// HandleSyncReplay runs a sync cycle for each task. Replay failures are
// requeued by the cycle itself so the task always succeeds once the
// payload decodes.
func HandleSyncReplay(s Syncer, log zerolog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var p SyncReplayPayload
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			log.Error().Err(err).Msg("bad sync payload")
			return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
		}
		log.Info().Str("reason", p.Reason).Msg("sync requested")
		rep, ran := s.Sync(ctx)
		if !ran {
			log.Info().Msg("sync already running; request absorbed")
			return nil
		}
		log.Info().Int("replayed", rep.Replayed).Int("requeued", rep.Requeued).
			Dur("duration", rep.Duration).Msg("sync task done")
		return nil
	}
}

// NewServeMux routes sync tasks to s
func NewServeMux(s Syncer, log zerolog.Logger) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskSyncReplay, HandleSyncReplay(s, log))
	return mux
}

// NewServer creates the worker server for the sync queue
func NewServer(redisAddr string, log zerolog.Logger) *asynq.Server {
	return asynq.NewServer(asynq.RedisClientOpt{Addr: redisAddr}, asynq.Config{
		// one cycle at a time; the coordinator would absorb the rest anyway
		Concurrency: 1,
		Queues: map[string]int{
			QueueSync: 10,
		},
		Logger:   asynqLogger{log},
		LogLevel: asynq.WarnLevel,
	})
}

// asynqLogger adapts zerolog to asynq.Logger
type asynqLogger struct{ l zerolog.Logger }

func (a asynqLogger) Debug(args ...interface{}) { a.l.Debug().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Info(args ...interface{})  { a.l.Info().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Warn(args ...interface{})  { a.l.Warn().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Error(args ...interface{}) { a.l.Error().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Fatal(args ...interface{}) { a.l.Fatal().Msg(fmt.Sprint(args...)) }

var _ asynq.Logger = asynqLogger{}

package timeout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/calderapay/fraudflow-backend/pkg/config"
	"github.com/calderapay/fraudflow-backend/pkg/logger"
)

// TaskTypeFraudCheckTimeout is the asynq task type for scheduled fraud-check
// timeouts.
const TaskTypeFraudCheckTimeout = "fraud:check:timeout"

type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type taskRemover interface {
	DeleteTask(queue, id string) error
}

// Scheduler arms durable, Redis-backed delayed messages. A scheduled timeout
// survives process restarts: the token identifies the pending task so a later
// completion can cancel it.
type Scheduler struct {
	client    enqueuer
	inspector taskRemover
	queue     string
	logg      *logger.Logger
}

// New builds a scheduler backed by asynq on the given Redis connection.
func New(opt asynq.RedisClientOpt, queue string, logg *logger.Logger) (*Scheduler, error) {
	if queue == "" {
		return nil, errors.New("timeout queue name is required")
	}
	return &Scheduler{
		client:    asynq.NewClient(opt),
		inspector: asynq.NewInspector(opt),
		queue:     queue,
		logg:      logg,
	}, nil
}

// RedisOpt derives the asynq connection options from the shared Redis config.
func RedisOpt(cfg config.RedisConfig) (asynq.RedisClientOpt, error) {
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return asynq.RedisClientOpt{}, fmt.Errorf("parsing redis url: %w", err)
		}
		return asynq.RedisClientOpt{
			Addr:      parsed.Addr,
			Password:  parsed.Password,
			DB:        parsed.DB,
			TLSConfig: parsed.TLSConfig,
		}, nil
	}
	if cfg.Address == "" {
		return asynq.RedisClientOpt{}, errors.New("redis url or address is required")
	}
	return asynq.RedisClientOpt{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	}, nil
}

// Schedule arms a timeout that delivers payload after delay. The returned
// token cancels the pending delivery; it is also used as the task id so a
// double-schedule with the same token cannot enqueue twice.
func (s *Scheduler) Schedule(ctx context.Context, correlationKey string, delay time.Duration, payload any) (string, error) {
	if correlationKey == "" {
		return "", errors.New("correlation key is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal timeout payload: %w", err)
	}
	token := uuid.NewString()
	task := asynq.NewTask(TaskTypeFraudCheckTimeout, data)
	_, err = s.client.EnqueueContext(ctx, task,
		asynq.TaskID(token),
		asynq.Queue(s.queue),
		asynq.ProcessIn(delay),
	)
	if err != nil {
		return "", fmt.Errorf("enqueue timeout: %w", err)
	}
	if s.logg != nil {
		logCtx := s.logg.WithFields(ctx, map[string]any{
			"timeout_token":   token,
			"correlation_key": correlationKey,
			"delay":           delay.String(),
		})
		s.logg.Info(logCtx, "fraud check timeout armed")
	}
	return token, nil
}

// Cancel removes a pending timeout. Cancelling a token that already fired or
// was already cancelled is a no-op, not an error: races between a completion
// event and an in-flight timeout are resolved by state in the saga handler.
func (s *Scheduler) Cancel(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	err := s.inspector.DeleteTask(s.queue, token)
	if err == nil {
		return nil
	}
	if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
		return nil
	}
	return fmt.Errorf("cancel timeout %s: %w", token, err)
}

// NewServer builds the asynq server that consumes scheduled timeouts. The
// caller registers a handler for TaskTypeFraudCheckTimeout on a ServeMux.
func NewServer(opt asynq.RedisClientOpt, queue string, concurrency int) *asynq.Server {
	if concurrency <= 0 {
		concurrency = 5
	}
	return asynq.NewServer(opt, asynq.Config{
		Queues:      map[string]int{queue: 1},
		Concurrency: concurrency,
	})
}

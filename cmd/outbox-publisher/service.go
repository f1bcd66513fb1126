package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/calderapay/fraudflow-backend/pkg/config"
	"github.com/calderapay/fraudflow-backend/pkg/db/models"
	"github.com/calderapay/fraudflow-backend/pkg/enums"
	"github.com/calderapay/fraudflow-backend/pkg/logger"
	"github.com/calderapay/fraudflow-backend/pkg/metrics"
	"github.com/calderapay/fraudflow-backend/pkg/outbox/registry"
)

const (
	defaultBatchSize      = 20
	defaultPollMs         = 1000
	defaultPublishTimeout = 15 * time.Second
	defaultMaxAttempts    = 10
	defaultLockLease      = 30 * time.Second
	defaultRetryBase      = 2 * time.Second
	defaultRetryMax       = 5 * time.Minute
	unregisteredDefer     = 5 * time.Minute
	maxBackoff            = 10 * time.Second
	jitterWindow          = 250 * time.Millisecond
)

var jitterSource = rand.New(rand.NewSource(time.Now().UnixNano()))

type dbClient interface {
	Ping(context.Context) error
	WithTx(context.Context, func(tx *gorm.DB) error) error
}

type pubSubClient interface {
	Ping(context.Context) error
	Publisher(name string) *gcppubsub.Publisher
}

type outboxRepository interface {
	ClaimBatch(tx *gorm.DB, limit int, lockedBy string, lease time.Duration, now time.Time) ([]models.OutboxMessage, error)
	MarkPublished(ctx context.Context, id uuid.UUID, now time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, publishErr error, nextAttemptAt time.Time) error
	MarkPoisoned(ctx context.Context, id uuid.UUID, publishErr error, now time.Time) error
	Release(ctx context.Context, id uuid.UUID, nextAttemptAt time.Time) error
}

type dlqRepository interface {
	Insert(ctx context.Context, entry models.OutboxDLQ) error
}

type registryResolver interface {
	Resolve(models.OutboxMessage) (*registry.ResolvedEvent, error)
}

type publisherFactory func(topic string) publisher

type publisher interface {
	Publish(context.Context, *gcppubsub.Message) publishResult
}

type publishResult interface {
	Get(context.Context) (string, error)
}

type ServiceParams struct {
	Config           *config.Config
	Logger           *logger.Logger
	DB               dbClient
	PubSub           pubSubClient
	Repository       outboxRepository
	Registry         registryResolver
	PublisherFactory publisherFactory
	DLQRepository    dlqRepository
	Metrics          *metrics.OutboxMetrics
	InstanceID       string
}

// Service drains the outbox. Each cycle claims a batch of due rows under a
// lease, publishes them outside the claiming transaction and stamps the
// per-row outcome. A crash between publish and MarkPublished re-delivers the
// event after the lease expires, which is why every consumer dedups on the
// envelope event id.
type Service struct {
	cfg              *config.Config
	logg             *logger.Logger
	db               dbClient
	repo             outboxRepository
	pubsub           pubSubClient
	registry         registryResolver
	dlq              dlqRepository
	metrics          *metrics.OutboxMetrics
	publisherFactory publisherFactory
	instanceID       string
	batchSize        int
	maxAttempts      int
	pollInterval     time.Duration
	lockLease        time.Duration
	retryBaseDelay   time.Duration
	retryMaxDelay    time.Duration
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Config == nil {
		return nil, errors.New("config is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.DB == nil {
		return nil, errors.New("database client is required")
	}
	if params.PubSub == nil {
		return nil, errors.New("pubsub client is required")
	}
	if params.Repository == nil {
		return nil, errors.New("outbox repository is required")
	}
	if params.Registry == nil {
		return nil, errors.New("event registry is required")
	}
	if params.DLQRepository == nil {
		return nil, errors.New("dlq repository is required")
	}

	factory := params.PublisherFactory
	if factory == nil {
		factory = func(topic string) publisher {
			publisher := params.PubSub.Publisher(topic)
			if publisher == nil {
				return nil
			}
			return newGCPPubPublisher(publisher)
		}
	}

	instanceID := params.InstanceID
	if instanceID == "" {
		instanceID = "outbox-publisher"
	}

	batch := params.Config.Outbox.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	pollMs := params.Config.Outbox.PollIntervalMS
	if pollMs <= 0 {
		pollMs = defaultPollMs
	}
	maxAttempts := params.Config.Outbox.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	lease := params.Config.Outbox.LockLease
	if lease <= 0 {
		lease = defaultLockLease
	}
	retryBase := params.Config.Outbox.RetryBaseDelay
	if retryBase <= 0 {
		retryBase = defaultRetryBase
	}
	retryMax := params.Config.Outbox.RetryMaxDelay
	if retryMax <= 0 {
		retryMax = defaultRetryMax
	}

	return &Service{
		cfg:              params.Config,
		logg:             params.Logger,
		db:               params.DB,
		repo:             params.Repository,
		pubsub:           params.PubSub,
		registry:         params.Registry,
		dlq:              params.DLQRepository,
		metrics:          params.Metrics,
		publisherFactory: factory,
		instanceID:       instanceID,
		batchSize:        batch,
		maxAttempts:      maxAttempts,
		pollInterval:     time.Duration(pollMs) * time.Millisecond,
		lockLease:        lease,
		retryBaseDelay:   retryBase,
		retryMaxDelay:    retryMax,
	}, nil
}

func (s *Service) ensureReadiness(ctx context.Context) error {
	if err := pingDependency(ctx, s.logg, "database", s.db.Ping); err != nil {
		return err
	}
	if err := pingDependency(ctx, s.logg, "pubsub", s.pubsub.Ping); err != nil {
		return err
	}
	return nil
}

func pingDependency(ctx context.Context, logg *logger.Logger, name string, fn func(context.Context) error) error {
	if err := fn(ctx); err != nil {
		logg.Error(ctx, fmt.Sprintf("%s ping failed", name), err)
		return fmt.Errorf("%s ping failed: %w", name, err)
	}
	return nil
}

func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := s.ensureReadiness(ctx); err != nil {
		return err
	}

	interval := s.pollInterval
	if interval <= 0 {
		interval = time.Duration(defaultPollMs) * time.Millisecond
	}
	backoff := interval

	for {
		select {
		case <-ctx.Done():
			s.logg.Info(ctx, "outbox publisher context canceled")
			return ctx.Err()
		default:
		}

		processed, err := s.processBatch(ctx)
		if err != nil {
			s.logg.Error(ctx, "outbox publisher batch error", err)
			backoff = nextBackoff(backoff, interval, maxBackoff)
			if err := s.sleep(ctx, withJitter(backoff)); err != nil {
				return err
			}
			continue
		}

		backoff = interval

		if processed {
			continue
		}

		if err := s.sleep(ctx, withJitter(interval)); err != nil {
			return err
		}
	}
}

// processBatch claims due rows in a short transaction, then publishes and
// stamps outcomes on the claimed rows outside it. Holding the claim
// transaction open across network publishes would pin row locks for the
// whole batch.
func (s *Service) processBatch(ctx context.Context) (bool, error) {
	started := time.Now().UTC()

	var claimed []models.OutboxMessage
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		rows, err := s.repo.ClaimBatch(tx, s.batchSize, s.instanceID, s.lockLease, started)
		if err != nil {
			return err
		}
		claimed = rows
		return nil
	})
	if err != nil {
		return false, err
	}
	if len(claimed) == 0 {
		return false, nil
	}

	for _, message := range claimed {
		if err := s.processMessage(ctx, message); err != nil {
			return true, err
		}
	}

	s.metrics.ObserveBatch(len(claimed), time.Since(started))
	return true, nil
}

func (s *Service) processMessage(ctx context.Context, message models.OutboxMessage) error {
	resolved, err := s.registry.Resolve(message)
	if err != nil {
		if errors.Is(err, registry.ErrUnregisteredType) {
			// An unknown type usually means a version skew during deploy.
			// Leave the row unpublished and step over it for a while.
			ctxWithFields := s.logg.WithFields(ctx, s.eventFields(message, "", ""))
			s.logg.Warn(s.logg.WithField(ctxWithFields, "error", err.Error()), "skipping unregistered event type")
			return s.repo.Release(ctx, message.ID, time.Now().UTC().Add(unregisteredDefer))
		}
		return s.poison(ctx, message, enums.OutboxDLQReasonNonRetryable, err, "")
	}

	topic := resolved.Descriptor.Topic
	fields := s.eventFields(message, resolved.Envelope.EventID, topic)

	if err := s.publishResolved(ctx, message, resolved); err != nil {
		var nonRetry registry.NonRetryableError
		if errors.As(err, &nonRetry) {
			return s.poison(ctx, message, enums.OutboxDLQReasonNonRetryable, err, topic)
		}

		nextAttempt := message.AttemptCount + 1
		if nextAttempt >= s.maxAttempts {
			return s.poison(ctx, message, enums.OutboxDLQReasonMaxAttempts, fmt.Errorf("max publish attempts reached: %w", err), topic)
		}

		fields["attempt_count"] = nextAttempt
		ctxWithFields := s.logg.WithFields(ctx, fields)
		s.logg.Warn(s.logg.WithField(ctxWithFields, "error", err.Error()), "outbox publish failed")
		s.metrics.IncFailed(string(message.EventType))
		nextAttemptAt := time.Now().UTC().Add(s.retryDelay(message.AttemptCount))
		if markErr := s.repo.MarkFailed(ctx, message.ID, err, nextAttemptAt); markErr != nil {
			return fmt.Errorf("mark failure %s: %w", message.ID, markErr)
		}
		return nil
	}

	if markErr := s.repo.MarkPublished(ctx, message.ID, time.Now().UTC()); markErr != nil {
		return fmt.Errorf("mark published %s: %w", message.ID, markErr)
	}
	s.metrics.IncPublished(string(message.EventType))
	s.logg.Info(s.logg.WithFields(ctx, fields), "outbox event published")
	return nil
}

// poison removes the row from the publishing pool and copies it to the DLQ.
func (s *Service) poison(ctx context.Context, message models.OutboxMessage, reason enums.OutboxDLQErrorReason, err error, topic string) error {
	fields := s.eventFields(message, "", topic)
	fields["error_reason"] = reason
	ctxWithFields := s.logg.WithFields(ctx, fields)
	s.logg.Warn(s.logg.WithField(ctxWithFields, "error", err.Error()), "outbox event will not be retried")

	now := time.Now().UTC()
	entry := models.OutboxDLQ{
		MessageID:     message.ID,
		EventType:     message.EventType,
		Payload:       message.Payload,
		CorrelationID: message.CorrelationID,
		ErrorReason:   reason,
		ErrorMessage:  dlqErrorMessage(err),
		AttemptCount:  message.AttemptCount + 1,
		FailedAt:      now,
	}
	if dlqErr := s.dlq.Insert(ctx, entry); dlqErr != nil {
		return fmt.Errorf("insert dlq %s: %w", message.ID, dlqErr)
	}
	if markErr := s.repo.MarkPoisoned(ctx, message.ID, err, now); markErr != nil {
		return fmt.Errorf("mark poisoned %s: %w", message.ID, markErr)
	}
	s.metrics.IncPoisoned(string(message.EventType), string(reason))
	return nil
}

func dlqErrorMessage(err error) *string {
	if err == nil {
		return nil
	}
	msg := err.Error()
	return &msg
}

func (s *Service) publishResolved(ctx context.Context, message models.OutboxMessage, resolved *registry.ResolvedEvent) error {
	topic := resolved.Descriptor.Topic
	pub := s.publisherFactory(topic)
	if pub == nil {
		return registry.NewNonRetryableError(fmt.Errorf("publisher not configured for topic %s", topic))
	}

	msg := &gcppubsub.Message{
		Data: message.Payload,
		Attributes: map[string]string{
			"event_id":       resolved.Envelope.EventID,
			"event_type":     string(message.EventType),
			"correlation_id": message.CorrelationID,
			"occurred_at":    message.OccurredAt.Format(time.RFC3339Nano),
		},
	}

	publishCtx, cancel := context.WithTimeout(ctx, defaultPublishTimeout)
	defer cancel()
	result := pub.Publish(publishCtx, msg)
	if result == nil {
		return registry.NewNonRetryableError(fmt.Errorf("publisher returned nil for topic %s", topic))
	}
	if _, err := result.Get(publishCtx); err != nil {
		return err
	}
	return nil
}

// retryDelay doubles per attempt from the configured base, capped at the
// configured ceiling.
func (s *Service) retryDelay(attemptCount int) time.Duration {
	delay := s.retryBaseDelay
	for i := 0; i < attemptCount; i++ {
		delay *= 2
		if delay >= s.retryMaxDelay {
			return s.retryMaxDelay
		}
	}
	if delay > s.retryMaxDelay {
		return s.retryMaxDelay
	}
	return delay
}

func (s *Service) eventFields(message models.OutboxMessage, eventID, topic string) map[string]any {
	fields := map[string]any{
		"outbox_id":      message.ID.String(),
		"event_type":     message.EventType,
		"correlation_id": message.CorrelationID,
		"batch_size":     s.batchSize,
		"attempt_count":  message.AttemptCount,
	}
	if eventID != "" {
		fields["event_id"] = eventID
	}
	if topic != "" {
		fields["topic"] = topic
	}
	if message.LastError != nil {
		fields["last_error"] = *message.LastError
	}
	return fields
}

func (s *Service) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func nextBackoff(current, base, max time.Duration) time.Duration {
	if current <= 0 {
		current = base
	}
	next := current * 2
	if next > max {
		return max
	}
	return next
}

func withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	jitter := time.Duration(jitterSource.Int63n(int64(jitterWindow)))
	return d + jitter
}

func newGCPPubPublisher(p *gcppubsub.Publisher) publisher {
	if p == nil {
		return nil
	}
	return &gcpPublisher{Publisher: p}
}

type gcpPublisher struct {
	*gcppubsub.Publisher
}

func (p *gcpPublisher) Publish(ctx context.Context, msg *gcppubsub.Message) publishResult {
	if p == nil || p.Publisher == nil {
		return nil
	}
	return &gcpPublishResult{PublishResult: p.Publisher.Publish(ctx, msg)}
}

type gcpPublishResult struct {
	*gcppubsub.PublishResult
}

func (r *gcpPublishResult) Get(ctx context.Context) (string, error) {
	if r == nil || r.PublishResult == nil {
		return "", errors.New("publish result is nil")
	}
	return r.PublishResult.Get(ctx)
}

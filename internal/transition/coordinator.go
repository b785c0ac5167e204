// Package transition moves records from one secret manager to another in
// the background.
//
// Every task runs through the states Pending, Decrypting, Encrypting and
// then Swapped or Failed. Tasks for the same record never run concurrently,
// and the record is only rewritten through an atomic swap that checks it is
// still on the source config, so a failed or raced task leaves it untouched.
package transition

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"github.com/systmms/dsvault/internal/logging"
	"github.com/systmms/dsvault/internal/metrics"
	"github.com/systmms/dsvault/internal/secure"
	"github.com/systmms/dsvault/internal/storage"
	"github.com/systmms/dsvault/pkg/secret"
)

// Codec performs the cryptographic half of a transition. The secret store
// implements it with its retry policy and blob handling.
type Codec interface {
	// RevealRecord returns the plaintext of rec under its current config.
	RevealRecord(ctx context.Context, rec *secret.EncryptedRecord) ([]byte, error)

	// SealRecord encrypts plaintext under config toID and returns a copy of
	// rec carrying the new ciphertext fields.
	SealRecord(ctx context.Context, rec *secret.EncryptedRecord, plaintext []byte, toID string) (*secret.EncryptedRecord, error)

	// DiscardRecord removes the external secret or blob rec points at.
	DiscardRecord(ctx context.Context, rec *secret.EncryptedRecord) error
}

// Records is the storage the coordinator needs.
type Records interface {
	GetRecord(ctx context.Context, accountID, id string) (*secret.EncryptedRecord, error)
	SwapRecord(ctx context.Context, accountID, id, expectedKmsID string, fn func(*secret.EncryptedRecord) error) error
	AppendChangeLog(ctx context.Context, log *secret.SecretChangeLog) error
}

// Config tunes a Coordinator.
type Config struct {
	Workers     int
	MaxAttempts int
	RetryDelay  time.Duration

	// StatusHistory is how many task statuses Status can still answer for.
	StatusHistory int
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		Workers:       4,
		MaxAttempts:   3,
		RetryDelay:    time.Second,
		StatusHistory: 10000,
	}
}

// Coordinator consumes a Queue with a pool of workers. It is itself a Queue:
// tasks enqueued through it are tracked for Status and Drain.
type Coordinator struct {
	queue   Queue
	records Records
	codec   Codec
	cfg     Config
	logger  *logging.Logger
	metrics *metrics.Recorder
	now     func() time.Time

	status *lru.Cache

	locksMu sync.Mutex
	locks   map[string]*recordLock

	mu          sync.Mutex
	outstanding int
	idle        chan struct{}
	running     bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

type recordLock struct {
	mu   sync.Mutex
	refs int
}

var _ Queue = (*Coordinator)(nil)

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Recorder) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// New creates a coordinator. Call Start to run workers.
func New(queue Queue, records Records, codec Codec, cfg Config, opts ...Option) *Coordinator {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	if cfg.StatusHistory <= 0 {
		cfg.StatusHistory = def.StatusHistory
	}
	status, _ := lru.New(cfg.StatusHistory)

	c := &Coordinator{
		queue:   queue,
		records: records,
		codec:   codec,
		cfg:     cfg,
		logger:  logging.NewNop(),
		metrics: metrics.NewRecorder(),
		now:     time.Now,
		status:  status,
		locks:   make(map[string]*recordLock),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Enqueue assigns ids to tasks without one, marks them Pending and hands
// them to the queue.
func (c *Coordinator) Enqueue(ctx context.Context, tasks ...secret.TransitionTask) error {
	for i := range tasks {
		if tasks[i].ID == "" {
			tasks[i].ID = uuid.NewString()
		}
		tasks[i].State = secret.StatePending
		c.setStatus(tasks[i])
	}

	c.mu.Lock()
	c.outstanding += len(tasks)
	c.mu.Unlock()

	// Tasks go one at a time so a failure releases only those never queued.
	for i := range tasks {
		if err := c.queue.Enqueue(ctx, tasks[i]); err != nil {
			for _, t := range tasks[i:] {
				t.State = secret.StateFailed
				t.LastError = err.Error()
				c.setStatus(t)
			}
			c.finish(len(tasks) - i)
			return fmt.Errorf("failed to enqueue %d of %d transition task(s): %w", len(tasks)-i, len(tasks), err)
		}
	}
	return nil
}

func (c *Coordinator) Dequeue(ctx context.Context) (secret.TransitionTask, error) {
	return c.queue.Dequeue(ctx)
}

// Status returns the last known state of a task.
func (c *Coordinator) Status(taskID string) (secret.TransitionTask, bool) {
	v, ok := c.status.Get(taskID)
	if !ok {
		return secret.TransitionTask{}, false
	}
	return v.(secret.TransitionTask), true
}

// Recent returns the tracked tasks, oldest first.
func (c *Coordinator) Recent() []secret.TransitionTask {
	keys := c.status.Keys()
	out := make([]secret.TransitionTask, 0, len(keys))
	for _, k := range keys {
		if v, ok := c.status.Peek(k); ok {
			out = append(out, v.(secret.TransitionTask))
		}
	}
	return out
}

// Start launches the workers. It is a no-op when already running.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.running = true

	ctx, c.cancel = context.WithCancel(ctx)
	for i := 0; i < c.cfg.Workers; i++ {
		c.wg.Add(1)
		go c.worker(ctx)
	}
	c.logger.Zap().Debug("transition workers started", zap.Int("workers", c.cfg.Workers))
}

// Stop cancels the workers. Tasks in flight finish their current step and
// are marked Failed if they could not complete.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel := c.cancel
	c.mu.Unlock()

	cancel()
}

// Wait blocks until every worker has exited.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Drain blocks until every task enqueued through the coordinator reached a
// terminal state.
func (c *Coordinator) Drain(ctx context.Context) error {
	for {
		c.mu.Lock()
		if c.outstanding == 0 {
			c.mu.Unlock()
			return nil
		}
		if c.idle == nil {
			c.idle = make(chan struct{})
		}
		idle := c.idle
		c.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Coordinator) finish(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outstanding -= n
	if c.outstanding <= 0 {
		c.outstanding = 0
		if c.idle != nil {
			close(c.idle)
			c.idle = nil
		}
	}
}

func (c *Coordinator) worker(ctx context.Context) {
	defer c.wg.Done()
	for {
		task, err := c.queue.Dequeue(ctx)
		if err != nil {
			return
		}
		c.process(ctx, task)
	}
}

func (c *Coordinator) lock(entityID string) func() {
	c.locksMu.Lock()
	l, ok := c.locks[entityID]
	if !ok {
		l = &recordLock{}
		c.locks[entityID] = l
	}
	l.refs++
	c.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		c.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.locks, entityID)
		}
		c.locksMu.Unlock()
	}
}

func (c *Coordinator) process(ctx context.Context, task secret.TransitionTask) {
	defer c.finish(1)
	unlock := c.lock(task.EntityID)
	defer unlock()

	log := c.logger.Zap().With(
		zap.String("task", task.ID),
		zap.String("account", task.AccountID),
		zap.String("record", task.EntityID),
		zap.String("from", task.FromID),
		zap.String("to", task.ToID),
	)

	var err error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		task.Attempts = attempt
		if err = c.run(ctx, &task, log); err == nil {
			return
		}
		log.Warn("transition attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		if attempt == c.cfg.MaxAttempts || ctx.Err() != nil {
			break
		}
		select {
		case <-time.After(c.cfg.RetryDelay):
		case <-ctx.Done():
		}
	}

	task.LastError = err.Error()
	c.transitionTo(&task, secret.StateFailed)
	log.Error("transition failed", zap.Int("attempts", task.Attempts), zap.Error(err))
}

func (c *Coordinator) run(ctx context.Context, task *secret.TransitionTask, log *zap.Logger) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec, err := c.records.GetRecord(ctx, task.AccountID, task.EntityID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		log.Debug("record is gone, nothing to transition")
		c.transitionTo(task, secret.StateSwapped)
		return nil
	case err != nil:
		return fmt.Errorf("failed to load record: %w", err)
	}
	if rec.KmsID == task.ToID || rec.KmsID != task.FromID || rec.IsReference() {
		log.Debug("record is not on the source secret manager, nothing to transition", zap.String("kmsId", rec.KmsID))
		c.transitionTo(task, secret.StateSwapped)
		return nil
	}

	c.transitionTo(task, secret.StateDecrypting)
	plaintext, err := c.codec.RevealRecord(ctx, rec)
	if err != nil {
		return fmt.Errorf("failed to decrypt under %s: %w", task.FromID, err)
	}
	defer secure.Zero(plaintext)

	c.transitionTo(task, secret.StateEncrypting)
	sealed, err := c.codec.SealRecord(ctx, rec, plaintext, task.ToID)
	if err != nil {
		return fmt.Errorf("failed to encrypt under %s: %w", task.ToID, err)
	}

	now := c.now().UTC()
	err = c.records.SwapRecord(ctx, task.AccountID, task.EntityID, task.FromID, func(r *secret.EncryptedRecord) error {
		if r.EncryptedValue != rec.EncryptedValue || r.EncryptionKey != rec.EncryptionKey {
			return storage.ErrConflict
		}
		r.EncryptionType = sealed.EncryptionType
		r.KmsID = sealed.KmsID
		r.EncryptionKey = sealed.EncryptionKey
		r.EncryptedValue = sealed.EncryptedValue
		r.Base64Encoded = sealed.Base64Encoded
		r.UpdatedAt = now
		r.UpdatedBy = secret.SystemActor.UserID
		return nil
	})
	// Configs addressing the same external location share one copy; it must
	// survive on whichever side keeps it.
	shared := rec.SharesExternalCopy(sealed)
	if err != nil {
		if !shared {
			if derr := c.codec.DiscardRecord(ctx, sealed); derr != nil {
				log.Warn("failed to remove ciphertext of an aborted transition", zap.Error(derr))
			}
		}
		return fmt.Errorf("failed to swap record: %w", err)
	}
	c.transitionTo(task, secret.StateSwapped)

	if !shared {
		if err := c.codec.DiscardRecord(ctx, rec); err != nil {
			log.Warn("failed to remove the source copy after transition", zap.Error(err))
		}
	}

	if err := c.records.AppendChangeLog(ctx, &secret.SecretChangeLog{
		ID:              uuid.NewString(),
		AccountID:       task.AccountID,
		EncryptedDataID: task.EntityID,
		Description:     fmt.Sprintf("Transitioned from %s to %s", task.FromType, task.ToType),
		User:            secret.SystemActor.UserID,
		CreatedAt:       now,
	}); err != nil {
		log.Warn("failed to write change log", zap.Error(err))
	}
	log.Info("record transitioned", zap.String("fromType", string(task.FromType)), zap.String("toType", string(task.ToType)))
	return nil
}

func (c *Coordinator) transitionTo(task *secret.TransitionTask, state secret.TransitionState) {
	task.State = state
	c.setStatus(*task)
	c.metrics.RecordTransition(string(state))
}

func (c *Coordinator) setStatus(task secret.TransitionTask) {
	c.status.Add(task.ID, task)
}

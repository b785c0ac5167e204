package backends

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/systmms/dsvault/pkg/secret"
)

// ConfigResolver returns a config with its credentials decrypted.
type ConfigResolver interface {
	ResolveByID(ctx context.Context, accountID, id string) (*secret.SecretManagerConfig, error)
}

// RenewalStore records successful renewals.
type RenewalStore interface {
	UpdateRenewedAt(ctx context.Context, id string, at time.Time) error
}

// RenewerConfig tunes the renewal loop.
type RenewerConfig struct {
	// Interval applies to configs without a renewIntervalHours setting.
	Interval time.Duration
	Attempts int
	Backoff  time.Duration
}

// DefaultRenewerConfig renews hourly with three attempts a second apart.
func DefaultRenewerConfig() RenewerConfig {
	return RenewerConfig{Interval: time.Hour, Attempts: 3, Backoff: time.Second}
}

// Renewer keeps Vault credentials fresh with one goroutine per config.
type Renewer struct {
	vault    *Vault
	resolver ConfigResolver
	store    RenewalStore
	obs      Observer
	cfg      RenewerConfig
	now      func() time.Time

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewRenewer creates a Renewer. Nothing runs until Watch is called.
func NewRenewer(v *Vault, resolver ConfigResolver, store RenewalStore, obs Observer, cfg RenewerConfig) *Renewer {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	return &Renewer{
		vault:    v,
		resolver: resolver,
		store:    store,
		obs:      obs,
		cfg:      cfg,
		now:      time.Now,
		cancels:  make(map[string]context.CancelFunc),
	}
}

func (r *Renewer) interval(sm *secret.SecretManagerConfig) time.Duration {
	if h := sm.Setting("renewIntervalHours", ""); h != "" {
		if hours, err := strconv.ParseFloat(h, 64); err == nil && hours > 0 {
			return time.Duration(hours * float64(time.Hour))
		}
	}
	return r.cfg.Interval
}

// Watch starts renewing sm in the background, replacing any existing loop
// for the same config.
func (r *Renewer) Watch(ctx context.Context, sm *secret.SecretManagerConfig) {
	if sm.EncryptionType != secret.EncryptionVault {
		return
	}
	interval := r.interval(sm)
	if interval <= 0 {
		return
	}

	r.mu.Lock()
	if cancel, ok := r.cancels[sm.ID]; ok {
		cancel()
	}
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancels[sm.ID] = cancel
	r.mu.Unlock()

	accountID, id := sm.AccountID, sm.ID
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				_ = r.RenewNow(loopCtx, accountID, id)
			}
		}
	}()
}

// Unwatch stops the loop of one config.
func (r *Renewer) Unwatch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cancel, ok := r.cancels[id]; ok {
		cancel()
		delete(r.cancels, id)
	}
}

// Stop cancels every loop and waits for them to exit.
func (r *Renewer) Stop() {
	r.mu.Lock()
	for id, cancel := range r.cancels {
		cancel()
		delete(r.cancels, id)
	}
	r.mu.Unlock()
	r.wg.Wait()
}

// RenewNow renews one config, retrying, and records the outcome. A final
// failure is logged and counted but leaves the current client in place.
func (r *Renewer) RenewNow(ctx context.Context, accountID, id string) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(r.cfg.Backoff), uint64(r.cfg.Attempts-1)),
		ctx,
	)
	err := backoff.Retry(func() error {
		sm, err := r.resolver.ResolveByID(ctx, accountID, id)
		if err != nil {
			return backoff.Permanent(err)
		}
		return r.vault.Renew(ctx, sm)
	}, policy)

	r.obs.Metrics.RecordVaultRenewal(id, err)
	if err != nil {
		r.obs.Logger.Zap().Error("vault token renewal failed",
			zap.String("config", id),
			zap.String("account", accountID),
			zap.Error(err),
		)
		return err
	}

	if err := r.store.UpdateRenewedAt(ctx, id, r.now()); err != nil {
		r.obs.Logger.Zap().Warn("failed to record vault renewal", zap.String("config", id), zap.Error(err))
	}
	r.obs.Logger.Zap().Debug("vault token renewed", zap.String("config", id))
	return nil
}

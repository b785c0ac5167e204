package backends

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"

	"github.com/systmms/dsvault/pkg/secret"
)

// clientPool keeps one SDK client per secret manager config. A client is
// rebuilt when the config's settings or credentials change.
type clientPool[T any] struct {
	mu      sync.Mutex
	build   func(ctx context.Context, cfg *secret.SecretManagerConfig) (T, error)
	closeFn func(T)
	entries map[string]pooledClient[T]
}

type pooledClient[T any] struct {
	fingerprint string
	client      T
}

func newClientPool[T any](build func(context.Context, *secret.SecretManagerConfig) (T, error), closeFn func(T)) *clientPool[T] {
	return &clientPool[T]{build: build, closeFn: closeFn, entries: make(map[string]pooledClient[T])}
}

func (p *clientPool[T]) get(ctx context.Context, cfg *secret.SecretManagerConfig) (T, error) {
	fp := fingerprint(cfg)

	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.entries[cfg.ID]; ok && e.fingerprint == fp {
		return e.client, nil
	}
	client, err := p.build(ctx, cfg)
	if err != nil {
		var zero T
		return zero, err
	}
	if old, ok := p.entries[cfg.ID]; ok && p.closeFn != nil {
		p.closeFn(old.client)
	}
	p.entries[cfg.ID] = pooledClient[T]{fingerprint: fp, client: client}
	return client, nil
}

func (p *clientPool[T]) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, e := range p.entries {
		if p.closeFn != nil {
			p.closeFn(e.client)
		}
		delete(p.entries, id)
	}
}

func fingerprint(cfg *secret.SecretManagerConfig) string {
	h := sha256.New()
	writeMap := func(m map[string]string) {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			h.Write([]byte(k))
			h.Write([]byte{0})
			h.Write([]byte(m[k]))
			h.Write([]byte{0})
		}
	}
	writeMap(cfg.Settings)
	h.Write([]byte{1})
	writeMap(cfg.Secrets)
	return hex.EncodeToString(h.Sum(nil))
}

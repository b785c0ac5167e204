// Package restrictions decides who may see a secret and how its usage
// restrictions may change.
package restrictions

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/systmms/dsvault/pkg/secret"
)

// Validator is consulted by the secret store before reads, listings and
// restriction changes.
type Validator interface {
	// HasAccess reports whether a caller in sc may use a secret carrying r.
	HasAccess(ctx context.Context, accountID string, isAccountAdmin bool, sc secret.ScopeContext, r *secret.UsageRestrictions) bool

	// ValidateOnUpdate rejects a restriction change the caller may not make.
	ValidateOnUpdate(ctx context.Context, accountID string, isAccountAdmin bool, oldR, newR *secret.UsageRestrictions) error

	// ValidateNoOrphanedReferences rejects restrictions that would exclude
	// an entity that already references the secret.
	ValidateNoOrphanedReferences(ctx context.Context, accountID string, references []string, newR *secret.UsageRestrictions) error
}

// ScopeResolver returns the scope an entity that references secrets lives in.
type ScopeResolver interface {
	ScopeOf(ctx context.Context, accountID, entityID string) (secret.Scope, bool, error)
}

// ScopeValidator is the default Validator. Restrictions are a list of
// app/env scopes; an empty field matches anything and nil restrictions make
// a secret account-wide.
type ScopeValidator struct {
	resolver ScopeResolver
}

var _ Validator = (*ScopeValidator)(nil)

// NewScopeValidator creates a validator. With a nil resolver, references
// are never considered orphaned.
func NewScopeValidator(resolver ScopeResolver) *ScopeValidator {
	return &ScopeValidator{resolver: resolver}
}

func (v *ScopeValidator) HasAccess(ctx context.Context, accountID string, isAccountAdmin bool, sc secret.ScopeContext, r *secret.UsageRestrictions) bool {
	if isAccountAdmin || r == nil {
		return true
	}
	for _, s := range r.Scopes {
		if s.Matches(sc) {
			return true
		}
	}
	return false
}

func (v *ScopeValidator) ValidateOnUpdate(ctx context.Context, accountID string, isAccountAdmin bool, oldR, newR *secret.UsageRestrictions) error {
	if newR != nil && len(newR.Scopes) == 0 {
		return secret.ValidationError{Field: "usageRestrictions", Message: "at least one scope is required; omit restrictions to make the secret account-wide"}
	}
	if isAccountAdmin || oldR == nil {
		return nil
	}
	if newR == nil {
		return secret.AuthorizationError{Message: "only account administrators can make a secret account-wide"}
	}
	for _, s := range newR.Scopes {
		if !coveredBy(s, oldR.Scopes) {
			return secret.AuthorizationError{Message: fmt.Sprintf("scope %s widens the secret's current restrictions", describe(s))}
		}
	}
	return nil
}

func (v *ScopeValidator) ValidateNoOrphanedReferences(ctx context.Context, accountID string, references []string, newR *secret.UsageRestrictions) error {
	if newR == nil || v.resolver == nil || len(references) == 0 {
		return nil
	}

	var orphaned []string
	for _, id := range references {
		scope, ok, err := v.resolver.ScopeOf(ctx, accountID, id)
		if err != nil {
			return fmt.Errorf("failed to resolve scope of %s: %w", id, err)
		}
		if !ok {
			continue
		}
		if !coveredBy(scope, newR.Scopes) {
			orphaned = append(orphaned, id)
		}
	}
	if len(orphaned) > 0 {
		sort.Strings(orphaned)
		return secret.ValidationError{
			Field:   "usageRestrictions",
			Message: "the new restrictions exclude entities that reference this secret: " + strings.Join(orphaned, ", "),
		}
	}
	return nil
}

func coveredBy(s secret.Scope, scopes []secret.Scope) bool {
	for _, candidate := range scopes {
		if candidate.Covers(s) {
			return true
		}
	}
	return false
}

func describe(s secret.Scope) string {
	app, env := s.AppID, s.EnvID
	if app == "" {
		app = "*"
	}
	if env == "" {
		env = "*"
	}
	return app + "/" + env
}

// StaticScopes is a ScopeResolver backed by a map, filled from the config
// file or by tests.
type StaticScopes struct {
	mu     sync.RWMutex
	scopes map[string]secret.Scope
}

// NewStaticScopes creates a resolver over scopes, keyed by entity id.
func NewStaticScopes(scopes map[string]secret.Scope) *StaticScopes {
	s := &StaticScopes{scopes: make(map[string]secret.Scope, len(scopes))}
	for id, scope := range scopes {
		s.scopes[id] = scope
	}
	return s
}

// Set records the scope of an entity.
func (s *StaticScopes) Set(entityID string, scope secret.Scope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scopes[entityID] = scope
}

func (s *StaticScopes) ScopeOf(ctx context.Context, accountID, entityID string) (secret.Scope, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	scope, ok := s.scopes[entityID]
	return scope, ok, nil
}

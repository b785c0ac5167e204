package fakes

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	vaultapi "github.com/hashicorp/vault/api"
)

// FakeVaultServer is an in-memory Vault with a KV engine, token auth and
// AppRole login. Paths of the form "<engine>/data/..." and
// "<engine>/metadata/..." use KV v2 semantics; anything else is KV v1.
type FakeVaultServer struct {
	calls

	// RoleID and SecretID are the AppRole credentials login accepts.
	RoleID   string
	SecretID string

	mu       sync.Mutex
	tokens   map[string]bool
	kv       map[string][]*fakeVaultVersion
	flat     map[string]map[string]interface{}
	issued   int
	clock    time.Time
	renewals int
}

type fakeVaultVersion struct {
	data    map[string]interface{}
	created time.Time
	deleted time.Time
}

// NewFakeVaultServer creates a server accepting the given static tokens.
func NewFakeVaultServer(tokens ...string) *FakeVaultServer {
	s := &FakeVaultServer{
		tokens: make(map[string]bool),
		kv:     make(map[string][]*fakeVaultVersion),
		flat:   make(map[string]map[string]interface{}),
		clock:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	for _, t := range tokens {
		s.tokens[t] = true
	}
	return s
}

// NewClient returns an unauthenticated client bound to the server.
func (s *FakeVaultServer) NewClient() *FakeVaultClient {
	return &FakeVaultClient{server: s}
}

// RevokeToken invalidates a token, as an expiry would.
func (s *FakeVaultServer) RevokeToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, token)
}

// Logins returns how many AppRole logins succeeded.
func (s *FakeVaultServer) Logins() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issued
}

// Renewals returns how many token renewals succeeded.
func (s *FakeVaultServer) Renewals() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.renewals
}

// Versions returns how many KV v2 versions exist at a data path.
func (s *FakeVaultServer) Versions(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.kv[path])
}

// SoftDelete marks the latest version at a data path deleted.
func (s *FakeVaultServer) SoftDelete(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if vs := s.kv[path]; len(vs) > 0 {
		vs[len(vs)-1].deleted = s.tick()
	}
}

// Put seeds a value at a KV v1 path or, for "<engine>/data/..." paths, a new
// KV v2 version.
func (s *FakeVaultServer) Put(path string, data map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := kvV2Path(path, "data"); ok {
		s.kv[path] = append(s.kv[path], &fakeVaultVersion{data: data, created: s.tick()})
		return
	}
	s.flat[path] = data
}

func (s *FakeVaultServer) tick() time.Time {
	s.clock = s.clock.Add(time.Minute)
	return s.clock
}

func denied() error {
	return &vaultapi.ResponseError{
		HTTPMethod: http.MethodGet,
		StatusCode: http.StatusForbidden,
		Errors:     []string{"permission denied"},
	}
}

// kvV2Path maps "<engine>/<kind>/<rest>" to "<engine>/data/<rest>".
func kvV2Path(path, kind string) (string, bool) {
	parts := strings.SplitN(path, "/", 3)
	if len(parts) < 3 || parts[1] != kind {
		return "", false
	}
	return parts[0] + "/data/" + parts[2], true
}

// FakeVaultClient is one client of a FakeVaultServer.
type FakeVaultClient struct {
	server *FakeVaultServer

	mu    sync.Mutex
	token string
}

func (c *FakeVaultClient) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

func (c *FakeVaultClient) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

func (c *FakeVaultClient) authorized() bool {
	token := c.Token()
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	return c.server.tokens[token]
}

func (c *FakeVaultClient) Read(ctx context.Context, path string) (*vaultapi.Secret, error) {
	s := c.server
	if err := s.record("Read"); err != nil {
		return nil, err
	}
	if !c.authorized() {
		return nil, denied()
	}

	if path == "auth/token/lookup-self" {
		return &vaultapi.Secret{Data: map[string]interface{}{"id": c.Token(), "renewable": true}}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if data, ok := kvV2Path(path, "data"); ok {
		vs := s.kv[data]
		if len(vs) == 0 || !vs[len(vs)-1].deleted.IsZero() {
			return nil, nil
		}
		latest := vs[len(vs)-1]
		return &vaultapi.Secret{Data: map[string]interface{}{
			"data": copyData(latest.data),
			"metadata": map[string]interface{}{
				"version":      len(vs),
				"created_time": latest.created.Format(time.RFC3339Nano),
			},
		}}, nil
	}

	if data, ok := kvV2Path(path, "metadata"); ok {
		vs := s.kv[data]
		if len(vs) == 0 {
			return nil, nil
		}
		versions := make(map[string]interface{}, len(vs))
		for i, v := range vs {
			meta := map[string]interface{}{
				"created_time":  v.created.Format(time.RFC3339Nano),
				"deletion_time": "",
				"destroyed":     false,
			}
			if !v.deleted.IsZero() {
				meta["deletion_time"] = v.deleted.Format(time.RFC3339Nano)
			}
			versions[strconv.Itoa(i+1)] = meta
		}
		return &vaultapi.Secret{Data: map[string]interface{}{
			"current_version": len(vs),
			"versions":        versions,
		}}, nil
	}

	data, ok := s.flat[path]
	if !ok {
		return nil, nil
	}
	return &vaultapi.Secret{Data: copyData(data)}, nil
}

func (c *FakeVaultClient) Write(ctx context.Context, path string, data map[string]interface{}) (*vaultapi.Secret, error) {
	s := c.server
	if err := s.record("Write"); err != nil {
		return nil, err
	}

	if strings.HasPrefix(path, "auth/") && strings.HasSuffix(path, "/login") {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.RoleID == "" || data["role_id"] != s.RoleID || data["secret_id"] != s.SecretID {
			return nil, &vaultapi.ResponseError{HTTPMethod: http.MethodPut, StatusCode: http.StatusBadRequest, Errors: []string{"invalid role or secret ID"}}
		}
		s.issued++
		token := fmt.Sprintf("approle-token-%d", s.issued)
		s.tokens[token] = true
		return &vaultapi.Secret{Auth: &vaultapi.SecretAuth{ClientToken: token, Renewable: true, LeaseDuration: 3600}}, nil
	}

	if !c.authorized() {
		return nil, denied()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := kvV2Path(path, "data"); ok {
		inner, _ := data["data"].(map[string]interface{})
		s.kv[path] = append(s.kv[path], &fakeVaultVersion{data: copyData(inner), created: s.tick()})
		return &vaultapi.Secret{Data: map[string]interface{}{"version": len(s.kv[path])}}, nil
	}
	s.flat[path] = copyData(data)
	return nil, nil
}

func (c *FakeVaultClient) Delete(ctx context.Context, path string) (*vaultapi.Secret, error) {
	s := c.server
	if err := s.record("Delete"); err != nil {
		return nil, err
	}
	if !c.authorized() {
		return nil, denied()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if data, ok := kvV2Path(path, "metadata"); ok {
		delete(s.kv, data)
		return nil, nil
	}
	if _, ok := kvV2Path(path, "data"); ok {
		if vs := s.kv[path]; len(vs) > 0 {
			vs[len(vs)-1].deleted = s.tick()
		}
		return nil, nil
	}
	delete(s.flat, path)
	return nil, nil
}

func (c *FakeVaultClient) RenewSelf(ctx context.Context, increment int) (*vaultapi.Secret, error) {
	s := c.server
	if err := s.record("RenewSelf"); err != nil {
		return nil, err
	}
	if !c.authorized() {
		return nil, denied()
	}
	token := c.Token()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.renewals++
	return &vaultapi.Secret{Auth: &vaultapi.SecretAuth{ClientToken: token, Renewable: true, LeaseDuration: 3600}}, nil
}

func copyData(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

package backends

import (
	"github.com/systmms/dsvault/internal/kmscache"
	"github.com/systmms/dsvault/internal/secure"
	"github.com/systmms/dsvault/pkg/backend"
)

// Options carries the shared dependencies and per-backend overrides used to
// build the full backend set.
type Options struct {
	MasterKey *secure.SecureBuffer
	KeyCache  *kmscache.Cache
	Observer  Observer

	KMS              []KMSOption
	GCPKMS           []GCPKMSOption
	Vault            []VaultOption
	SecretsManager   []SecretsManagerOption
	AzureKeyVault    []AzureKeyVaultOption
	GCPSecretManager []GCPSecretManagerOption
}

// Set is every backend dsvault supports, registered by encryption type.
type Set struct {
	Registry *backend.Registry
	Vault    *Vault

	gcpKMS *GCPKMS
	gcpSM  *GCPSecretManager
}

// NewSet builds all backends from opts.
func NewSet(opts Options) *Set {
	obs := opts.Observer
	if obs.Logger == nil || obs.Metrics == nil {
		obs = NewObserver(obs.Logger, obs.Metrics)
	}

	s := &Set{
		Vault:  NewVault(obs, opts.Vault...),
		gcpKMS: NewGCPKMS(obs, opts.GCPKMS...),
		gcpSM:  NewGCPSecretManager(obs, opts.GCPSecretManager...),
	}
	s.Registry = backend.NewRegistry(
		NewLocal(opts.MasterKey),
		NewKMS(opts.KeyCache, obs, opts.KMS...),
		s.gcpKMS,
		s.Vault,
		NewSecretsManager(obs, opts.SecretsManager...),
		NewAzureKeyVault(obs, opts.AzureKeyVault...),
		s.gcpSM,
	)
	return s
}

// Close releases pooled gRPC clients.
func (s *Set) Close() {
	s.gcpKMS.Close()
	s.gcpSM.Close()
}

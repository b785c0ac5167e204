package smconfig

import (
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/systmms/dsvault/pkg/secret"
)

//go:embed schemas/*.json
var schemaFS embed.FS

var schemaFiles = map[secret.EncryptionType]string{
	secret.EncryptionKMS:               "schemas/kms.json",
	secret.EncryptionGCPKMS:            "schemas/gcp_kms.json",
	secret.EncryptionVault:             "schemas/vault.json",
	secret.EncryptionAWSSecretsManager: "schemas/aws_secrets_manager.json",
	secret.EncryptionAzureVault:        "schemas/azure_vault.json",
	secret.EncryptionGCPSecretsManager: "schemas/gcp_secrets_manager.json",
}

var (
	schemaMu    sync.Mutex
	schemaCache = map[secret.EncryptionType]*gojsonschema.Schema{}
)

func schemaFor(t secret.EncryptionType) (*gojsonschema.Schema, error) {
	schemaMu.Lock()
	defer schemaMu.Unlock()

	if s, ok := schemaCache[t]; ok {
		return s, nil
	}
	file, ok := schemaFiles[t]
	if !ok {
		return nil, nil
	}
	raw, err := schemaFS.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings schema for %s: %w", t, err)
	}
	s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid settings schema for %s: %w", t, err)
	}
	schemaCache[t] = s
	return s, nil
}

// ValidateSettings checks settings against the schema of the backend type.
// Types without a schema accept anything.
func ValidateSettings(t secret.EncryptionType, settings map[string]string) error {
	s, err := schemaFor(t)
	if err != nil || s == nil {
		return err
	}
	if settings == nil {
		settings = map[string]string{}
	}
	doc, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings for validation: %w", err)
	}

	result, err := s.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if !result.Valid() {
		var msgs []string
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		return secret.ValidationError{Field: "settings", Message: strings.Join(msgs, "; ")}
	}
	return nil
}

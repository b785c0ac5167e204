package errors

import (
	"errors"
	"fmt"
	"strings"

	"github.com/systmms/dsvault/pkg/secret"
)

// UserError represents an error that should be shown to the user with helpful context
type UserError struct {
	Message    string
	Suggestion string
	Details    string
	Err        error
}

func (e UserError) Error() string {
	var parts []string

	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}

	if e.Details != "" {
		parts = append(parts, "\n  Details: "+e.Details)
	}

	if e.Suggestion != "" {
		parts = append(parts, "\n  💡 Try: "+e.Suggestion)
	}

	return strings.Join(parts, "")
}

func (e UserError) Unwrap() error {
	return e.Err
}

// ConfigError represents a configuration error with helpful context
type ConfigError struct {
	Field      string
	Value      interface{}
	Message    string
	Suggestion string
}

func (e ConfigError) Error() string {
	msg := "Configuration error"
	if e.Field != "" {
		msg += fmt.Sprintf(" in field '%s'", e.Field)
	}
	if e.Value != nil {
		msg += fmt.Sprintf(" (value: %v)", e.Value)
	}
	msg += ": " + e.Message

	if e.Suggestion != "" {
		msg += "\n  💡 " + e.Suggestion
	}

	return msg
}

// BackendError enhances backend-specific errors with context
func BackendError(backend secret.EncryptionType, operation string, err error) error {
	return UserError{
		Message:    fmt.Sprintf("%s secret manager error during %s", backend, operation),
		Suggestion: getBackendSuggestion(backend, err),
		Err:        err,
	}
}

// getBackendSuggestion returns helpful suggestions based on backend and error
func getBackendSuggestion(backend secret.EncryptionType, err error) string {
	errStr := err.Error()

	switch backend {
	case secret.EncryptionKMS:
		if strings.Contains(errStr, "AccessDenied") {
			return "Check IAM permissions for kms:GenerateDataKey and kms:Decrypt on the key"
		}
		if strings.Contains(errStr, "NotFoundException") {
			return "Verify the KMS key ARN and region of the secret manager"
		}
		if strings.Contains(errStr, "KeyUnavailable") || strings.Contains(errStr, "Disabled") {
			return "The KMS key is disabled or pending deletion. Re-enable it in the AWS console"
		}

	case secret.EncryptionVault:
		if strings.Contains(errStr, "permission denied") || strings.Contains(errStr, "403") {
			return "Check the Vault token or AppRole policy grants access to the secret engine"
		}
		if strings.Contains(errStr, "no handler for route") {
			return "Verify the secret engine name and version of the Vault secret manager"
		}

	case secret.EncryptionAWSSecretsManager:
		if strings.Contains(errStr, "credentials") || strings.Contains(errStr, "authorization") {
			return "Configure AWS credentials on the secret manager or set AWS_PROFILE"
		}
		if strings.Contains(errStr, "AccessDenied") {
			return "Check IAM permissions for secretsmanager:GetSecretValue and secretsmanager:PutSecretValue"
		}
		if strings.Contains(errStr, "ResourceNotFoundException") {
			return "Verify the secret name and region. List secrets with: 'aws secretsmanager list-secrets'"
		}
		if strings.Contains(errStr, "ThrottlingException") {
			return "AWS rate limit exceeded. Wait a moment and try again"
		}

	case secret.EncryptionAzureVault:
		if strings.Contains(errStr, "Forbidden") {
			return "Grant the service principal get/set/delete permissions on the Key Vault"
		}

	case secret.EncryptionGCPSecretsManager, secret.EncryptionGCPKMS:
		if strings.Contains(errStr, "PermissionDenied") {
			return "Check the service account has the required Secret Manager or Cloud KMS role"
		}
	}

	// Generic suggestions
	if strings.Contains(errStr, "timeout") {
		return "The operation timed out. Check your network connection and try again"
	}
	if strings.Contains(errStr, "connection refused") || strings.Contains(errStr, "no such host") {
		return "Unable to connect. Check your network and secret manager configuration"
	}

	return ""
}

// IsRetryable checks if an error message looks retryable. It is the fallback
// for SDK errors that carry no structured code.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"timeout",
		"temporary failure",
		"connection reset",
		"connection refused",
		"broken pipe",
		"rate limit",
		"throttling",
		"too many requests",
		"service unavailable",
	}

	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// Present turns an error from the secret store into one fit for a terminal
func Present(err error) error {
	if err == nil {
		return nil
	}

	var userErr UserError
	if errors.As(err, &userErr) {
		return err
	}
	var cfgErr ConfigError
	if errors.As(err, &cfgErr) {
		return err
	}

	switch secret.KindOf(err) {
	case secret.KindValidation:
		return UserError{Message: err.Error(), Err: err}
	case secret.KindNotFound:
		return UserError{
			Message:    err.Error(),
			Suggestion: "List existing secrets with 'dsvault secret list'",
			Err:        err,
		}
	case secret.KindAuthorization:
		return UserError{
			Message:    err.Error(),
			Suggestion: "Ask an account administrator to widen the usage restrictions",
			Err:        err,
		}
	case secret.KindTransient, secret.KindFatal:
		var fatal secret.BackendFatalError
		if errors.As(err, &fatal) {
			return BackendError(fatal.Backend, fatal.Op, err)
		}
		var transient secret.BackendTransientError
		if errors.As(err, &transient) {
			return BackendError(transient.Backend, transient.Op, err)
		}
	}

	return SimplifyError(err)
}

// SimplifyError simplifies complex error messages for users
func SimplifyError(err error) error {
	if err == nil {
		return nil
	}

	// Unwrap to get the root cause
	rootErr := err
	for {
		unwrapped := errors.Unwrap(rootErr)
		if unwrapped == nil {
			break
		}
		rootErr = unwrapped
	}

	errStr := rootErr.Error()

	if strings.Contains(errStr, "yaml:") {
		return ConfigError{
			Message:    "Invalid YAML format",
			Suggestion: "Check for indentation errors and missing quotes",
		}
	}

	if strings.Contains(errStr, "permission denied") {
		return UserError{
			Message:    "Permission denied",
			Suggestion: "Check file permissions or run with appropriate privileges",
			Err:        err,
		}
	}

	if strings.Contains(errStr, "no such file or directory") {
		return UserError{
			Message:    "File or directory not found",
			Suggestion: "Verify the path exists and is spelled correctly",
			Err:        err,
		}
	}

	// Return original error if we can't simplify it
	return err
}

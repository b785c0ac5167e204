package backends

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/aws/smithy-go"
	vaultapi "github.com/hashicorp/vault/api"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	dserrors "github.com/systmms/dsvault/internal/errors"
	"github.com/systmms/dsvault/pkg/secret"
)

var kmsTransientCodes = map[string]bool{
	"KMSInternalException":       true,
	"DependencyTimeoutException": true,
	"KeyUnavailableException":    true,
	"ThrottlingException":        true,
}

var secretsManagerFatalCodes = map[string]bool{
	"ResourceNotFoundException": true,
	"InvalidParameterException": true,
	"InvalidRequestException":   true,
	"AccessDeniedException":     true,
	"DecryptionFailure":         true,
	"ValidationException":       true,
}

// classify maps a raw SDK error onto the error taxonomy. Errors that already
// carry a taxonomy kind pass through.
func classify(backend secret.EncryptionType, op string, err error) error {
	if err == nil {
		return nil
	}
	if secret.KindOf(err) != secret.KindUnknown {
		return err
	}
	if isTransient(backend, err) {
		return secret.BackendTransientError{Backend: backend, Op: op, Err: err}
	}
	return secret.BackendFatalError{Backend: backend, Op: op, Err: err}
}

func isTransient(backend secret.EncryptionType, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		if backend == secret.EncryptionAWSSecretsManager {
			return !secretsManagerFatalCodes[code]
		}
		return kmsTransientCodes[code]
	}

	var vaultErr *vaultapi.ResponseError
	if errors.As(err, &vaultErr) {
		return transientStatus(vaultErr.StatusCode)
	}

	var azErr *azcore.ResponseError
	if errors.As(err, &azErr) {
		return transientStatus(azErr.StatusCode)
	}

	if st, ok := status.FromError(err); ok && st.Code() != codes.OK && st.Code() != codes.Unknown {
		switch st.Code() {
		case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Internal, codes.Aborted:
			return true
		}
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return dserrors.IsRetryable(err)
}

func transientStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}

func grpcNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

func azureNotFound(err error) bool {
	var azErr *azcore.ResponseError
	return errors.As(err, &azErr) && azErr.StatusCode == http.StatusNotFound
}

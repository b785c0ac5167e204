// Package backends implements backend.Backend for every encryption type
// dsvault supports.
//
// Remote SDK clients sit behind narrow interfaces (KMSClientAPI,
// SecretsManagerClientAPI, VaultClientAPI, ...) so tests can inject fakes
// through the functional options each constructor accepts. Real clients are
// built per secret manager config and reused until its settings or
// credentials change.
package backends

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/systmms/dsvault/internal/logging"
	"github.com/systmms/dsvault/internal/metrics"
	"github.com/systmms/dsvault/pkg/secret"
)

// Observer times, logs, records and classifies every remote call.
type Observer struct {
	Logger  *logging.Logger
	Metrics *metrics.Recorder
}

// NewObserver creates an Observer. Nil arguments fall back to no-ops.
func NewObserver(logger *logging.Logger, m *metrics.Recorder) Observer {
	if logger == nil {
		logger = logging.NewNop()
	}
	if m == nil {
		m = metrics.NewRecorder()
	}
	return Observer{Logger: logger, Metrics: m}
}

// call runs fn and returns its error classified for backend.
func (o Observer) call(ctx context.Context, backend secret.EncryptionType, op, record string, fn func(ctx context.Context) error) error {
	start := time.Now()
	err := classify(backend, op, fn(ctx))
	d := time.Since(start)

	if o.Metrics != nil {
		o.Metrics.RecordBackendCall(string(backend), op, err, d)
	}
	if o.Logger != nil {
		o.Logger.Zap().Debug("backend call",
			zap.String("operation", op),
			zap.String("backend", string(backend)),
			zap.String("record", record),
			zap.Duration("duration", d),
			zap.Error(err),
		)
	}
	return err
}

func encode(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func decode(backend secret.EncryptionType, field, s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, secret.BackendFatalError{Backend: backend, Op: "decode", Err: fmt.Errorf("%s is not valid base64: %w", field, err)}
	}
	return b, nil
}

func fatal(backend secret.EncryptionType, op string, err error) error {
	return secret.BackendFatalError{Backend: backend, Op: op, Err: err}
}

func referenceUnsupported(t secret.EncryptionType) error {
	return secret.ValidationError{Field: "path", Message: fmt.Sprintf("%s secret managers do not support secret references", t)}
}

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/systmms/dsvault/pkg/secret"
)

// Dialect selects placeholder and DDL syntax.
type Dialect int

const (
	Postgres Dialect = iota
	MySQL
)

var driverMap = map[string]Dialect{
	"postgresql": Postgres,
	"postgres":   Postgres,
	"mysql":      MySQL,
	"mariadb":    MySQL,
}

// DBConfig describes how to reach the SQL database. DSN wins over the
// individual connection fields when set.
type DBConfig struct {
	Driver   string `yaml:"driver"`
	DSN      string `yaml:"dsn,omitempty"`
	Host     string `yaml:"host,omitempty"`
	Port     string `yaml:"port,omitempty"`
	Name     string `yaml:"name,omitempty"`
	User     string `yaml:"user,omitempty"`
	Password string `yaml:"password,omitempty"`
	SSLMode  string `yaml:"sslmode,omitempty"`
}

// ParseDialect maps a driver alias to its dialect.
func ParseDialect(driver string) (Dialect, error) {
	d, ok := driverMap[strings.ToLower(driver)]
	if !ok {
		return 0, fmt.Errorf("unsupported database driver: %s", driver)
	}
	return d, nil
}

func (d Dialect) driverName() string {
	if d == MySQL {
		return "mysql"
	}
	return "postgres"
}

// ConnectionString builds the driver name and DSN for cfg.
func ConnectionString(cfg DBConfig) (string, string, error) {
	dialect, err := ParseDialect(cfg.Driver)
	if err != nil {
		return "", "", err
	}
	if cfg.DSN != "" {
		return dialect.driverName(), cfg.DSN, nil
	}

	switch dialect {
	case MySQL:
		mc := mysql.NewConfig()
		mc.User = cfg.User
		mc.Passwd = cfg.Password
		mc.Net = "tcp"
		mc.Addr = cfg.Host + ":" + defaultString(cfg.Port, "3306")
		mc.DBName = cfg.Name
		mc.ParseTime = true
		return "mysql", mc.FormatDSN(), nil
	default:
		parts := []string{
			fmt.Sprintf("host=%s", cfg.Host),
			fmt.Sprintf("port=%s", defaultString(cfg.Port, "5432")),
			fmt.Sprintf("dbname=%s", cfg.Name),
			fmt.Sprintf("user=%s", cfg.User),
		}
		if cfg.Password != "" {
			parts = append(parts, fmt.Sprintf("password=%s", cfg.Password))
		}
		parts = append(parts, fmt.Sprintf("sslmode=%s", defaultString(cfg.SSLMode, "require")))
		return "postgres", strings.Join(parts, " "), nil
	}
}

// SQL is a Store over database/sql.
type SQL struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// Open connects to the database described by cfg.
func Open(cfg DBConfig) (*SQL, error) {
	driver, dsn, err := ConnectionString(cfg)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}
	dialect, _ := ParseDialect(cfg.Driver)
	return NewSQL(db, dialect), nil
}

// NewSQL wraps an open database handle.
func NewSQL(db *sql.DB, dialect Dialect) *SQL {
	return &SQL{db: db, dialect: dialect, now: time.Now}
}

// Close closes the underlying handle.
func (s *SQL) Close() error {
	return s.db.Close()
}

// Ping verifies the connection.
func (s *SQL) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *SQL) rebind(query string) string {
	if s.dialect != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Migrate creates the dsvault tables if they do not exist.
func (s *SQL) Migrate(ctx context.Context) error {
	for _, stmt := range s.schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

func (s *SQL) schema() []string {
	ts, blobType := "TIMESTAMP", "BYTEA"
	if s.dialect == MySQL {
		ts, blobType = "DATETIME(6)", "LONGBLOB"
	}
	return []string{
		`CREATE TABLE IF NOT EXISTS encrypted_records (
	id VARCHAR(64) PRIMARY KEY,
	account_id VARCHAR(64) NOT NULL,
	name VARCHAR(255) NOT NULL,
	type VARCHAR(32) NOT NULL,
	encryption_type VARCHAR(32) NOT NULL,
	kms_id VARCHAR(64) NOT NULL,
	encryption_key TEXT,
	encrypted_value TEXT,
	path TEXT,
	parameters TEXT,
	usage_restrictions TEXT,
	parent_ids TEXT,
	file_size BIGINT NOT NULL DEFAULT 0,
	base64_encoded BOOLEAN NOT NULL DEFAULT FALSE,
	enabled BOOLEAN NOT NULL DEFAULT TRUE,
	created_at ` + ts + ` NOT NULL,
	created_by VARCHAR(255),
	updated_at ` + ts + ` NOT NULL,
	updated_by VARCHAR(255),
	UNIQUE (account_id, name)
)`,
		`CREATE TABLE IF NOT EXISTS secret_manager_configs (
	id VARCHAR(64) PRIMARY KEY,
	account_id VARCHAR(64) NOT NULL,
	name VARCHAR(255) NOT NULL,
	encryption_type VARCHAR(32) NOT NULL,
	is_default BOOLEAN NOT NULL DEFAULT FALSE,
	is_read_only BOOLEAN NOT NULL DEFAULT FALSE,
	templatized_fields TEXT,
	settings TEXT,
	credentials TEXT,
	created_at ` + ts + ` NOT NULL,
	renewed_at ` + ts + ` NULL
)`,
		`CREATE TABLE IF NOT EXISTS secret_change_logs (
	id VARCHAR(64) PRIMARY KEY,
	account_id VARCHAR(64) NOT NULL,
	encrypted_data_id VARCHAR(64) NOT NULL,
	description TEXT NOT NULL,
	user_id VARCHAR(255),
	external BOOLEAN NOT NULL DEFAULT FALSE,
	created_at ` + ts + ` NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS accounts (
	id VARCHAR(64) PRIMARY KEY,
	local_encryption_enabled BOOLEAN NOT NULL DEFAULT FALSE
)`,
		`CREATE TABLE IF NOT EXISTS blobs (
	id VARCHAR(64) PRIMARY KEY,
	account_id VARCHAR(64) NOT NULL,
	data ` + blobType + ` NOT NULL
)`,
	}
}

const recordColumns = "id, account_id, name, type, encryption_type, kms_id, encryption_key, encrypted_value, path, " +
	"parameters, usage_restrictions, parent_ids, file_size, base64_encoded, enabled, created_at, created_by, updated_at, updated_by"

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*secret.EncryptedRecord, error) {
	var (
		rec                                secret.EncryptedRecord
		key, value, path, createdBy, updBy sql.NullString
		params, restrictions, parents      sql.NullString
	)
	err := row.Scan(&rec.ID, &rec.AccountID, &rec.Name, &rec.Type, &rec.EncryptionType, &rec.KmsID,
		&key, &value, &path, &params, &restrictions, &parents,
		&rec.FileSize, &rec.Base64Encoded, &rec.Enabled, &rec.CreatedAt, &createdBy, &rec.UpdatedAt, &updBy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.EncryptionKey = key.String
	rec.EncryptedValue = value.String
	rec.Path = path.String
	rec.CreatedBy = createdBy.String
	rec.UpdatedBy = updBy.String
	if err := decodeJSON(params, &rec.Parameters); err != nil {
		return nil, err
	}
	if err := decodeJSON(restrictions, &rec.UsageRestrictions); err != nil {
		return nil, err
	}
	if err := decodeJSON(parents, &rec.ParentIDs); err != nil {
		return nil, err
	}
	return &rec, nil
}

func recordArgs(rec *secret.EncryptedRecord) ([]interface{}, error) {
	params, err := encodeJSON(rec.Parameters)
	if err != nil {
		return nil, err
	}
	restrictions, err := encodeJSON(rec.UsageRestrictions)
	if err != nil {
		return nil, err
	}
	parents, err := encodeJSON(rec.ParentIDs)
	if err != nil {
		return nil, err
	}
	return []interface{}{
		rec.ID, rec.AccountID, rec.Name, string(rec.Type), string(rec.EncryptionType), rec.KmsID,
		rec.EncryptionKey, rec.EncryptedValue, rec.Path, params, restrictions, parents,
		rec.FileSize, rec.Base64Encoded, rec.Enabled, rec.CreatedAt, rec.CreatedBy, rec.UpdatedAt, rec.UpdatedBy,
	}, nil
}

func (s *SQL) CreateRecord(ctx context.Context, rec *secret.EncryptedRecord) error {
	args, err := recordArgs(rec)
	if err != nil {
		return err
	}
	query := "INSERT INTO encrypted_records (" + recordColumns + ") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
	if _, err := s.db.ExecContext(ctx, s.rebind(query), args...); err != nil {
		if isDuplicate(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert record: %w", err)
	}
	return nil
}

func (s *SQL) GetRecord(ctx context.Context, accountID, id string) (*secret.EncryptedRecord, error) {
	row := s.db.QueryRowContext(ctx,
		s.rebind("SELECT "+recordColumns+" FROM encrypted_records WHERE id = ? AND account_id = ?"), id, accountID)
	return scanRecord(row)
}

func (s *SQL) GetRecordByName(ctx context.Context, accountID, name string) (*secret.EncryptedRecord, error) {
	row := s.db.QueryRowContext(ctx,
		s.rebind("SELECT "+recordColumns+" FROM encrypted_records WHERE account_id = ? AND name = ?"), accountID, name)
	return scanRecord(row)
}

func (s *SQL) UpdateRecord(ctx context.Context, rec *secret.EncryptedRecord) error {
	return s.updateRecord(ctx, s.db, rec)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (s *SQL) updateRecord(ctx context.Context, ex execer, rec *secret.EncryptedRecord) error {
	args, err := recordArgs(rec)
	if err != nil {
		return err
	}
	// Drop id and account_id from the SET list and append them to the WHERE clause.
	setArgs := append(args[2:], rec.ID, rec.AccountID)
	query := `UPDATE encrypted_records SET name = ?, type = ?, encryption_type = ?, kms_id = ?,
	encryption_key = ?, encrypted_value = ?, path = ?, parameters = ?, usage_restrictions = ?, parent_ids = ?,
	file_size = ?, base64_encoded = ?, enabled = ?, created_at = ?, created_by = ?, updated_at = ?, updated_by = ?
	WHERE id = ? AND account_id = ?`
	res, err := ex.ExecContext(ctx, s.rebind(query), setArgs...)
	if err != nil {
		if isDuplicate(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to update record: %w", err)
	}
	return requireAffected(res)
}

func (s *SQL) DeleteRecord(ctx context.Context, accountID, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind("DELETE FROM encrypted_records WHERE id = ? AND account_id = ?"), id, accountID)
	if err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	return requireAffected(res)
}

func (s *SQL) ListRecords(ctx context.Context, q RecordQuery) ([]*secret.EncryptedRecord, error) {
	var (
		where []string
		args  []interface{}
	)
	if q.AccountID != "" {
		where = append(where, "account_id = ?")
		args = append(args, q.AccountID)
	}
	if len(q.KmsIDs) > 0 {
		where = append(where, "kms_id IN ("+placeholders(len(q.KmsIDs))+")")
		for _, id := range q.KmsIDs {
			args = append(args, id)
		}
	}
	if len(q.Types) > 0 {
		where = append(where, "type IN ("+placeholders(len(q.Types))+")")
		for _, t := range q.Types {
			args = append(args, string(t))
		}
	}

	query := "SELECT " + recordColumns + " FROM encrypted_records"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	switch {
	case q.Limit > 0:
		query += " LIMIT ? OFFSET ?"
		args = append(args, q.Limit, q.Offset)
	case q.Offset > 0 && s.dialect == MySQL:
		query += " LIMIT 18446744073709551615 OFFSET ?"
		args = append(args, q.Offset)
	case q.Offset > 0:
		query += " OFFSET ?"
		args = append(args, q.Offset)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]*secret.EncryptedRecord, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQL) CountRecordsByKmsID(ctx context.Context, kmsID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind("SELECT COUNT(*) FROM encrypted_records WHERE kms_id = ?"), kmsID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return n, nil
}

func (s *SQL) SwapRecord(ctx context.Context, accountID, id, expectedKmsID string, fn func(*secret.EncryptedRecord) error) error {
	return s.withLockedRecord(ctx, accountID, id, func(rec *secret.EncryptedRecord) error {
		if rec.KmsID != expectedKmsID {
			return ErrConflict
		}
		return fn(rec)
	})
}

func (s *SQL) AddParent(ctx context.Context, accountID, id, parentID string) error {
	return s.withLockedRecord(ctx, accountID, id, func(rec *secret.EncryptedRecord) error {
		if !rec.HasParent(parentID) {
			rec.ParentIDs = append(rec.ParentIDs, parentID)
		}
		return nil
	})
}

func (s *SQL) RemoveParent(ctx context.Context, accountID, id, parentID string) error {
	return s.withLockedRecord(ctx, accountID, id, func(rec *secret.EncryptedRecord) error {
		rec.ParentIDs = removeString(rec.ParentIDs, parentID)
		return nil
	})
}

// withLockedRecord runs fn on a row held with SELECT ... FOR UPDATE and
// writes the result back in the same transaction.
func (s *SQL) withLockedRecord(ctx context.Context, accountID, id string, fn func(*secret.EncryptedRecord) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		s.rebind("SELECT "+recordColumns+" FROM encrypted_records WHERE id = ? AND account_id = ? FOR UPDATE"), id, accountID)
	rec, err := scanRecord(row)
	if err != nil {
		return err
	}
	if err := fn(rec); err != nil {
		return err
	}
	if err := s.updateRecord(ctx, tx, rec); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

const configColumns = "id, account_id, name, encryption_type, is_default, is_read_only, templatized_fields, settings, credentials, created_at, renewed_at"

func (s *SQL) SaveConfig(ctx context.Context, cfg *secret.SecretManagerConfig) error {
	templatized, err := encodeJSON(cfg.TemplatizedFields)
	if err != nil {
		return err
	}
	settings, err := encodeJSON(cfg.Settings)
	if err != nil {
		return err
	}
	creds, err := encodeJSON(cfg.Credentials)
	if err != nil {
		return err
	}
	var renewed sql.NullTime
	if !cfg.RenewedAt.IsZero() {
		renewed = sql.NullTime{Time: cfg.RenewedAt, Valid: true}
	}

	query := "INSERT INTO secret_manager_configs (" + configColumns + ") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
	if s.dialect == MySQL {
		query += ` ON DUPLICATE KEY UPDATE name = VALUES(name), encryption_type = VALUES(encryption_type),
	is_default = VALUES(is_default), is_read_only = VALUES(is_read_only), templatized_fields = VALUES(templatized_fields),
	settings = VALUES(settings), credentials = VALUES(credentials), renewed_at = VALUES(renewed_at)`
	} else {
		query += ` ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, encryption_type = EXCLUDED.encryption_type,
	is_default = EXCLUDED.is_default, is_read_only = EXCLUDED.is_read_only, templatized_fields = EXCLUDED.templatized_fields,
	settings = EXCLUDED.settings, credentials = EXCLUDED.credentials, renewed_at = EXCLUDED.renewed_at`
	}
	_, err = s.db.ExecContext(ctx, s.rebind(query),
		cfg.ID, cfg.AccountID, cfg.Name, string(cfg.EncryptionType), cfg.IsDefault, cfg.IsReadOnly,
		templatized, settings, creds, cfg.CreatedAt, renewed)
	if err != nil {
		return fmt.Errorf("failed to save secret manager: %w", err)
	}
	return nil
}

func scanConfig(row rowScanner) (*secret.SecretManagerConfig, error) {
	var (
		cfg                          secret.SecretManagerConfig
		templatized, settings, creds sql.NullString
		renewed                      sql.NullTime
	)
	err := row.Scan(&cfg.ID, &cfg.AccountID, &cfg.Name, &cfg.EncryptionType, &cfg.IsDefault, &cfg.IsReadOnly,
		&templatized, &settings, &creds, &cfg.CreatedAt, &renewed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if renewed.Valid {
		cfg.RenewedAt = renewed.Time
	}
	if err := decodeJSON(templatized, &cfg.TemplatizedFields); err != nil {
		return nil, err
	}
	if err := decodeJSON(settings, &cfg.Settings); err != nil {
		return nil, err
	}
	if err := decodeJSON(creds, &cfg.Credentials); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (s *SQL) GetConfig(ctx context.Context, id string) (*secret.SecretManagerConfig, error) {
	row := s.db.QueryRowContext(ctx, s.rebind("SELECT "+configColumns+" FROM secret_manager_configs WHERE id = ?"), id)
	return scanConfig(row)
}

func (s *SQL) ListConfigs(ctx context.Context, accountIDs []string) ([]*secret.SecretManagerConfig, error) {
	out := make([]*secret.SecretManagerConfig, 0)
	if len(accountIDs) == 0 {
		return out, nil
	}
	args := make([]interface{}, len(accountIDs))
	for i, id := range accountIDs {
		args[i] = id
	}
	query := "SELECT " + configColumns + " FROM secret_manager_configs WHERE account_id IN (" +
		placeholders(len(accountIDs)) + ") ORDER BY created_at DESC, id"
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list secret managers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

func (s *SQL) DeleteConfig(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind("DELETE FROM secret_manager_configs WHERE id = ?"), id)
	if err != nil {
		return fmt.Errorf("failed to delete secret manager: %w", err)
	}
	return requireAffected(res)
}

func (s *SQL) ClearDefault(ctx context.Context, accountID, keepID string) error {
	_, err := s.db.ExecContext(ctx,
		s.rebind("UPDATE secret_manager_configs SET is_default = ? WHERE account_id = ? AND id <> ?"),
		false, accountID, keepID)
	if err != nil {
		return fmt.Errorf("failed to clear default secret manager: %w", err)
	}
	return nil
}

func (s *SQL) UpdateRenewedAt(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.rebind("UPDATE secret_manager_configs SET renewed_at = ? WHERE id = ?"), at, id)
	if err != nil {
		return fmt.Errorf("failed to update renewal time: %w", err)
	}
	return requireAffected(res)
}

func (s *SQL) AppendChangeLog(ctx context.Context, log *secret.SecretChangeLog) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO secret_change_logs
	(id, account_id, encrypted_data_id, description, user_id, external, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`),
		log.ID, log.AccountID, log.EncryptedDataID, log.Description, log.User, log.External, log.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append change log: %w", err)
	}
	return nil
}

func (s *SQL) ListChangeLogs(ctx context.Context, accountID, recordID string) ([]*secret.SecretChangeLog, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT id, account_id, encrypted_data_id, description, user_id, external, created_at
	FROM secret_change_logs WHERE account_id = ? AND encrypted_data_id = ? ORDER BY created_at DESC, id DESC`), accountID, recordID)
	if err != nil {
		return nil, fmt.Errorf("failed to list change logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]*secret.SecretChangeLog, 0)
	for rows.Next() {
		var (
			l    secret.SecretChangeLog
			user sql.NullString
		)
		if err := rows.Scan(&l.ID, &l.AccountID, &l.EncryptedDataID, &l.Description, &user, &l.External, &l.CreatedAt); err != nil {
			return nil, err
		}
		l.User = user.String
		out = append(out, &l)
	}
	return out, rows.Err()
}

func (s *SQL) GetAccount(ctx context.Context, id string) (*secret.Account, error) {
	var a secret.Account
	err := s.db.QueryRowContext(ctx, s.rebind("SELECT id, local_encryption_enabled FROM accounts WHERE id = ?"), id).
		Scan(&a.ID, &a.LocalEncryptionEnabled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	return &a, nil
}

func (s *SQL) SaveAccount(ctx context.Context, account *secret.Account) error {
	query := "INSERT INTO accounts (id, local_encryption_enabled) VALUES (?, ?)"
	if s.dialect == MySQL {
		query += " ON DUPLICATE KEY UPDATE local_encryption_enabled = VALUES(local_encryption_enabled)"
	} else {
		query += " ON CONFLICT (id) DO UPDATE SET local_encryption_enabled = EXCLUDED.local_encryption_enabled"
	}
	if _, err := s.db.ExecContext(ctx, s.rebind(query), account.ID, account.LocalEncryptionEnabled); err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}

func (s *SQL) PutBlob(ctx context.Context, accountID string, data []byte) (string, error) {
	handle := uuid.NewString()
	_, err := s.db.ExecContext(ctx, s.rebind("INSERT INTO blobs (id, account_id, data) VALUES (?, ?, ?)"), handle, accountID, data)
	if err != nil {
		return "", fmt.Errorf("failed to store blob: %w", err)
	}
	return handle, nil
}

func (s *SQL) GetBlob(ctx context.Context, accountID, handle string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, s.rebind("SELECT data FROM blobs WHERE id = ? AND account_id = ?"), handle, accountID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load blob: %w", err)
	}
	return data, nil
}

func (s *SQL) DeleteBlob(ctx context.Context, accountID, handle string) error {
	res, err := s.db.ExecContext(ctx, s.rebind("DELETE FROM blobs WHERE id = ? AND account_id = ?"), handle, accountID)
	if err != nil {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return requireAffected(res)
}

func isDuplicate(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	return false
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func encodeJSON(v interface{}) (sql.NullString, error) {
	switch val := v.(type) {
	case []string:
		if val == nil {
			return sql.NullString{}, nil
		}
	case map[string]string:
		if val == nil {
			return sql.NullString{}, nil
		}
	case *secret.UsageRestrictions:
		if val == nil {
			return sql.NullString{}, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode column: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeJSON(col sql.NullString, dst interface{}) error {
	if !col.Valid || col.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(col.String), dst); err != nil {
		return fmt.Errorf("failed to decode column: %w", err)
	}
	return nil
}

func defaultString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

var (
	_ Store = (*Memory)(nil)
	_ Store = (*SQL)(nil)
)

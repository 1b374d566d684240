package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// PostgresStore keeps licenses in a single relational table. Conditional
// updates are expressed as one UPDATE ... WHERE statement so the database
// decides atomically whether a nonce rotation or binding wins.
type PostgresStore struct {
	db *sql.DB
}

const licenseColumns = `license_key, device_id, device_info, session_token, nonce, nonce_timestamp,
	status, expires_at, verification_count, last_verified, created_at`

func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	st := &PostgresStore{db: db}
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return st, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS licenses (
		license_key        VARCHAR(64) PRIMARY KEY,
		device_id          TEXT,
		device_info        TEXT,
		session_token      TEXT,
		nonce              TEXT NOT NULL,
		nonce_timestamp    TIMESTAMP WITH TIME ZONE NOT NULL,
		status             VARCHAR(16) NOT NULL DEFAULT 'active',
		expires_at         TIMESTAMP WITH TIME ZONE,
		verification_count BIGINT NOT NULL DEFAULT 0,
		last_verified      TIMESTAMP WITH TIME ZONE,
		created_at         TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_licenses_device_id ON licenses(device_id);
	CREATE INDEX IF NOT EXISTS idx_licenses_status ON licenses(status);
	`

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) Get(ctx context.Context, key string) (License, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+licenseColumns+` FROM licenses WHERE license_key = $1`, key)
	lic, err := scanLicense(row)
	if errors.Is(err, sql.ErrNoRows) {
		return License{}, ErrNotFound
	}
	return lic, err
}

func (s *PostgresStore) Insert(ctx context.Context, lic License) error {
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO licenses
		(license_key, device_id, device_info, session_token, nonce, nonce_timestamp,
		 status, expires_at, verification_count, last_verified, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		lic.Key,
		nullString(lic.DeviceID),
		nullString(lic.DeviceInfo),
		nullString(lic.SessionToken),
		lic.Nonce,
		lic.NonceTimestamp.UTC(),
		string(lic.Status),
		nullTime(lic.ExpiresAt),
		lic.VerificationCount,
		nullTime(lic.LastVerified),
		lic.CreatedAt.UTC(),
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrExists
	}
	return err
}

func (s *PostgresStore) Update(ctx context.Context, key string, cond Condition, upd Update) (License, error) {
	query, args, err := buildUpdate(key, cond, upd)
	if err != nil {
		return License{}, err
	}
	lic, err := scanLicense(s.db.QueryRowContext(ctx, query, args...))
	if err == nil {
		return lic, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return License{}, err
	}

	// Zero rows: either the key is unknown or the condition failed.
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM licenses WHERE license_key = $1)`, key).Scan(&exists); err != nil {
		return License{}, err
	}
	if !exists {
		return License{}, ErrNotFound
	}
	return License{}, ErrConditionFailed
}

func (s *PostgresStore) List(ctx context.Context) ([]License, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+licenseColumns+` FROM licenses ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []License
	for rows.Next() {
		lic, err := scanLicense(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, lic)
	}
	return out, rows.Err()
}

func buildUpdate(key string, cond Condition, upd Update) (string, []any, error) {
	var (
		sets  []string
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if upd.DeviceID != nil {
		sets = append(sets, "device_id = "+arg(*upd.DeviceID))
	}
	if upd.DeviceInfo != nil {
		sets = append(sets, "device_info = "+arg(*upd.DeviceInfo))
	}
	if upd.SessionToken != nil {
		sets = append(sets, "session_token = "+arg(*upd.SessionToken))
	}
	if upd.Nonce != nil {
		sets = append(sets, "nonce = "+arg(*upd.Nonce))
	}
	if upd.NonceTimestamp != nil {
		sets = append(sets, "nonce_timestamp = "+arg(upd.NonceTimestamp.UTC()))
	}
	if upd.LastVerified != nil {
		sets = append(sets, "last_verified = "+arg(upd.LastVerified.UTC()))
	}
	if upd.Status != nil {
		sets = append(sets, "status = "+arg(string(*upd.Status)))
	}
	if upd.IncrementVerifications {
		sets = append(sets, "verification_count = verification_count + 1")
	}
	if len(sets) == 0 {
		return "", nil, errors.New("empty license update")
	}

	where = append(where, "license_key = "+arg(key))
	if cond.Nonce != "" {
		where = append(where, "nonce = "+arg(cond.Nonce))
	}
	if cond.BindableTo != "" {
		p := arg(cond.BindableTo)
		where = append(where, "(device_id IS NULL OR device_id = '' OR device_id = "+p+")")
	}
	if cond.Active {
		where = append(where, "status = "+arg(string(StatusActive)))
	}

	query := "UPDATE licenses SET " + strings.Join(sets, ", ") +
		" WHERE " + strings.Join(where, " AND ") +
		" RETURNING " + licenseColumns
	return query, args, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLicense(row rowScanner) (License, error) {
	var (
		lic                                License
		deviceID, deviceInfo, sessionToken sql.NullString
		status                             string
		expiresAt, lastVerified            sql.NullTime
	)
	if err := row.Scan(
		&lic.Key,
		&deviceID,
		&deviceInfo,
		&sessionToken,
		&lic.Nonce,
		&lic.NonceTimestamp,
		&status,
		&expiresAt,
		&lic.VerificationCount,
		&lastVerified,
		&lic.CreatedAt,
	); err != nil {
		return License{}, err
	}
	lic.DeviceID = deviceID.String
	lic.DeviceInfo = deviceInfo.String
	lic.SessionToken = sessionToken.String
	lic.Status = Status(status)
	if expiresAt.Valid {
		t := expiresAt.Time.UTC()
		lic.ExpiresAt = &t
	}
	if lastVerified.Valid {
		t := lastVerified.Time.UTC()
		lic.LastVerified = &t
	}
	lic.NonceTimestamp = lic.NonceTimestamp.UTC()
	lic.CreatedAt = lic.CreatedAt.UTC()
	return lic, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

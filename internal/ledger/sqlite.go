package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS raw_messages (
	source_type TEXT NOT NULL,
	external_id TEXT NOT NULL,
	raw_payload TEXT NOT NULL,
	fetched_at  TIMESTAMP NOT NULL,
	state       TEXT NOT NULL,
	PRIMARY KEY (source_type, external_id)
);

CREATE TABLE IF NOT EXISTS transactions (
	id                  TEXT PRIMARY KEY,
	owner_ref           TEXT NOT NULL,
	amount              REAL NOT NULL,
	currency            TEXT NOT NULL,
	merchant_raw        TEXT NOT NULL,
	merchant_normalized TEXT NOT NULL,
	category            TEXT NOT NULL,
	classify_confidence REAL NOT NULL,
	payment_channel     TEXT NOT NULL,
	ts                  TIMESTAMP NOT NULL,
	source_type         TEXT NOT NULL,
	source_external_id  TEXT NOT NULL,
	note                TEXT NOT NULL,
	anomaly_flag        INTEGER NOT NULL DEFAULT 0,
	anomaly_score       REAL NOT NULL DEFAULT 0,
	anomaly_severity    TEXT NOT NULL DEFAULT '',
	model_version       INTEGER NOT NULL DEFAULT 0,
	indexed             INTEGER NOT NULL DEFAULT 0,
	user_confirmed      INTEGER NOT NULL DEFAULT 0,
	created_at          TIMESTAMP NOT NULL,
	deleted_at          TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_transactions_owner_ts ON transactions (owner_ref, ts);
CREATE INDEX IF NOT EXISTS idx_transactions_unindexed ON transactions (created_at) WHERE indexed = 0;

CREATE TABLE IF NOT EXISTS feedback_events (
	id             TEXT PRIMARY KEY,
	transaction_id TEXT NOT NULL,
	decision       TEXT NOT NULL,
	occurred_at    TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_feedback_tx ON feedback_events (transaction_id);

CREATE TABLE IF NOT EXISTS anomaly_models (
	owner_ref  TEXT NOT NULL,
	version    INTEGER NOT NULL,
	trained_at TIMESTAMP NOT NULL,
	blob       BLOB NOT NULL,
	PRIMARY KEY (owner_ref, version)
);
`

// SQLiteStore is the durable Store backed by a single sqlite file.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if necessary) the sqlite database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent cycles.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) RawMessages() RawMessageStore   { return &sqliteRawMessages{db: s.db} }
func (s *SQLiteStore) Transactions() TransactionStore { return &sqliteTransactions{db: s.db} }
func (s *SQLiteStore) Feedback() FeedbackStore        { return &sqliteFeedback{db: s.db} }
func (s *SQLiteStore) Models() ModelStore             { return &sqliteModels{db: s.db} }

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

type sqliteRawMessages struct {
	db *sql.DB
}

func (s *sqliteRawMessages) InsertIfAbsent(ctx context.Context, msg RawMessage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO raw_messages (source_type, external_id, raw_payload, fetched_at, state)
		 VALUES (?, ?, ?, ?, ?)`,
		string(msg.SourceType), msg.ExternalID, msg.RawPayload, msg.FetchedAt.UTC(), string(StateUnprocessed))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateMessage
		}
		return fmt.Errorf("insert raw message: %w", err)
	}
	return nil
}

func (s *sqliteRawMessages) MarkProcessed(ctx context.Context, sourceType SourceType, externalID string, state MessageState) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE raw_messages SET state = ? WHERE source_type = ? AND external_id = ? AND state = ?`,
		string(state), string(sourceType), externalID, string(StateUnprocessed))
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.Get(ctx, sourceType, externalID); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrAlreadyProcessed
	}
	return nil
}

func (s *sqliteRawMessages) ListUnprocessed(ctx context.Context, limit int) ([]RawMessage, error) {
	q := `SELECT source_type, external_id, raw_payload, fetched_at, state
	      FROM raw_messages WHERE state = ? ORDER BY fetched_at ASC`
	args := []any{string(StateUnprocessed)}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list unprocessed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []RawMessage
	for rows.Next() {
		var m RawMessage
		var st, state string
		if err := rows.Scan(&st, &m.ExternalID, &m.RawPayload, &m.FetchedAt, &state); err != nil {
			return nil, fmt.Errorf("scan raw message: %w", err)
		}
		m.SourceType = SourceType(st)
		m.State = MessageState(state)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *sqliteRawMessages) Get(ctx context.Context, sourceType SourceType, externalID string) (RawMessage, error) {
	var m RawMessage
	var st, state string
	err := s.db.QueryRowContext(ctx,
		`SELECT source_type, external_id, raw_payload, fetched_at, state
		 FROM raw_messages WHERE source_type = ? AND external_id = ?`,
		string(sourceType), externalID).
		Scan(&st, &m.ExternalID, &m.RawPayload, &m.FetchedAt, &state)
	if errors.Is(err, sql.ErrNoRows) {
		return RawMessage{}, ErrNotFound
	}
	if err != nil {
		return RawMessage{}, fmt.Errorf("get raw message: %w", err)
	}
	m.SourceType = SourceType(st)
	m.State = MessageState(state)
	return m, nil
}

type sqliteTransactions struct {
	db *sql.DB
}

func (s *sqliteTransactions) Insert(ctx context.Context, tx *Transaction) error {
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transactions (
			id, owner_ref, amount, currency, merchant_raw, merchant_normalized,
			category, classify_confidence, payment_channel, ts, source_type,
			source_external_id, note, anomaly_flag, anomaly_score,
			anomaly_severity, model_version, indexed, user_confirmed, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.OwnerRef, tx.Amount, tx.Currency, tx.MerchantRaw, tx.MerchantNormalized,
		tx.Category, tx.ClassifyConfidence, string(tx.PaymentChannel), tx.Timestamp.UTC(),
		string(tx.SourceType), tx.SourceExternalID, tx.Note, tx.AnomalyFlag, tx.AnomalyScore,
		string(tx.AnomalySeverity), tx.ModelVersion, tx.Indexed, tx.UserConfirmed, tx.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

const txColumns = `id, owner_ref, amount, currency, merchant_raw, merchant_normalized,
	category, classify_confidence, payment_channel, ts, source_type,
	source_external_id, note, anomaly_flag, anomaly_score, anomaly_severity,
	model_version, indexed, user_confirmed, created_at, deleted_at`

func scanTransaction(scan func(...any) error) (Transaction, error) {
	var tx Transaction
	var channel, sourceType, severity string
	var deletedAt sql.NullTime
	err := scan(&tx.ID, &tx.OwnerRef, &tx.Amount, &tx.Currency, &tx.MerchantRaw,
		&tx.MerchantNormalized, &tx.Category, &tx.ClassifyConfidence, &channel,
		&tx.Timestamp, &sourceType, &tx.SourceExternalID, &tx.Note, &tx.AnomalyFlag,
		&tx.AnomalyScore, &severity, &tx.ModelVersion, &tx.Indexed,
		&tx.UserConfirmed, &tx.CreatedAt, &deletedAt)
	if err != nil {
		return Transaction{}, err
	}
	tx.PaymentChannel = PaymentChannel(channel)
	tx.SourceType = SourceType(sourceType)
	tx.AnomalySeverity = Severity(severity)
	if deletedAt.Valid {
		t := deletedAt.Time
		tx.DeletedAt = &t
	}
	return tx, nil
}

func (s *sqliteTransactions) Get(ctx context.Context, id string) (Transaction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+txColumns+` FROM transactions WHERE id = ?`, id)
	tx, err := scanTransaction(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Transaction{}, ErrNotFound
	}
	if err != nil {
		return Transaction{}, fmt.Errorf("get transaction: %w", err)
	}
	return tx, nil
}

func (s *sqliteTransactions) UpdateScore(ctx context.Context, id string, flag bool, score float64, severity Severity, modelVersion int64) error {
	return s.update(ctx,
		`UPDATE transactions SET anomaly_flag = ?, anomaly_score = ?, anomaly_severity = ?, model_version = ? WHERE id = ?`,
		flag, score, string(severity), modelVersion, id)
}

func (s *sqliteTransactions) SetConfirmed(ctx context.Context, id string, confirmed bool) error {
	return s.update(ctx, `UPDATE transactions SET user_confirmed = ? WHERE id = ?`, confirmed, id)
}

func (s *sqliteTransactions) MarkIndexed(ctx context.Context, id string) error {
	return s.update(ctx, `UPDATE transactions SET indexed = 1 WHERE id = ?`, id)
}

func (s *sqliteTransactions) SoftDelete(ctx context.Context, id string) error {
	return s.update(ctx, `UPDATE transactions SET deleted_at = ? WHERE id = ?`, time.Now().UTC(), id)
}

func (s *sqliteTransactions) update(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update transaction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteTransactions) ListUnindexed(ctx context.Context, limit int) ([]Transaction, error) {
	query := `SELECT ` + txColumns + ` FROM transactions
	          WHERE indexed = 0 AND deleted_at IS NULL ORDER BY created_at ASC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryMany(ctx, query, args...)
}

func (s *sqliteTransactions) List(ctx context.Context, ownerRef string, q TransactionQuery) ([]Transaction, error) {
	query := `SELECT ` + txColumns + ` FROM transactions WHERE owner_ref = ?`
	args := []any{ownerRef}

	if !q.IncludeDeleted {
		query += ` AND deleted_at IS NULL`
	}
	if q.Merchant != "" {
		query += ` AND merchant_normalized = ?`
		args = append(args, q.Merchant)
	}
	if q.Category != "" {
		query += ` AND category = ?`
		args = append(args, q.Category)
	}
	if q.MinAmount != nil {
		query += ` AND amount >= ?`
		args = append(args, *q.MinAmount)
	}
	if q.MaxAmount != nil {
		query += ` AND amount <= ?`
		args = append(args, *q.MaxAmount)
	}
	if !q.From.IsZero() {
		query += ` AND ts >= ?`
		args = append(args, q.From.UTC())
	}
	if !q.To.IsZero() {
		query += ` AND ts <= ?`
		args = append(args, q.To.UTC())
	}
	query += ` ORDER BY ts DESC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	return s.queryMany(ctx, query, args...)
}

func (s *sqliteTransactions) FindSimilar(ctx context.Context, ownerRef, merchantNorm string, amount, epsilon float64, ts time.Time, window time.Duration) ([]Transaction, error) {
	return s.queryMany(ctx,
		`SELECT `+txColumns+` FROM transactions
		 WHERE owner_ref = ? AND deleted_at IS NULL AND merchant_normalized = ?
		   AND amount BETWEEN ? AND ? AND ts BETWEEN ? AND ?`,
		ownerRef, merchantNorm, amount-epsilon, amount+epsilon,
		ts.Add(-window).UTC(), ts.Add(window).UTC())
}

func (s *sqliteTransactions) queryMany(ctx context.Context, query string, args ...any) ([]Transaction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

type sqliteFeedback struct {
	db *sql.DB
}

func (s *sqliteFeedback) Append(ctx context.Context, ev FeedbackEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO feedback_events (id, transaction_id, decision, occurred_at) VALUES (?, ?, ?, ?)`,
		ev.ID, ev.TransactionID, string(ev.Decision), ev.OccurredAt.UTC())
	if err != nil {
		return fmt.Errorf("append feedback: %w", err)
	}
	return nil
}

func (s *sqliteFeedback) ListByTransaction(ctx context.Context, transactionID string) ([]FeedbackEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, transaction_id, decision, occurred_at FROM feedback_events
		 WHERE transaction_id = ? ORDER BY occurred_at ASC`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("list feedback: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []FeedbackEvent
	for rows.Next() {
		var ev FeedbackEvent
		var decision string
		if err := rows.Scan(&ev.ID, &ev.TransactionID, &decision, &ev.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan feedback: %w", err)
		}
		ev.Decision = Decision(decision)
		out = append(out, ev)
	}
	return out, rows.Err()
}

type sqliteModels struct {
	db *sql.DB
}

func (s *sqliteModels) Save(ctx context.Context, ownerRef string, version int64, trainedAt time.Time, blob []byte) error {
	current, err := s.LatestVersion(ctx, ownerRef)
	if err != nil {
		return err
	}
	if version <= current {
		return ErrStaleVersion
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO anomaly_models (owner_ref, version, trained_at, blob) VALUES (?, ?, ?, ?)`,
		ownerRef, version, trainedAt.UTC(), blob)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrStaleVersion
		}
		return fmt.Errorf("save model: %w", err)
	}
	return nil
}

func (s *sqliteModels) LoadLatest(ctx context.Context, ownerRef string) (int64, []byte, error) {
	var version int64
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT version, blob FROM anomaly_models WHERE owner_ref = ? ORDER BY version DESC LIMIT 1`,
		ownerRef).Scan(&version, &blob)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil, ErrNotFound
	}
	if err != nil {
		return 0, nil, fmt.Errorf("load latest model: %w", err)
	}
	return version, blob, nil
}

func (s *sqliteModels) LoadVersion(ctx context.Context, ownerRef string, version int64) ([]byte, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT blob FROM anomaly_models WHERE owner_ref = ? AND version = ?`,
		ownerRef, version).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load model version: %w", err)
	}
	return blob, nil
}

func (s *sqliteModels) LatestVersion(ctx context.Context, ownerRef string) (int64, error) {
	var version sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(version) FROM anomaly_models WHERE owner_ref = ?`, ownerRef).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("latest model version: %w", err)
	}
	return version.Int64, nil
}

// isUniqueViolation reports whether err is a sqlite unique-constraint error.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

/*
Package sqlite provides a SQLite-backed RecordRepository.

KEY TABLES:

	financial_records: one row per (source, period_start, period_end)
	accounts:          canonical accounts keyed by account_id
	account_values:    per-record fact rows, replaced on every save

Amounts are stored as decimal strings so no precision is lost. Dates use
the 2006-01-02 layout and timestamps RFC 3339.

CONCURRENCY:

	Uses sync.RWMutex; each save runs in one SQL transaction.

USAGE:

	store, err := sqlite.New("./data/ingest.db")
	if err != nil {
		return err
	}
	defer store.Close()
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dvloznov/finance-ingest/internal/domain"
	"github.com/dvloznov/finance-ingest/internal/normalize"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// Store implements pipeline.RecordRepository on SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New opens (and migrates) the database at dbPath.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("New: open database: %w", err)
	}
	if dbPath == MemoryPath {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("New: migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS financial_records (
		id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		period_start TEXT NOT NULL,
		period_end TEXT NOT NULL,
		currency TEXT NOT NULL,
		revenue TEXT NOT NULL,
		expenses TEXT NOT NULL,
		net_profit TEXT NOT NULL,
		raw_data TEXT,
		is_valid BOOLEAN NOT NULL,
		quality_score REAL NOT NULL,
		issues_json TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE (source, period_start, period_end)
	);

	CREATE INDEX IF NOT EXISTS idx_records_period
		ON financial_records(period_start, period_end);

	CREATE TABLE IF NOT EXISTS accounts (
		account_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		account_type TEXT NOT NULL,
		parent_account_id TEXT,
		source TEXT NOT NULL,
		description TEXT,
		is_active BOOLEAN NOT NULL DEFAULT TRUE
	);

	CREATE TABLE IF NOT EXISTS account_values (
		account_id TEXT NOT NULL REFERENCES accounts(account_id),
		financial_record_id TEXT NOT NULL REFERENCES financial_records(id) ON DELETE CASCADE,
		value TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (account_id, financial_record_id)
	);

	CREATE INDEX IF NOT EXISTS idx_account_values_record
		ON account_values(financial_record_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// SaveNormalized upserts the record, its accounts and replaces its values.
// A row stored under the same (source, period) with a different id is
// replaced; its created_at is kept.
func (s *Store) SaveNormalized(ctx context.Context, res normalize.Result) error {
	rec := res.Record
	if rec == nil {
		return fmt.Errorf("SaveNormalized: result has no record")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("SaveNormalized: begin transaction: %w", err)
	}
	defer tx.Rollback()

	createdAt := rec.CreatedAt
	var existingID, existingCreated string
	err = tx.QueryRowContext(ctx,
		`SELECT id, created_at FROM financial_records WHERE source = ? AND period_start = ? AND period_end = ?`,
		string(rec.Source), formatDate(rec.PeriodStart), formatDate(rec.PeriodEnd),
	).Scan(&existingID, &existingCreated)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("SaveNormalized: look up existing record: %w", err)
	default:
		if t, perr := time.Parse(time.RFC3339Nano, existingCreated); perr == nil {
			createdAt = t
		}
		if existingID != rec.ID {
			if _, err := tx.ExecContext(ctx, `DELETE FROM financial_records WHERE id = ?`, existingID); err != nil {
				return fmt.Errorf("SaveNormalized: replace record %s: %w", existingID, err)
			}
		}
	}

	if err := upsertRecord(ctx, tx, rec, res.Validation, createdAt); err != nil {
		return err
	}
	for _, a := range res.Accounts {
		if err := upsertAccount(ctx, tx, a); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM account_values WHERE financial_record_id = ?`, rec.ID); err != nil {
		return fmt.Errorf("SaveNormalized: clear values: %w", err)
	}
	for _, v := range res.Values {
		if err := insertValue(ctx, tx, rec.ID, v); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("SaveNormalized: commit: %w", err)
	}
	return nil
}

func upsertRecord(ctx context.Context, db execer, rec *domain.FinancialRecord, v domain.ValidationResult, createdAt time.Time) error {
	issues, err := json.Marshal(v.Issues)
	if err != nil {
		return fmt.Errorf("upsertRecord: encode issues: %w", err)
	}
	updatedAt := rec.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	if createdAt.IsZero() {
		createdAt = updatedAt
	}

	query := `
		INSERT INTO financial_records
		(id, source, period_start, period_end, currency, revenue, expenses, net_profit,
		 raw_data, is_valid, quality_score, issues_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			currency = excluded.currency,
			revenue = excluded.revenue,
			expenses = excluded.expenses,
			net_profit = excluded.net_profit,
			raw_data = excluded.raw_data,
			is_valid = excluded.is_valid,
			quality_score = excluded.quality_score,
			issues_json = excluded.issues_json,
			updated_at = excluded.updated_at
	`
	_, err = db.ExecContext(ctx, query,
		rec.ID,
		string(rec.Source),
		formatDate(rec.PeriodStart),
		formatDate(rec.PeriodEnd),
		rec.Currency,
		rec.Revenue.String(),
		rec.Expenses.String(),
		rec.NetProfit.String(),
		nullString(string(rec.RawData)),
		v.IsValid,
		v.QualityScore,
		string(issues),
		createdAt.UTC().Format(time.RFC3339Nano),
		updatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upsertRecord: %s: %w", rec.ID, err)
	}
	return nil
}

func upsertAccount(ctx context.Context, db execer, a domain.Account) error {
	query := `
		INSERT INTO accounts
		(account_id, name, account_type, parent_account_id, source, description, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			name = excluded.name,
			account_type = excluded.account_type,
			parent_account_id = excluded.parent_account_id,
			source = excluded.source,
			description = excluded.description,
			is_active = excluded.is_active
	`
	_, err := db.ExecContext(ctx, query,
		a.AccountID,
		a.Name,
		string(a.AccountType),
		nullString(a.ParentAccountID),
		string(a.Source),
		nullString(a.Description),
		a.IsActive,
	)
	if err != nil {
		return fmt.Errorf("upsertAccount: %s: %w", a.AccountID, err)
	}
	return nil
}

func insertValue(ctx context.Context, db execer, recordID string, v domain.AccountValue) error {
	createdAt := v.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO account_values (account_id, financial_record_id, value, created_at) VALUES (?, ?, ?, ?)`,
		v.AccountID, recordID, v.Value.String(), createdAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insertValue: %s/%s: %w", recordID, v.AccountID, err)
	}
	return nil
}

const recordColumns = `id, source, period_start, period_end, currency, revenue, expenses, net_profit,
	raw_data, is_valid, quality_score, issues_json, created_at, updated_at`

// FindRecord returns the record stored for source and period.
func (s *Store) FindRecord(ctx context.Context, source domain.Source, period domain.Period) (*domain.FinancialRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM financial_records WHERE source = ? AND period_start = ? AND period_end = ?`,
		string(source), formatDate(period.Start), formatDate(period.End),
	)
	rec, _, err := scanRecord(row)
	if err != nil {
		return nil, fmt.Errorf("FindRecord: %s %s: %w", source, period.Key(""), err)
	}
	return rec, nil
}

// LoadResult reassembles a stored tuple: the record, its values, the
// accounts those values reference and the stored validation outcome.
func (s *Store) LoadResult(ctx context.Context, recordID string) (normalize.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM financial_records WHERE id = ?`, recordID)
	rec, validation, err := scanRecord(row)
	if err != nil {
		return normalize.Result{}, fmt.Errorf("LoadResult: %s: %w", recordID, err)
	}

	values, err := s.values(ctx, recordID)
	if err != nil {
		return normalize.Result{}, fmt.Errorf("LoadResult: %w", err)
	}
	accounts, err := s.accountsForRecord(ctx, recordID)
	if err != nil {
		return normalize.Result{}, fmt.Errorf("LoadResult: %w", err)
	}
	return normalize.Result{Record: rec, Accounts: accounts, Values: values, Validation: validation}, nil
}

// RecordFilter narrows ListRecords. Zero fields match everything.
type RecordFilter struct {
	Source domain.Source
	// From and To bound period_start inclusively.
	From, To  time.Time
	ValidOnly bool
	Limit     int
}

// ListRecords returns records ordered by period start, then source.
func (s *Store) ListRecords(ctx context.Context, filter RecordFilter) ([]*domain.FinancialRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var where []string
	var args []any
	if filter.Source != "" {
		where = append(where, "source = ?")
		args = append(args, string(filter.Source))
	}
	if !filter.From.IsZero() {
		where = append(where, "period_start >= ?")
		args = append(args, formatDate(filter.From))
	}
	if !filter.To.IsZero() {
		where = append(where, "period_start <= ?")
		args = append(args, formatDate(filter.To))
	}
	if filter.ValidOnly {
		where = append(where, "is_valid")
	}

	query := `SELECT ` + recordColumns + ` FROM financial_records`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY period_start ASC, period_end ASC, source ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ListRecords: query: %w", err)
	}
	defer rows.Close()

	var out []*domain.FinancialRecord
	for rows.Next() {
		rec, _, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("ListRecords: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) values(ctx context.Context, recordID string) ([]domain.AccountValue, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT account_id, value, created_at FROM account_values WHERE financial_record_id = ? ORDER BY rowid`,
		recordID,
	)
	if err != nil {
		return nil, fmt.Errorf("values: query: %w", err)
	}
	defer rows.Close()

	var out []domain.AccountValue
	for rows.Next() {
		var accountID, value, createdAt string
		if err := rows.Scan(&accountID, &value, &createdAt); err != nil {
			return nil, fmt.Errorf("values: scan: %w", err)
		}
		d, err := decimal.NewFromString(value)
		if err != nil {
			return nil, fmt.Errorf("values: %s: %w", accountID, err)
		}
		t, _ := time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, domain.AccountValue{
			AccountID:         accountID,
			FinancialRecordID: recordID,
			Value:             d,
			CreatedAt:         t,
		})
	}
	return out, rows.Err()
}

func (s *Store) accountsForRecord(ctx context.Context, recordID string) ([]domain.Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.account_id, a.name, a.account_type, a.parent_account_id, a.source, a.description, a.is_active
		FROM accounts a
		JOIN account_values v ON v.account_id = a.account_id
		WHERE v.financial_record_id = ?
		ORDER BY v.rowid
	`, recordID)
	if err != nil {
		return nil, fmt.Errorf("accountsForRecord: query: %w", err)
	}
	defer rows.Close()

	var out []domain.Account
	for rows.Next() {
		var (
			a                   domain.Account
			accountType, source string
			parent, description sql.NullString
		)
		if err := rows.Scan(&a.AccountID, &a.Name, &accountType, &parent, &source, &description, &a.IsActive); err != nil {
			return nil, fmt.Errorf("accountsForRecord: scan: %w", err)
		}
		a.AccountType = domain.AccountType(accountType)
		a.Source = domain.Source(source)
		a.ParentAccountID = parent.String
		a.Description = description.String
		out = append(out, a)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*domain.FinancialRecord, domain.ValidationResult, error) {
	var (
		rec                          domain.FinancialRecord
		validation                   domain.ValidationResult
		source, start, end           string
		revenue, expenses, netProfit string
		rawData, issues              sql.NullString
		createdAt, updatedAt         string
	)
	err := row.Scan(
		&rec.ID, &source, &start, &end, &rec.Currency, &revenue, &expenses, &netProfit,
		&rawData, &validation.IsValid, &validation.QualityScore, &issues, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, validation, domain.ErrRecordNotFound
	}
	if err != nil {
		return nil, validation, fmt.Errorf("scan record: %w", err)
	}

	rec.Source = domain.Source(source)
	if rec.PeriodStart, err = time.Parse(domain.DateLayout, start); err != nil {
		return nil, validation, fmt.Errorf("scan record %s: period_start: %w", rec.ID, err)
	}
	if rec.PeriodEnd, err = time.Parse(domain.DateLayout, end); err != nil {
		return nil, validation, fmt.Errorf("scan record %s: period_end: %w", rec.ID, err)
	}
	for _, f := range []struct {
		dst *decimal.Decimal
		raw string
	}{{&rec.Revenue, revenue}, {&rec.Expenses, expenses}, {&rec.NetProfit, netProfit}} {
		if *f.dst, err = decimal.NewFromString(f.raw); err != nil {
			return nil, validation, fmt.Errorf("scan record %s: amount %q: %w", rec.ID, f.raw, err)
		}
	}
	if rawData.Valid && rawData.String != "" {
		rec.RawData = json.RawMessage(rawData.String)
	}
	if issues.Valid && issues.String != "" {
		if err := json.Unmarshal([]byte(issues.String), &validation.Issues); err != nil {
			return nil, validation, fmt.Errorf("scan record %s: issues: %w", rec.ID, err)
		}
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &rec, validation, nil
}

func formatDate(t time.Time) string {
	return t.Format(domain.DateLayout)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository`
 * interface. It contains all the SQL the service issues against the
 * accounts, deposits, transfers and activity tables.
 *
 * Amounts are stored as BIGINT atomic units (1e12 per major unit), so no
 * precision is ever lost between the wallet engine and the ledger.
 *
 * @dependencies
 * - context, errors, time: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xmrtipbot/custody-service/internal/domain"
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// EnsureSchema creates the four tables and their constraints if they do not
// exist yet. The unique indexes on identity, account_index and tx_hash are
// load-bearing: they are what makes get-or-create races and repeated
// deposit observations safe.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id BIGSERIAL PRIMARY KEY,
			identity BIGINT NOT NULL UNIQUE,
			account_index BIGINT NOT NULL UNIQUE,
			tip_address TEXT,
			cached_balance_atomic BIGINT NOT NULL DEFAULT 0,
			list_page INT NOT NULL DEFAULT 1,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS deposits (
			tx_hash TEXT PRIMARY KEY,
			account_index BIGINT NOT NULL,
			amount_atomic BIGINT NOT NULL,
			occurred_at TIMESTAMPTZ NOT NULL,
			status TEXT NOT NULL CHECK (status IN ('pending', 'confirmed', 'failed')),
			recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS transfers (
			id UUID PRIMARY KEY,
			tx_id TEXT NOT NULL,
			sender_identity BIGINT NOT NULL,
			recipient_identity BIGINT NOT NULL,
			amount_atomic BIGINT NOT NULL,
			kind TEXT NOT NULL CHECK (kind IN ('tip', 'rain')),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS activity (
			id BIGSERIAL PRIMARY KEY,
			chat_id BIGINT NOT NULL,
			identity BIGINT NOT NULL,
			message_id BIGINT NOT NULL,
			occurred_at TIMESTAMPTZ NOT NULL,
			display_name TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_activity_chat_time ON activity (chat_id, occurred_at)`,
	}
	for _, stmt := range statements {
		if _, err := r.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

const accountColumns = `id, identity, account_index, tip_address, cached_balance_atomic, list_page, created_at`

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var account domain.Account
	err := row.Scan(
		&account.ID,
		&account.Identity,
		&account.AccountIndex,
		&account.TipAddress,
		&account.CachedBalanceAtomic,
		&account.ListPage,
		&account.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// FindAccountByIdentity retrieves the account bound to an external identity.
func (r *PostgresRepository) FindAccountByIdentity(ctx context.Context, identity int64) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE identity = $1`
	return scanAccount(r.db.QueryRow(ctx, query, identity))
}

// FindAccountByIndex retrieves the account owning a wallet sub-account.
func (r *PostgresRepository) FindAccountByIndex(ctx context.Context, accountIndex uint64) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE account_index = $1`
	return scanAccount(r.db.QueryRow(ctx, query, int64(accountIndex)))
}

// CreateAccount persists a new identity -> sub-account binding. A unique
// violation on identity means a concurrent creator won; the caller must
// re-read the winning row instead of surfacing an error.
func (r *PostgresRepository) CreateAccount(ctx context.Context, identity int64, accountIndex uint64) (*domain.Account, error) {
	query := `
		INSERT INTO accounts (identity, account_index)
		VALUES ($1, $2)
		RETURNING ` + accountColumns
	account, err := scanAccount(r.db.QueryRow(ctx, query, identity, int64(accountIndex)))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrAccountExists
		}
		return nil, err
	}
	return account, nil
}

// SetTipAddress updates (or with nil clears) the owner-set override address
// for incoming tips.
func (r *PostgresRepository) SetTipAddress(ctx context.Context, identity int64, address *string) error {
	tag, err := r.db.Exec(ctx, `UPDATE accounts SET tip_address = $1 WHERE identity = $2`, address, identity)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// SetListPage persists the last-viewed pagination cursor.
func (r *PostgresRepository) SetListPage(ctx context.Context, identity int64, page int) error {
	if page < 1 {
		page = 1
	}
	tag, err := r.db.Exec(ctx, `UPDATE accounts SET list_page = $1 WHERE identity = $2`, page, identity)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// UpdateCachedBalance overwrites the advisory balance column with a value
// observed from the wallet engine's live query.
func (r *PostgresRepository) UpdateCachedBalance(ctx context.Context, identity int64, balanceAtomic int64) error {
	tag, err := r.db.Exec(ctx, `UPDATE accounts SET cached_balance_atomic = $1 WHERE identity = $2`, balanceAtomic, identity)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// RecordConfirmedDeposit inserts the deposit ledger row and credits the
// owning account in one database transaction. Either both happen or
// neither: a crash before commit leaves the tx hash absent so the next poll
// cycle retries cleanly, and a duplicate hash aborts before any credit.
func (r *PostgresRepository) RecordConfirmedDeposit(ctx context.Context, deposit domain.Deposit) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin deposit transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO deposits (tx_hash, account_index, amount_atomic, occurred_at, status)
		VALUES ($1, $2, $3, $4, $5)`,
		deposit.TxHash, int64(deposit.AccountIndex), deposit.AmountAtomic, deposit.OccurredAt, deposit.Status,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDepositExists
		}
		return fmt.Errorf("insert deposit %s: %w", deposit.TxHash, err)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE accounts
		SET cached_balance_atomic = cached_balance_atomic + $1
		WHERE account_index = $2`,
		deposit.AmountAtomic, int64(deposit.AccountIndex),
	)
	if err != nil {
		return fmt.Errorf("credit account %d: %w", deposit.AccountIndex, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}

	return tx.Commit(ctx)
}

// CreateTransfer appends one disbursement record. Rows are never updated.
func (r *PostgresRepository) CreateTransfer(ctx context.Context, transfer *domain.Transfer) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO transfers (id, tx_id, sender_identity, recipient_identity, amount_atomic, kind)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		transfer.ID, transfer.TxID, transfer.SenderIdentity, transfer.RecipientIdentity, transfer.AmountAtomic, transfer.Kind,
	)
	return err
}

// RecordActivity appends one observed chat message.
func (r *PostgresRepository) RecordActivity(ctx context.Context, entry domain.ActivityEntry) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO activity (chat_id, identity, message_id, occurred_at, display_name)
		VALUES ($1, $2, $3, $4, $5)`,
		entry.ChatID, entry.Identity, entry.MessageID, entry.OccurredAt, entry.DisplayName,
	)
	return err
}

// EligibleRecipients returns distinct identities active in a chat since the
// cutoff, with their most recent display name, excluding one identity (the
// rain sender).
func (r *PostgresRepository) EligibleRecipients(ctx context.Context, chatID, exclude int64, since time.Time) ([]domain.EligibleRecipient, error) {
	query := `
		SELECT DISTINCT ON (identity) identity, display_name, occurred_at
		FROM activity
		WHERE chat_id = $1 AND occurred_at > $2 AND identity <> $3
		ORDER BY identity, occurred_at DESC`
	rows, err := r.db.Query(ctx, query, chatID, since, exclude)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recipients []domain.EligibleRecipient
	for rows.Next() {
		var recipient domain.EligibleRecipient
		if err := rows.Scan(&recipient.Identity, &recipient.DisplayName, &recipient.LastActive); err != nil {
			return nil, err
		}
		recipients = append(recipients, recipient)
	}
	return recipients, rows.Err()
}

// PruneActivity deletes activity rows older than the cutoff and returns how
// many were removed.
func (r *PostgresRepository) PruneActivity(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM activity WHERE occurred_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

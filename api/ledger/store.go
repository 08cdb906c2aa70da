// //////////////////////////////////////////////////////////
//
// Description:
// Ledger reads and writes against the partitioned transactions table. The
// store only ever addresses the parent table; PostgreSQL routes each row to
// its daily partition and prunes partitions on reads. Nothing here waits on
// the partition scheduler.
//
// Created: 2026/03/02 based on Documents/partman-v1.md
// //////////////////////////////////////////////////////////
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/shopspring/decimal"
)

// Location codes for store operations
const (
	LOC_STORE_INSERT  = "UNF_LDG_010"
	LOC_STORE_HISTORY = "UNF_LDG_011"
	LOC_STORE_SUM     = "UNF_LDG_012"
)

// transactionColumns is the read column list, in table order.
var transactionColumns = []string{
	"id", "user_id", "type", "amount", "currency", "status",
	"source", "category", "tx_hash", "description",
	"source_user_id", "data", "wallet_address", "created_at",
}

// psql builds queries with PostgreSQL placeholders.
var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Store is the ledger's data access layer.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewStore(db *sql.DB, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// insertQuery builds the insert for one transaction. The id comes from the
// sequence and created_at from the column default unless the caller set it
// (the migrator relies on explicit created_at to route historical rows).
func insertQuery(t *Transaction) sq.InsertBuilder {
	cols := []string{"user_id", "type", "amount", "currency", "status"}
	vals := []interface{}{t.UserID, t.Type, t.Amount, t.Currency, t.Status}

	appendOpt := func(col string, ok bool, val interface{}) {
		if ok {
			cols = append(cols, col)
			vals = append(vals, val)
		}
	}
	appendOpt("source", t.Source != "", t.Source)
	appendOpt("category", t.Category != "", t.Category)
	appendOpt("tx_hash", t.TxHash != "", t.TxHash)
	appendOpt("description", t.Description != "", t.Description)
	appendOpt("source_user_id", t.SourceUserID != nil, t.SourceUserID)
	appendOpt("data", len(t.Data) > 0, []byte(t.Data))
	appendOpt("wallet_address", t.WalletAddress != "", t.WalletAddress)
	appendOpt("created_at", !t.CreatedAt.IsZero(), t.CreatedAt.UTC())

	return psql.Insert("transactions").
		Columns(cols...).
		Values(vals...).
		Suffix("RETURNING id, created_at")
}

// Insert appends one transaction and fills in its id and created_at.
func (s *Store) Insert(ctx context.Context, t *Transaction) error {
	if t.Status == "" {
		t.Status = StatusConfirmed
	}
	if err := t.Validate(); err != nil {
		return err
	}

	query, args, err := insertQuery(t).ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w (%s)", err, LOC_STORE_INSERT)
	}
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&t.ID, &t.CreatedAt); err != nil {
		return fmt.Errorf("insert transaction for user %d: %w (%s)", t.UserID, err, LOC_STORE_INSERT)
	}
	s.logger.Debug("transaction recorded",
		"id", t.ID, "user_id", t.UserID, "type", t.Type,
		"amount", t.Amount.String(), "currency", t.Currency)
	return nil
}

// historyQuery builds the per-user history page, newest first.
func historyQuery(userID int64, limit, offset uint64) sq.SelectBuilder {
	return psql.Select(transactionColumns...).
		From("transactions").
		Where(sq.Eq{"user_id": userID}).
		OrderBy("created_at DESC", "id DESC").
		Limit(limit).
		Offset(offset)
}

// History returns a page of the user's transactions, newest first. The scan
// crosses partitions transparently through the parent table.
func (s *Store) History(ctx context.Context, userID int64, limit, offset uint64) ([]Transaction, error) {
	if limit == 0 {
		limit = 50
	}
	query, args, err := historyQuery(userID, limit, offset).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build history query: %w (%s)", err, LOC_STORE_HISTORY)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history for user %d: %w (%s)", userID, err, LOC_STORE_HISTORY)
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan history row: %w (%s)", err, LOC_STORE_HISTORY)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query history for user %d: %w (%s)", userID, err, LOC_STORE_HISTORY)
	}
	return out, nil
}

// sumQuery builds the per-currency balance aggregation for one user.
func sumQuery(userID int64) sq.SelectBuilder {
	return psql.Select("currency", "COALESCE(SUM(amount), 0)").
		From("transactions").
		Where(sq.Eq{"user_id": userID, "status": StatusConfirmed}).
		GroupBy("currency")
}

// SumByCurrency totals the user's confirmed transactions per currency.
func (s *Store) SumByCurrency(ctx context.Context, userID int64) (map[string]decimal.Decimal, error) {
	query, args, err := sumQuery(userID).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build sum query: %w (%s)", err, LOC_STORE_SUM)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sum balances for user %d: %w (%s)", userID, err, LOC_STORE_SUM)
	}
	defer rows.Close()

	sums := make(map[string]decimal.Decimal)
	for rows.Next() {
		var currency string
		var total decimal.Decimal
		if err := rows.Scan(&currency, &total); err != nil {
			return nil, fmt.Errorf("scan balance row: %w (%s)", err, LOC_STORE_SUM)
		}
		sums[currency] = total
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sum balances for user %d: %w (%s)", userID, err, LOC_STORE_SUM)
	}
	return sums, nil
}

// scanTransaction reads one row in transactionColumns order.
func scanTransaction(rows *sql.Rows) (Transaction, error) {
	var t Transaction
	var source, category, txHash, description, wallet sql.NullString
	var sourceUser sql.NullInt64
	var data []byte
	var createdAt time.Time

	err := rows.Scan(&t.ID, &t.UserID, &t.Type, &t.Amount, &t.Currency, &t.Status,
		&source, &category, &txHash, &description,
		&sourceUser, &data, &wallet, &createdAt)
	if err != nil {
		return t, err
	}
	t.Source = source.String
	t.Category = category.String
	t.TxHash = txHash.String
	t.Description = description.String
	if sourceUser.Valid {
		id := sourceUser.Int64
		t.SourceUserID = &id
	}
	if len(data) > 0 {
		t.Data = data
	}
	t.WalletAddress = wallet.String
	t.CreatedAt = createdAt
	return t, nil
}

// //////////////////////////////////////////////////////////
//
// Description:
// Bulk import of historical transactions through the COPY protocol. Used
// when seeding a fresh environment; routing through the parent table means
// the rows land in whatever partitions cover their created_at values.
//
// Created: 2026/03/02 based on Documents/partman-v1.md
// //////////////////////////////////////////////////////////
package ledger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Location codes for bulk import
const (
	LOC_COPY_IMPORT = "UNF_LDG_020"
)

// copyColumns excludes id so the sequence assigns fresh keys.
var copyColumns = []string{
	"user_id", "type", "amount", "currency", "status",
	"source", "category", "tx_hash", "description",
	"source_user_id", "data", "wallet_address", "created_at",
}

// CopyTransactions streams the given rows into the transactions table over
// one COPY. Every row must carry a created_at; COPY bypasses column
// defaults and a zero timestamp would land in transactions_default.
func CopyTransactions(ctx context.Context, conn *pgx.Conn, logger *slog.Logger, txs []Transaction) (int64, error) {
	batchID := uuid.NewString()
	for i := range txs {
		if txs[i].CreatedAt.IsZero() {
			return 0, fmt.Errorf("import batch %s: row %d has no created_at (%s)",
				batchID, i, LOC_COPY_IMPORT)
		}
		if txs[i].Status == "" {
			txs[i].Status = StatusConfirmed
		}
		if err := txs[i].Validate(); err != nil {
			return 0, fmt.Errorf("import batch %s: row %d: %w (%s)", batchID, i, err, LOC_COPY_IMPORT)
		}
	}

	n, err := conn.CopyFrom(ctx,
		pgx.Identifier{"transactions"},
		copyColumns,
		pgx.CopyFromSlice(len(txs), func(i int) ([]interface{}, error) {
			t := txs[i]
			return []interface{}{
				t.UserID, t.Type, t.Amount, t.Currency, t.Status,
				nullStr(t.Source), nullStr(t.Category), nullStr(t.TxHash), nullStr(t.Description),
				t.SourceUserID, []byte(t.Data), nullStr(t.WalletAddress), t.CreatedAt.UTC(),
			}, nil
		}))
	if err != nil {
		return n, fmt.Errorf("import batch %s: copy failed after %d rows: %w (%s)",
			batchID, n, err, LOC_COPY_IMPORT)
	}

	logger.Info("transactions imported", "batch_id", batchID, "rows", n)
	return n, nil
}

// nullStr maps the empty string onto SQL NULL.
func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

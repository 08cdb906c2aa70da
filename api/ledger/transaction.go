// //////////////////////////////////////////////////////////
//
// Description:
// The ledger transaction model. Rows are append-only; amounts are
// NUMERIC(20,9) and never pass through float64.
//
// Created: 2026/03/02 based on Documents/partman-v1.md
// //////////////////////////////////////////////////////////
package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Location codes for transaction validation
const (
	LOC_TXN_VALID = "UNF_LDG_001"
)

// Ledger currencies.
const (
	CurrencyUNI = "UNI"
	CurrencyTON = "TON"
)

// Transaction types written by the game economy.
const (
	TypeDeposit       = "deposit"
	TypeWithdrawal    = "withdrawal"
	TypeFarmingReward = "farming_reward"
	TypeReferralBonus = "referral_bonus"
	TypeDailyBonus    = "daily_bonus"
	TypeBoostPurchase = "boost_purchase"
)

// Transaction statuses.
const (
	StatusConfirmed = "confirmed"
	StatusPending   = "pending"
	StatusRejected  = "rejected"
)

// Transaction is one row of the partitioned transactions table. CreatedAt
// is the partition key; together with ID it forms the primary key.
type Transaction struct {
	ID            int64           `json:"id"`
	UserID        int64           `json:"user_id"`
	Type          string          `json:"type"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Status        string          `json:"status"`
	Source        string          `json:"source,omitempty"`
	Category      string          `json:"category,omitempty"`
	TxHash        string          `json:"tx_hash,omitempty"`
	Description   string          `json:"description,omitempty"`
	SourceUserID  *int64          `json:"source_user_id,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
	WalletAddress string          `json:"wallet_address,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

var validCurrencies = map[string]bool{
	CurrencyUNI: true,
	CurrencyTON: true,
}

// Validate checks the fields the database schema cannot.
func (t *Transaction) Validate() error {
	if t.UserID <= 0 {
		return fmt.Errorf("transaction user_id must be positive, got %d (%s)", t.UserID, LOC_TXN_VALID)
	}
	if t.Type == "" {
		return fmt.Errorf("transaction type is required (%s)", LOC_TXN_VALID)
	}
	if !validCurrencies[t.Currency] {
		return fmt.Errorf("unknown currency %q (%s)", t.Currency, LOC_TXN_VALID)
	}
	if t.Amount.IsZero() {
		return fmt.Errorf("transaction amount must not be zero (%s)", LOC_TXN_VALID)
	}
	if len(t.Data) > 0 && !json.Valid(t.Data) {
		return fmt.Errorf("transaction data is not valid JSON (%s)", LOC_TXN_VALID)
	}
	return nil
}

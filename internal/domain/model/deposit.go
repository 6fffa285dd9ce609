package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Deposit is an inbound stablecoin transfer into a participant wallet.
// (TxHash, Wallet) identifies a deposit; re-ingesting it is a no-op.
type Deposit struct {
	ID            int64           `json:"id"`
	ParticipantID int64           `json:"participant_id"`
	Wallet        string          `json:"wallet"`
	TxHash        string          `json:"tx_hash"`
	BlockNumber   int64           `json:"block_number"`
	Amount        decimal.Decimal `json:"amount"`
	Timestamp     time.Time       `json:"timestamp"`
	CreatedAt     time.Time       `json:"created_at"`
}

package model

import (
	"strings"
	"time"
)

// Participant is a registered contest entrant. Wallet is stored lower-case
// and is unique across participants.
type Participant struct {
	ID         int64     `json:"id"`
	EntryOrder int       `json:"entry_order"`
	Nickname   string    `json:"nickname"`
	Wallet     string    `json:"wallet"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ParticipantSeed is the admin-supplied shape used to register entrants.
type ParticipantSeed struct {
	EntryOrder int    `json:"entry_order" validate:"required,gt=0"`
	Nickname   string `json:"nickname" validate:"required,max=100"`
	Wallet     string `json:"wallet" validate:"required,eth_addr"`
}

// NormalizeWallet lower-cases and trims a hex wallet address.
func NormalizeWallet(wallet string) string {
	return strings.ToLower(strings.TrimSpace(wallet))
}

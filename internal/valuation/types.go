package valuation

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/shtanga0x/shtanga-leaderboard.github.io/internal/domain/model"
)

// Portfolio is a wallet's valued holdings.
type Portfolio struct {
	Wallet     string
	TotalValue decimal.Decimal
	Positions  []Position
	Source     model.ValuationSource
}

// Position is a single holding with its market price applied.
type Position struct {
	MarketID string          `json:"market_id"`
	TokenID  string          `json:"token_id"`
	Balance  decimal.Decimal `json:"balance"`
	Price    decimal.Decimal `json:"price"`
	Value    decimal.Decimal `json:"value"`
}

// PortfolioResponse is the body of GET /portfolio/{wallet}. TotalValue is
// invalid when the API omitted it.
type PortfolioResponse struct {
	TotalValue decimal.NullDecimal `json:"totalValue"`
	Positions  []PositionRecord    `json:"positions"`
}

// PositionRecord is one open position. The API is inconsistent about key
// casing, so both spellings are accepted.
type PositionRecord struct {
	MarketID string
	TokenID  string
	Balance  decimal.Decimal
}

func (p *PositionRecord) UnmarshalJSON(data []byte) error {
	var raw struct {
		MarketID    string          `json:"market_id"`
		MarketIDAlt string          `json:"marketId"`
		TokenID     string          `json:"token_id"`
		TokenIDAlt  string          `json:"tokenId"`
		Balance     json.RawMessage `json:"balance"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	p.MarketID = firstNonEmpty(raw.MarketID, raw.MarketIDAlt)
	p.TokenID = firstNonEmpty(raw.TokenID, raw.TokenIDAlt)
	p.Balance = parseLooseDecimal(raw.Balance)
	return nil
}

// MarketRecord is one market's current price.
type MarketRecord struct {
	ID    string
	Price decimal.Decimal
}

func (m *MarketRecord) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID        string          `json:"id"`
		MarketID  string          `json:"market_id"`
		Price     json.RawMessage `json:"price"`
		LastPrice json.RawMessage `json:"last_price"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.ID = firstNonEmpty(raw.ID, raw.MarketID)
	m.Price = parseLooseDecimal(raw.Price)
	if m.Price.IsZero() {
		m.Price = parseLooseDecimal(raw.LastPrice)
	}
	return nil
}

// TradeRecord is one historical trade. Timestamp is nil when the API gave
// nothing parseable.
type TradeRecord struct {
	Timestamp *time.Time
}

func (t *TradeRecord) UnmarshalJSON(data []byte) error {
	var raw struct {
		Timestamp json.RawMessage `json:"timestamp"`
		CreatedAt json.RawMessage `json:"created_at"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	t.Timestamp = parseLooseTime(raw.Timestamp)
	if t.Timestamp == nil {
		t.Timestamp = parseLooseTime(raw.CreatedAt)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// parseLooseDecimal accepts a JSON number or numeric string. Anything else
// is zero.
func parseLooseDecimal(raw json.RawMessage) decimal.Decimal {
	s := strings.Trim(string(bytes.TrimSpace(raw)), `"`)
	if s == "" || s == "null" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// Unix values above this are taken to be milliseconds.
const unixMillisThreshold = 1e12

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	time.DateOnly,
}

// parseLooseTime accepts RFC3339 and date strings as well as Unix seconds
// or milliseconds, either as numbers or numeric strings.
func parseLooseTime(raw json.RawMessage) *time.Time {
	s := strings.Trim(string(bytes.TrimSpace(raw)), `"`)
	if s == "" || s == "null" {
		return nil
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		var ts time.Time
		if n > unixMillisThreshold {
			ts = time.UnixMilli(int64(n)).UTC()
		} else {
			ts = time.Unix(int64(n), 0).UTC()
		}
		return &ts
	}
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			ts = ts.UTC()
			return &ts
		}
	}
	return nil
}

package model

import "github.com/shopspring/decimal"

// MoneyScale is the number of fractional digits persisted for currency
// amounts. It matches the stablecoin's decimals.
const MoneyScale = 6

// RoundMoney rounds d to MoneyScale fractional digits.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(MoneyScale)
}

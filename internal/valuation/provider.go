package valuation

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/shtanga0x/shtanga-leaderboard.github.io/internal/circuitbreaker"
	"github.com/shtanga0x/shtanga-leaderboard.github.io/internal/domain/model"
	"github.com/shtanga0x/shtanga-leaderboard.github.io/internal/metrics"
	"github.com/shtanga0x/shtanga-leaderboard.github.io/internal/retry"
)

// Provider values a wallet's holdings. It tries the portfolio endpoint
// first and rebuilds the total from positions and market prices when that
// endpoint has nothing for the wallet.
type Provider struct {
	api     API
	retry   *retry.Executor
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

func NewProvider(api API, exec *retry.Executor, breaker *circuitbreaker.Breaker, logger *slog.Logger) *Provider {
	if breaker == nil {
		breaker = NewBreaker(circuitbreaker.Config{}, logger)
	}
	return &Provider{
		api:     api,
		retry:   exec,
		breaker: breaker,
		logger:  logger.With("component", "valuation"),
	}
}

// NewBreaker builds a breaker that only counts upstream outages, not
// not-found or malformed answers, and mirrors its state to metrics.
func NewBreaker(cfg circuitbreaker.Config, logger *slog.Logger) *circuitbreaker.Breaker {
	cfg.IsFailure = isUpstreamFailure
	next := cfg.OnStateChange
	cfg.OnStateChange = func(from, to circuitbreaker.State) {
		logger.Warn("valuation API circuit breaker state change", "from", from.String(), "to", to.String())
		metrics.ValuationBreakerState.Set(float64(to))
		if next != nil {
			next(from, to)
		}
	}
	return circuitbreaker.New(cfg)
}

func isUpstreamFailure(err error) bool {
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrMalformedResponse) {
		return false
	}
	return retry.Classify(err).IsTransient()
}

// guarded runs one API call through the breaker and the retry policy. An
// open breaker is terminal so callers fall back without waiting out retries.
func guarded[T any](ctx context.Context, p *Provider, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	return retry.Call(ctx, p.retry, op, func(ctx context.Context) (T, error) {
		var out T
		err := p.breaker.Execute(func() error {
			v, err := fn(ctx)
			out = v
			return err
		})
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			return out, retry.Terminal(err)
		}
		return out, err
	})
}

// FetchPortfolioValue returns the wallet's total value. Missing positions or
// prices count as zero; transport failures after retries are returned.
func (p *Provider) FetchPortfolioValue(ctx context.Context, wallet string) (*Portfolio, error) {
	resp, err := guarded(ctx, p, "valuation.portfolio", func(ctx context.Context) (*PortfolioResponse, error) {
		return p.api.GetPortfolio(ctx, wallet)
	})
	switch {
	case err == nil && resp != nil && resp.TotalValue.Valid:
		return &Portfolio{
			Wallet:     wallet,
			TotalValue: model.RoundMoney(resp.TotalValue.Decimal),
			Positions:  toPositions(resp.Positions),
			Source:     model.ValuationSourceAPI,
		}, nil
	case err == nil, isAbsent(err):
		p.logger.Debug("portfolio endpoint has no total, reconstructing from positions", "wallet", wallet)
		return p.reconstruct(ctx, wallet)
	default:
		return nil, err
	}
}

func (p *Provider) reconstruct(ctx context.Context, wallet string) (*Portfolio, error) {
	records, err := guarded(ctx, p, "valuation.positions", func(ctx context.Context) ([]PositionRecord, error) {
		return p.api.GetPositions(ctx, wallet)
	})
	if err != nil && !isAbsent(err) {
		return nil, err
	}

	portfolio := &Portfolio{
		Wallet:     wallet,
		TotalValue: decimal.Zero,
		Source:     model.ValuationSourceReconstructed,
	}
	if len(records) == 0 {
		return portfolio, nil
	}

	marketIDs := distinctMarketIDs(records)
	prices := make(map[string]decimal.Decimal, len(marketIDs))
	if len(marketIDs) > 0 {
		markets, err := guarded(ctx, p, "valuation.markets", func(ctx context.Context) ([]MarketRecord, error) {
			return p.api.GetMarkets(ctx, marketIDs)
		})
		if err != nil && !isAbsent(err) {
			return nil, err
		}
		for _, m := range markets {
			if m.ID != "" {
				prices[m.ID] = m.Price
			}
		}
	}

	total := decimal.Zero
	for _, rec := range records {
		price := prices[rec.MarketID]
		value := rec.Balance.Mul(price)
		portfolio.Positions = append(portfolio.Positions, Position{
			MarketID: rec.MarketID,
			TokenID:  rec.TokenID,
			Balance:  rec.Balance,
			Price:    price,
			Value:    value,
		})
		total = total.Add(value)
	}
	portfolio.TotalValue = model.RoundMoney(total)
	return portfolio, nil
}

// FirstTradeDate returns the wallet's earliest trade time, or nil when it is
// unknown for any reason.
func (p *Provider) FirstTradeDate(ctx context.Context, wallet string) *time.Time {
	trades, err := guarded(ctx, p, "valuation.trades", func(ctx context.Context) ([]TradeRecord, error) {
		return p.api.GetTrades(ctx, wallet, 1, "asc")
	})
	if err != nil {
		p.logger.Warn("first trade lookup failed", "wallet", wallet, "error", err)
		return nil
	}
	if len(trades) == 0 {
		return nil
	}
	return trades[0].Timestamp
}

// HealthCheck reports whether the valuation API answers its health endpoint.
func (p *Provider) HealthCheck(ctx context.Context) bool {
	return p.api.Health(ctx) == nil
}

// BreakerState reports the valuation API circuit breaker state.
func (p *Provider) BreakerState() string {
	return p.breaker.GetState().String()
}

// EstimatePortfolioFromDeposits is the fallback valuation used when the API
// is unavailable: the deposit sum itself, i.e. zero PnL.
func EstimatePortfolioFromDeposits(depositSum decimal.Decimal) decimal.Decimal {
	return depositSum
}

func isAbsent(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrMalformedResponse)
}

func distinctMarketIDs(records []PositionRecord) []string {
	seen := make(map[string]struct{}, len(records))
	ids := make([]string, 0, len(records))
	for _, r := range records {
		if r.MarketID == "" {
			continue
		}
		if _, ok := seen[r.MarketID]; ok {
			continue
		}
		seen[r.MarketID] = struct{}{}
		ids = append(ids, r.MarketID)
	}
	return ids
}

func toPositions(records []PositionRecord) []Position {
	if len(records) == 0 {
		return nil
	}
	out := make([]Position, 0, len(records))
	for _, r := range records {
		out = append(out, Position{MarketID: r.MarketID, TokenID: r.TokenID, Balance: r.Balance})
	}
	return out
}

// Package evm reads stablecoin deposits into participant wallets from an
// EVM ledger.
package evm

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	lru "github.com/hashicorp/golang-lru"
	"github.com/shopspring/decimal"

	"github.com/shtanga0x/shtanga-leaderboard.github.io/internal/chain/evm/rpc"
	"github.com/shtanga0x/shtanga-leaderboard.github.io/internal/domain/model"
	"github.com/shtanga0x/shtanga-leaderboard.github.io/internal/metrics"
)

const (
	DefaultTokenDecimals    = 6
	DefaultBlockLookupPause = 100 * time.Millisecond

	defaultBlockCacheSize = 4096
)

// TransferTopic is keccak256("Transfer(address,address,uint256)").
var TransferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// Transfer is a decoded token Transfer event. Timestamp is Unix seconds and
// stays 0 until resolved.
type Transfer struct {
	TxHash      string
	BlockNumber int64
	From        string
	To          string
	Amount      *big.Int
	Timestamp   int64
}

type Config struct {
	TokenAddress     string
	TokenDecimals    int32
	BlockLookupPause time.Duration
	BlockCacheSize   int
}

// Reader fetches inbound token transfers for a wallet.
type Reader struct {
	ledger   rpc.Ledger
	token    common.Address
	decimals int32
	pause    time.Duration
	blocks   *lru.Cache
	logger   *slog.Logger
	sleepFn  func(ctx context.Context, d time.Duration) error
}

type Option func(*Reader)

// WithSleep replaces the pause between block timestamp lookups.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(r *Reader) { r.sleepFn = fn }
}

func NewReader(ledger rpc.Ledger, cfg Config, logger *slog.Logger, opts ...Option) (*Reader, error) {
	if !common.IsHexAddress(cfg.TokenAddress) {
		return nil, &model.ValidationError{Field: "token address", Value: cfg.TokenAddress, Reason: "not a hex address"}
	}
	if cfg.TokenDecimals <= 0 {
		cfg.TokenDecimals = DefaultTokenDecimals
	}
	if cfg.BlockLookupPause < 0 {
		cfg.BlockLookupPause = DefaultBlockLookupPause
	}
	if cfg.BlockCacheSize <= 0 {
		cfg.BlockCacheSize = defaultBlockCacheSize
	}

	blocks, err := lru.New(cfg.BlockCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create block cache: %w", err)
	}

	r := &Reader{
		ledger:   ledger,
		token:    common.HexToAddress(cfg.TokenAddress),
		decimals: cfg.TokenDecimals,
		pause:    cfg.BlockLookupPause,
		blocks:   blocks,
		logger:   logger.With("component", "chain_reader"),
		sleepFn:  sleepContext,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// FetchDeposits returns Transfer events into wallet between fromBlock and
// toBlock inclusive. A nil toBlock means the latest block.
func (r *Reader) FetchDeposits(ctx context.Context, wallet string, fromBlock int64, toBlock *int64) ([]Transfer, error) {
	if err := validateQuery(wallet, fromBlock); err != nil {
		return nil, err
	}

	to := "latest"
	if toBlock != nil {
		to = rpc.FormatBlockNumber(*toBlock)
	}

	filter := rpc.LogFilter{
		FromBlock: rpc.FormatBlockNumber(fromBlock),
		ToBlock:   to,
		Address:   r.token.Hex(),
		Topics: []interface{}{
			TransferTopic.Hex(),
			nil,
			addressTopic(common.HexToAddress(wallet)),
		},
	}

	logs, err := r.ledger.GetLogs(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("fetch transfer logs for %s: %w", wallet, err)
	}

	transfers := make([]Transfer, 0, len(logs))
	for _, l := range logs {
		t, err := decodeTransfer(l)
		if err != nil {
			r.logger.Debug("skipping undecodable log", "tx_hash", l.TransactionHash, "error", err)
			continue
		}
		transfers = append(transfers, t)
	}

	r.logger.Debug("fetched transfers", "wallet", wallet, "from_block", fromBlock, "count", len(transfers))
	return transfers, nil
}

// FetchDepositsWithTimestamps is FetchDeposits up to the current head with
// each transfer's block timestamp resolved. Pinning the range to the head
// read first keeps every returned block resolvable. Distinct blocks are
// looked up one at a time with a pause between lookups.
func (r *Reader) FetchDepositsWithTimestamps(ctx context.Context, wallet string, fromBlock int64) ([]Transfer, error) {
	if err := validateQuery(wallet, fromBlock); err != nil {
		return nil, err
	}
	head, err := r.CurrentBlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("read ledger head: %w", err)
	}
	if head < fromBlock {
		r.logger.Debug("ledger head behind start block", "head", head, "from_block", fromBlock)
		return []Transfer{}, nil
	}

	transfers, err := r.FetchDeposits(ctx, wallet, fromBlock, &head)
	if err != nil {
		return nil, err
	}
	if len(transfers) == 0 {
		return transfers, nil
	}

	timestamps, err := r.resolveTimestamps(ctx, distinctBlocks(transfers))
	if err != nil {
		return nil, err
	}
	for i := range transfers {
		transfers[i].Timestamp = timestamps[transfers[i].BlockNumber]
	}
	return transfers, nil
}

func (r *Reader) resolveTimestamps(ctx context.Context, blocks []int64) (map[int64]int64, error) {
	timestamps := make(map[int64]int64, len(blocks))
	lookups := 0
	for _, number := range blocks {
		if cached, ok := r.blocks.Get(number); ok {
			metrics.BlockTimestampCacheHits.Inc()
			timestamps[number] = cached.(int64)
			continue
		}

		if lookups > 0 {
			if err := r.sleepFn(ctx, r.pause); err != nil {
				return nil, err
			}
		}
		lookups++

		ts, err := r.blockTimestamp(ctx, number)
		if err != nil {
			return nil, err
		}
		r.blocks.Add(number, ts)
		timestamps[number] = ts
	}
	return timestamps, nil
}

func (r *Reader) blockTimestamp(ctx context.Context, number int64) (int64, error) {
	block, err := r.ledger.GetBlockByNumber(ctx, number, false)
	if err != nil {
		return 0, fmt.Errorf("lookup block %d: %w", number, err)
	}
	if block == nil {
		return 0, fmt.Errorf("lookup block %d: block not available yet", number)
	}
	ts, err := rpc.ParseHexInt64(block.Timestamp)
	if err != nil {
		return 0, fmt.Errorf("parse timestamp of block %d: %w", number, err)
	}
	return ts, nil
}

func validateQuery(wallet string, fromBlock int64) error {
	if !common.IsHexAddress(wallet) || !strings.HasPrefix(strings.ToLower(strings.TrimSpace(wallet)), "0x") {
		return &model.ValidationError{Field: "wallet", Value: wallet, Reason: "not a hex address"}
	}
	if fromBlock < 0 {
		return &model.ValidationError{Field: "from block", Value: fmt.Sprint(fromBlock), Reason: "must not be negative"}
	}
	return nil
}

// CurrentBlockNumber returns the ledger head.
func (r *Reader) CurrentBlockNumber(ctx context.Context) (int64, error) {
	return r.ledger.GetBlockNumber(ctx)
}

// ConvertAmount scales a raw token amount by the token's decimals. The
// result is exact.
func (r *Reader) ConvertAmount(raw *big.Int) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, -r.decimals)
}

// TransferToDeposit maps a transfer onto the participant's Deposit record.
func (r *Reader) TransferToDeposit(t Transfer, participantID int64, wallet string) model.Deposit {
	return model.Deposit{
		ParticipantID: participantID,
		Wallet:        model.NormalizeWallet(wallet),
		TxHash:        strings.ToLower(t.TxHash),
		BlockNumber:   t.BlockNumber,
		Amount:        r.ConvertAmount(t.Amount),
		Timestamp:     time.Unix(t.Timestamp, 0).UTC(),
	}
}

func decodeTransfer(l *rpc.Log) (Transfer, error) {
	if l == nil {
		return Transfer{}, fmt.Errorf("nil log")
	}
	if l.Removed {
		return Transfer{}, fmt.Errorf("log removed by reorg")
	}
	if len(l.Topics) != 3 || !strings.EqualFold(l.Topics[0], TransferTopic.Hex()) {
		return Transfer{}, fmt.Errorf("not a Transfer event")
	}
	data, err := hexutil.Decode(l.Data)
	if err != nil {
		return Transfer{}, fmt.Errorf("decode data: %w", err)
	}
	if len(data) != 32 {
		return Transfer{}, fmt.Errorf("unexpected data length %d", len(data))
	}
	blockNumber, err := rpc.ParseHexInt64(l.BlockNumber)
	if err != nil {
		return Transfer{}, fmt.Errorf("parse block number: %w", err)
	}

	return Transfer{
		TxHash:      l.TransactionHash,
		BlockNumber: blockNumber,
		From:        topicAddress(l.Topics[1]),
		To:          topicAddress(l.Topics[2]),
		Amount:      new(big.Int).SetBytes(data),
	}, nil
}

func addressTopic(addr common.Address) string {
	return common.BytesToHash(addr.Bytes()).Hex()
}

func topicAddress(topic string) string {
	return strings.ToLower(common.BytesToAddress(common.HexToHash(topic).Bytes()).Hex())
}

func distinctBlocks(transfers []Transfer) []int64 {
	seen := make(map[int64]struct{}, len(transfers))
	out := make([]int64, 0, len(transfers))
	for _, t := range transfers {
		if _, ok := seen[t.BlockNumber]; ok {
			continue
		}
		seen[t.BlockNumber] = struct{}{}
		out = append(out, t.BlockNumber)
	}
	return out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

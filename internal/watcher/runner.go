// Package watcher streams escrow contract logs, turns them into facts, and
// records them in the outbox. Recording and delivery are decoupled: the
// runner never waits on the webhook, only on the chain.
package watcher

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"ticketflow/internal/facts"
	"ticketflow/internal/model"
	"ticketflow/internal/outbox"
)

// Source is the chain access the runner needs. *chain.Client satisfies it.
type Source interface {
	ChainID(ctx context.Context) (*big.Int, error)
	LatestBlockNumber(ctx context.Context) (uint64, error)
	BlockTimestamp(ctx context.Context, number uint64) (uint64, error)
	FilterLogs(ctx context.Context, fromBlock, toBlock uint64, contract common.Address, topic0 []common.Hash) ([]types.Log, error)
}

// RunConfig holds runtime settings for the watcher.
type RunConfig struct {
	Contract          common.Address
	FromBlock         uint64
	ToBlock           uint64 // 0 means latest
	Follow            bool   // keep polling for new blocks after catching up
	PollInterval      time.Duration
	BatchSize         uint64
	CheckpointPath    string
	CheckpointEnabled bool
	MaxRetries        int
	RetryBackoff      time.Duration
}

// Runner indexes escrow logs into the outbox.
type Runner struct {
	cfg        RunConfig
	source     Source
	decoder    *facts.Decoder
	sink       outbox.Store
	logger     *zap.Logger
	seen       map[model.FactKey]struct{}
	checkpoint *CheckpointStore
}

// NewRunner builds a Runner with its dependencies.
func NewRunner(cfg RunConfig, source Source, decoder *facts.Decoder, sink outbox.Store, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &Runner{
		cfg:        cfg,
		source:     source,
		decoder:    decoder,
		sink:       sink,
		logger:     logger,
		seen:       make(map[model.FactKey]struct{}),
		checkpoint: NewCheckpointStore(cfg.CheckpointPath, cfg.CheckpointEnabled),
	}
}

// Run executes the indexing loop.
func (r *Runner) Run(ctx context.Context) error {
	if r.source == nil {
		return fmt.Errorf("source is nil")
	}
	if r.decoder == nil {
		return fmt.Errorf("decoder is nil")
	}
	if r.sink == nil {
		return fmt.Errorf("outbox is nil")
	}
	if r.cfg.BatchSize == 0 {
		return fmt.Errorf("batch size must be greater than zero")
	}
	if r.cfg.Contract == (common.Address{}) {
		return fmt.Errorf("contract address is required")
	}

	chainID, err := r.source.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("get chain id: %w", err)
	}
	if !chainID.IsUint64() {
		return fmt.Errorf("chain id does not fit in uint64: %s", chainID)
	}
	chainIDValue := chainID.Uint64()

	from := r.cfg.FromBlock
	if cp, ok, err := r.checkpoint.Load(); err != nil {
		return err
	} else if ok && cp.LastProcessedBlock >= from {
		from = cp.LastProcessedBlock + 1
		r.logger.Info("resume from checkpoint", zap.Uint64("last_processed", cp.LastProcessedBlock), zap.Uint64("from", from))
	}

	for {
		to := r.cfg.ToBlock
		if to == 0 {
			latest, err := r.source.LatestBlockNumber(ctx)
			if err != nil {
				return fmt.Errorf("get latest block: %w", err)
			}
			to = latest
		}

		if from <= to {
			if err := r.syncRange(ctx, chainIDValue, from, to); err != nil {
				return err
			}
			from = to + 1
		} else {
			r.logger.Debug("nothing to sync", zap.Uint64("from", from), zap.Uint64("to", to))
		}

		if !r.cfg.Follow {
			return nil
		}

		timer := time.NewTimer(r.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (r *Runner) syncRange(ctx context.Context, chainID, from, to uint64) error {
	ranges, err := SplitRange(from, to, r.cfg.BatchSize)
	if err != nil {
		return err
	}

	for _, blockRange := range ranges {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		r.logger.Info("fetch logs", zap.Uint64("from", blockRange.From), zap.Uint64("to", blockRange.To))

		logs, err := r.filterLogsWithRetry(ctx, blockRange.From, blockRange.To)
		if err != nil {
			return fmt.Errorf("filter logs: %w", err)
		}

		batch := make([]model.Fact, 0, len(logs))
		for _, log := range logs {
			if log.Removed {
				continue
			}
			if !r.decoder.CanDecode(log) {
				r.logger.Debug("skip foreign log", zap.Uint64("block_number", log.BlockNumber), zap.Uint64("log_index", uint64(log.Index)))
				continue
			}

			key := model.FactKey{ChainID: chainID, BlockNumber: log.BlockNumber, LogIndex: uint64(log.Index)}
			if _, dup := r.seen[key]; dup {
				continue
			}

			ts, err := r.blockTimestampWithRetry(ctx, log.BlockNumber)
			if err != nil {
				return fmt.Errorf("block timestamp %d: %w", log.BlockNumber, err)
			}

			fact, err := r.decoder.Decode(chainID, log, ts)
			if err != nil {
				// A malformed log cannot become a fact; record it loudly and
				// keep indexing.
				r.logger.Error("decode log failed",
					zap.Uint64("block_number", log.BlockNumber),
					zap.Uint64("log_index", uint64(log.Index)),
					zap.String("tx_hash", log.TxHash.Hex()),
					zap.Error(err),
				)
				continue
			}

			r.seen[key] = struct{}{}
			batch = append(batch, fact)
		}

		// Facts are durable in the outbox before the checkpoint moves, so a
		// crash between the two replays the range instead of losing it.
		if err := r.sink.Append(batch); err != nil {
			return fmt.Errorf("record facts: %w", err)
		}
		if err := r.checkpoint.Save(blockRange.To); err != nil {
			return err
		}

		r.logger.Info("batch complete", zap.Int("facts", len(batch)), zap.Uint64("from", blockRange.From), zap.Uint64("to", blockRange.To))
	}

	return nil
}

func (r *Runner) filterLogsWithRetry(ctx context.Context, fromBlock, toBlock uint64) ([]types.Log, error) {
	var logs []types.Log
	err := withRetry(ctx, r.cfg.MaxRetries, r.cfg.RetryBackoff, func(ctx context.Context) error {
		var err error
		logs, err = r.source.FilterLogs(ctx, fromBlock, toBlock, r.cfg.Contract, nil)
		if err != nil {
			r.logger.Warn("filter logs failed", zap.Error(err), zap.Uint64("from", fromBlock), zap.Uint64("to", toBlock))
		}
		return err
	})
	return logs, err
}

func (r *Runner) blockTimestampWithRetry(ctx context.Context, blockNumber uint64) (uint64, error) {
	var ts uint64
	err := withRetry(ctx, r.cfg.MaxRetries, r.cfg.RetryBackoff, func(ctx context.Context) error {
		var err error
		ts, err = r.source.BlockTimestamp(ctx, blockNumber)
		if err != nil {
			r.logger.Warn("block timestamp fetch failed", zap.Error(err), zap.Uint64("block_number", blockNumber))
		}
		return err
	})
	return ts, err
}

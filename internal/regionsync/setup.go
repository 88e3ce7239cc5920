package regionsync

import (
	"fmt"

	"github.com/openmined/regionsync/internal/compress"
	"github.com/openmined/regionsync/internal/config"
	"github.com/openmined/regionsync/internal/ledger"
	"github.com/openmined/regionsync/internal/transfer"
)

// NewFromConfig opens the ledger, builds the compressor and the connection
// pool for the configured remote and returns a coordinator that is ready to Start.
func NewFromConfig(cfg *config.Config) (*Coordinator, error) {
	if err := cfg.ValidateRemote(); err != nil {
		return nil, fmt.Errorf("remote: %w", err)
	}

	codec, err := compress.ParseCodec(cfg.Compression.Codec)
	if err != nil {
		return nil, err
	}
	algo, err := compress.ParseChecksumAlgorithm(cfg.Compression.Checksum)
	if err != nil {
		return nil, err
	}

	compressor, err := compress.New(compress.Config{
		StagingDir: cfg.StagingDir,
		Codec:      codec,
		Level:      cfg.Compression.Level,
		Checksum:   algo,
	})
	if err != nil {
		return nil, err
	}

	dial, err := transfer.NewDialer(cfg.Remote)
	if err != nil {
		return nil, err
	}

	l := ledger.NewLedger(cfg.LedgerPath())
	if err := l.Open(); err != nil {
		return nil, err
	}

	opts := Options{
		Workers:         cfg.Workers,
		QueueCapacity:   cfg.QueueCapacity,
		QueueFullPolicy: cfg.QueueFullPolicy,
		MaxAttempts:     cfg.MaxAttempts,
		Backoff: Backoff{
			Base:   cfg.BackoffBase,
			Max:    cfg.BackoffMax,
			Jitter: cfg.BackoffJitter,
		},
		LocalCleanup:         cfg.LocalCleanup,
		ArchiveDir:           cfg.ArchiveDir,
		QuarantineDir:        cfg.QuarantineDir,
		RetryFailedOnRestart: cfg.RetryFailedOnRestart,
		SummaryInterval:      cfg.SummaryInterval,
		OpTimeout:            cfg.Remote.OpTimeout,
		Layout:               transfer.Layout{BasePath: cfg.Remote.BasePath, Suffix: compressor.Codec().Suffix()},
		Checksum:             compressor.ChecksumAlgorithm(),
		DiskPath:             cfg.WorldsDir,
		WorldsDir:            cfg.WorldsDir,
	}
	return New(opts, l, compressor, transfer.NewPool(cfg.Remote.PoolSize, dial)), nil
}

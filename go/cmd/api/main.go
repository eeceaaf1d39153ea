package main

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"
	flag "github.com/spf13/pflag"

	"veriBatch/go/internal/api"
	"veriBatch/go/internal/batch"
	"veriBatch/go/internal/config"
	"veriBatch/go/internal/db"
	"veriBatch/go/internal/ledger"
	"veriBatch/go/internal/message"
	"veriBatch/go/internal/metrics"
	"veriBatch/go/internal/prover"
	"veriBatch/go/internal/service"
)

func main() {
	if err := config.LoadEnvFile(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "Error loading .env file: %v\n", err)
		os.Exit(1)
	}
	cfg, err := config.Parse(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(os.Stderr, log.FromLegacyLevel(cfg.Verbosity), true)))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg); err != nil {
		log.Crit("Server failed", "err", err)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	metrics.Init(cfg.ServiceName)

	certifier, err := newCertifier(cfg)
	if err != nil {
		return err
	}
	program, err := batch.New(certifier, batch.Options{
		Branching: cfg.Branching,
		Domain:    message.Domain{Bits: cfg.BitWidth},
	}, nil)
	if err != nil {
		return err
	}

	backend, err := openLedger(ctx, cfg)
	if err != nil {
		return err
	}
	defer backend.Close()

	contract, err := ledger.NewContract(backend.store, certifier, ledger.Options{
		Program:   batch.ProgramName,
		Branching: cfg.Branching,
	}, nil)
	if err != nil {
		return err
	}
	if err := contract.Deploy(ctx); err != nil {
		return err
	}

	rdb := db.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}

	svc, err := service.NewBatchService(service.Config{
		BatchSize:      cfg.BatchSize,
		BatchTimeout:   cfg.BatchTimeout,
		LockTTL:        cfg.LockTTL,
		IdempotencyTTL: cfg.IdempotencyTTL,
	}, service.Deps{
		Program:  program,
		Contract: contract,
		Queue:    db.NewQueue(rdb, cfg.BatchTTL),
		Archive:  backend.archive,
		Receipts: backend.receipts,
	})
	if err != nil {
		return err
	}

	srv := api.NewServer(cfg.Addr, svc, program.Domain(), nil)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err = <-errCh:
	case <-ctx.Done():
		log.Info("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		log.Warn("HTTP shutdown failed", "err", serr)
	}
	svc.Shutdown(shutdownCtx)
	return err
}

func newCertifier(cfg *config.Config) (prover.Certifier, error) {
	if cfg.ProverBackend == config.ProverRecorder {
		log.Warn("Proofs disabled, certificates only verify inside this process")
		return prover.NewRecorder(), nil
	}
	var (
		key *ecdsa.PrivateKey
		err error
	)
	if cfg.ProverKey != "" {
		key, err = prover.LoadKey(cfg.ProverKey)
	} else {
		log.Warn("No prover key configured, using an ephemeral key")
		key, err = prover.GenerateKey()
	}
	if err != nil {
		return nil, err
	}
	signer, err := prover.NewSigner(key, cfg.VerifyCacheSize, nil)
	if err != nil {
		return nil, err
	}
	log.Info("Prover ready", "address", signer.Address())
	return signer, nil
}

type ledgerBackend struct {
	store    ledger.Store
	archive  service.Archive
	receipts ledger.ReceiptSource
	closer   io.Closer
}

func (b *ledgerBackend) Close() {
	if b.closer != nil {
		if err := b.closer.Close(); err != nil {
			log.Warn("Failed to close ledger store", "err", err)
		}
	}
}

func openLedger(ctx context.Context, cfg *config.Config) (*ledgerBackend, error) {
	switch cfg.LedgerBackend {
	case config.LedgerMySQL:
		sqlDB, err := db.Open(ctx, cfg.MySQLDSN)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(ctx, sqlDB); err != nil {
			sqlDB.Close()
			return nil, err
		}
		store := db.NewCounterStore(sqlDB)
		return &ledgerBackend{store: store, archive: db.NewArchive(sqlDB), receipts: store, closer: sqlDB}, nil
	case config.LedgerLevelDB:
		store, err := ledger.OpenLevelStore(cfg.LevelDBPath, cfg.LevelDBCache, 64)
		if err != nil {
			return nil, err
		}
		return &ledgerBackend{store: store, closer: store}, nil
	default:
		store := ledger.NewMemoryStore()
		return &ledgerBackend{store: store, receipts: store}, nil
	}
}

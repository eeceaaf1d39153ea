// Package service drives batches from submission to the ledger: it queues
// submissions per batch, folds them into the batch's certificate chain and
// hands final certificates to the ledger contract.
package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"

	"veriBatch/go/internal/batch"
	"veriBatch/go/internal/db"
	"veriBatch/go/internal/ledger"
	"veriBatch/go/internal/message"
	"veriBatch/go/internal/metrics"
	"veriBatch/go/internal/prover"
)

var (
	ErrUnknownBatch = errors.New("service: unknown batch")
	ErrBatchBusy    = errors.New("service: batch is being folded")
	ErrNoArchive    = errors.New("service: no archive configured")
)

type Config struct {
	// BatchSize is how many pending submissions trigger a fold, and how
	// many are popped per round.
	BatchSize int
	// BatchTimeout folds batches idle for this long.
	BatchTimeout time.Duration
	// LockTTL bounds how long a fold may hold a batch; each round renews it.
	// A folder that loses the lock stops before popping the next round.
	LockTTL        time.Duration
	IdempotencyTTL time.Duration
}

func (c *Config) setDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 16
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 2 * time.Second
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 30 * time.Second
	}
	if c.IdempotencyTTL <= 0 {
		c.IdempotencyTTL = 24 * time.Hour
	}
}

// Archive keeps folded steps. *db.Archive implements it.
type Archive interface {
	RecordSteps(ctx context.Context, batchID string, steps []db.StepRecord) error
	Steps(ctx context.Context, batchID string) ([]db.StepRecord, error)
}

type Deps struct {
	Program  *batch.Program
	Contract *ledger.Contract
	Queue    *db.Queue
	// Archive and Receipts are optional.
	Archive  Archive
	Receipts ledger.ReceiptSource
	Logger   log.Logger
}

// Tip is the current state of a batch.
type Tip struct {
	BatchID     string              `json:"batch_id"`
	Certificate *prover.Certificate `json:"certificate"`
	Steps       int                 `json:"steps"`
	Pending     int64               `json:"pending"`
}

type Submitted struct {
	BatchID   string `json:"batch_id"`
	MessageID uint64 `json:"message_id"`
	Pending   int64  `json:"pending"`
	Duplicate bool   `json:"duplicate"`
}

// BatchService owns the submission path and the background flusher.
type BatchService struct {
	cfg      Config
	program  *batch.Program
	contract *ledger.Contract
	queue    *db.Queue
	archive  Archive
	receipts ledger.ReceiptSource
	log      log.Logger

	activeBatches map[string]time.Time // batchID -> last submission
	mu            sync.Mutex
	stopCh        chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup
}

// NewBatchService builds the service and starts the background flusher.
func NewBatchService(cfg Config, deps Deps) (*BatchService, error) {
	if deps.Program == nil || deps.Contract == nil || deps.Queue == nil {
		return nil, fmt.Errorf("service: program, contract and queue are required")
	}
	cfg.setDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = log.Root()
	}
	s := &BatchService{
		cfg:           cfg,
		program:       deps.Program,
		contract:      deps.Contract,
		queue:         deps.Queue,
		archive:       deps.Archive,
		receipts:      deps.Receipts,
		log:           logger.New("module", "service"),
		activeBatches: make(map[string]time.Time),
		stopCh:        make(chan struct{}),
	}
	s.wg.Add(1)
	go s.flusher()
	return s, nil
}

// Shutdown stops the flusher and waits for in-flight folds.
func (s *BatchService) Shutdown(ctx context.Context) {
	s.stopOnce.Do(func() { close(s.stopCh) })
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// OpenBatch starts a new batch at the genesis certificate.
func (s *BatchService) OpenBatch(ctx context.Context) (Tip, error) {
	id := uuid.NewString()
	genesis, err := s.program.Genesis(ctx)
	if err != nil {
		return Tip{}, err
	}
	if err := s.queue.SaveTip(ctx, id, genesis, 0); err != nil {
		return Tip{}, fmt.Errorf("save tip: %w", err)
	}
	s.log.Debug("Opened batch", "batch", id)
	return Tip{BatchID: id, Certificate: genesis}, nil
}

// SubmitMessage queues a submission for a batch.
//  1. The submission must fit the program's domain.
//  2. A repeated idempotency key returns the first submission.
//  3. The submission is appended to batch:{id}:pending.
//  4. A full batch is folded in the background.
func (s *BatchService) SubmitMessage(ctx context.Context, batchID string, sub message.Submission, idempKey string) (Submitted, error) {
	if err := s.program.Domain().CheckSubmission(sub); err != nil {
		return Submitted{}, err
	}
	ok, err := s.queue.Exists(ctx, batchID)
	if err != nil {
		return Submitted{}, err
	}
	if !ok {
		return Submitted{}, ErrUnknownBatch
	}

	if idempKey != "" {
		value := batchID + "/" + strconv.FormatUint(sub.MessageID, 10)
		existing, stored, err := s.queue.ClaimIdempotency(ctx, idempKey, value, s.cfg.IdempotencyTTL)
		switch {
		case err != nil:
			s.log.Warn("Idempotency check failed", "key", idempKey, "err", err)
			idempKey = ""
		case !stored:
			return duplicateOf(existing), nil
		}
	}

	n, err := s.queue.Push(ctx, batchID, sub)
	if err != nil {
		if idempKey != "" {
			_ = s.queue.ForgetIdempotency(context.WithoutCancel(ctx), idempKey)
		}
		return Submitted{}, err
	}
	metrics.IncMessagesSubmitted()

	s.mu.Lock()
	s.activeBatches[batchID] = time.Now()
	s.mu.Unlock()

	if n >= int64(s.cfg.BatchSize) {
		s.foldAsync(batchID)
	}
	return Submitted{BatchID: batchID, MessageID: sub.MessageID, Pending: n}, nil
}

func duplicateOf(value string) Submitted {
	out := Submitted{Duplicate: true}
	batchID, id, _ := strings.Cut(value, "/")
	out.BatchID = batchID
	out.MessageID, _ = strconv.ParseUint(id, 10, 64)
	return out
}

func (s *BatchService) foldAsync(batchID string) {
	select {
	case <-s.stopCh:
		return
	default:
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.Fold(context.Background(), batchID); err != nil && !errors.Is(err, ErrBatchBusy) {
			s.log.Warn("Background fold failed", "batch", batchID, "err", err)
		}
	}()
}

// Tip returns the stored tip of a batch and its pending count.
func (s *BatchService) Tip(ctx context.Context, batchID string) (Tip, error) {
	cert, steps, err := s.queue.LoadTip(ctx, batchID)
	if errors.Is(err, db.ErrNoBatch) {
		return Tip{}, ErrUnknownBatch
	}
	if err != nil {
		return Tip{}, err
	}
	pending, err := s.queue.Pending(ctx, batchID)
	if err != nil {
		return Tip{}, err
	}
	return Tip{BatchID: batchID, Certificate: cert, Steps: steps, Pending: pending}, nil
}

// Fold drains the pending submissions of a batch into its chain. Only one
// caller folds a batch at a time; others get ErrBatchBusy.
func (s *BatchService) Fold(ctx context.Context, batchID string) (Tip, error) {
	token := uuid.NewString()
	ok, err := s.queue.AcquireLock(ctx, batchID, token, s.cfg.LockTTL)
	if err != nil {
		return Tip{}, fmt.Errorf("acquire lock error: %w", err)
	}
	if !ok {
		return Tip{}, ErrBatchBusy
	}
	defer func() {
		if err := s.queue.ReleaseLock(context.WithoutCancel(ctx), batchID, token); err != nil {
			s.log.Warn("Failed to release batch lock", "batch", batchID, "err", err)
		}
	}()

	start := time.Now()
	tip, err := s.fold(ctx, batchID, token)
	metrics.ObserveBusiness("fold", start, err)
	return tip, err
}

// fold pops BatchSize submissions per round. A failing step leaves the chain
// at the last good certificate and puts the unprocessed submissions back at
// the head of the queue in their original order.
func (s *BatchService) fold(ctx context.Context, batchID, token string) (Tip, error) {
	cert, steps, err := s.queue.LoadTip(ctx, batchID)
	if errors.Is(err, db.ErrNoBatch) {
		return Tip{}, ErrUnknownBatch
	}
	if err != nil {
		return Tip{}, err
	}
	chain := s.program.Resume(cert, steps)
	bg := context.WithoutCancel(ctx)

	for {
		held, err := s.queue.ExtendLock(ctx, batchID, token, s.cfg.LockTTL)
		if err != nil {
			return Tip{}, fmt.Errorf("extend lock error: %w", err)
		}
		if !held {
			return Tip{}, fmt.Errorf("%w: lock lost after %d steps", ErrBatchBusy, chain.Len())
		}
		subs, err := s.queue.Pop(ctx, batchID, s.cfg.BatchSize)
		if err != nil {
			return Tip{}, err
		}
		if len(subs) == 0 {
			break
		}
		records := make([]db.StepRecord, 0, len(subs))
		for i, sub := range subs {
			if err := chain.Append(ctx, sub); err != nil {
				s.pushBack(bg, batchID, subs[i:])
				if saveErr := s.commit(bg, batchID, chain, records); saveErr != nil {
					s.pushBack(bg, batchID, subs[:i])
				}
				return Tip{}, err
			}
			records = append(records, db.StepRecord{
				Seq:       chain.Len(),
				MessageID: sub.MessageID,
				Message:   sub.Message,
				Valid:     sub.Message.IsValid(),
				Output:    chain.Output(),
			})
		}
		if err := s.commit(bg, batchID, chain, records); err != nil {
			s.pushBack(bg, batchID, subs)
			return Tip{}, err
		}
	}

	pending, err := s.queue.Pending(ctx, batchID)
	if err != nil {
		return Tip{}, err
	}
	s.log.Debug("Folded batch", "batch", batchID, "steps", chain.Len(), "output", chain.Output())
	return Tip{BatchID: batchID, Certificate: chain.Tip(), Steps: chain.Len(), Pending: pending}, nil
}

func (s *BatchService) commit(ctx context.Context, batchID string, chain *batch.Chain, records []db.StepRecord) error {
	if len(records) == 0 {
		return nil
	}
	if err := s.queue.SaveTip(ctx, batchID, chain.Tip(), chain.Len()); err != nil {
		return fmt.Errorf("save tip: %w", err)
	}
	if s.archive != nil {
		if err := s.archive.RecordSteps(ctx, batchID, records); err != nil {
			s.log.Warn("Failed to archive steps", "batch", batchID, "steps", len(records), "err", err)
		}
	}
	return nil
}

func (s *BatchService) pushBack(ctx context.Context, batchID string, subs []message.Submission) {
	if err := s.queue.PushFront(ctx, batchID, subs); err != nil {
		s.log.Error("Lost pending submissions", "batch", batchID, "count", len(subs), "err", err)
	}
}

// Finalize folds whatever is pending and submits the batch's certificate to
// the ledger. Finalizing the same batch again yields a stale receipt.
func (s *BatchService) Finalize(ctx context.Context, batchID string) (ledger.Receipt, error) {
	tip, err := s.Fold(ctx, batchID)
	if err != nil {
		return ledger.Receipt{}, err
	}
	s.mu.Lock()
	delete(s.activeBatches, batchID)
	s.mu.Unlock()

	rec, err := s.contract.ProcessBatch(ctx, tip.Certificate)
	if err != nil {
		return ledger.Receipt{}, err
	}
	s.log.Info("Finalized batch", "batch", batchID, "steps", tip.Steps, "output", rec.Output, "stale", rec.Stale)
	return rec, nil
}

// ProcessCertificate submits a certificate built elsewhere.
func (s *BatchService) ProcessCertificate(ctx context.Context, cert *prover.Certificate) (ledger.Receipt, error) {
	return s.contract.ProcessBatch(ctx, cert)
}

func (s *BatchService) HighestMessageID(ctx context.Context) (uint64, error) {
	return s.contract.HighestMessageID(ctx)
}

func (s *BatchService) Receipts(ctx context.Context, limit int) ([]ledger.Receipt, error) {
	if s.receipts == nil {
		return nil, ErrNoArchive
	}
	return s.receipts.RecentReceipts(ctx, limit)
}

func (s *BatchService) Steps(ctx context.Context, batchID string) ([]db.StepRecord, error) {
	if s.archive == nil {
		return nil, ErrNoArchive
	}
	return s.archive.Steps(ctx, batchID)
}

func (s *BatchService) flusher() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.BatchTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			now := time.Now()
			var batchesToFold []string
			s.mu.Lock()
			for batchID, last := range s.activeBatches {
				if now.Sub(last) >= s.cfg.BatchTimeout {
					batchesToFold = append(batchesToFold, batchID)
					delete(s.activeBatches, batchID)
				}
			}
			s.mu.Unlock()

			for _, batchID := range batchesToFold {
				if _, err := s.Fold(context.Background(), batchID); err != nil && !errors.Is(err, ErrBatchBusy) {
					s.log.Warn("Idle fold failed", "batch", batchID, "err", err)
				}
			}
		}
	}
}

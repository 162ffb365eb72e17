// Package intake turns scan requests into queued scan tasks.
package intake

import (
	"context"
	"time"

	"github.com/Laisky/errors/v2"
	logSDK "github.com/Laisky/go-utils/v6/log"
	"github.com/Laisky/zap"

	"github.com/Laisky/telegram-filescan/internal/scan"
	"github.com/Laisky/telegram-filescan/internal/scan/bus"
	"github.com/Laisky/telegram-filescan/internal/scan/dao"
	rlibs "github.com/Laisky/telegram-filescan/library/db/redis"
	"github.com/Laisky/telegram-filescan/library/log"
)

// RecordFinder loads the FileRecord of a message.
type RecordFinder interface {
	FindByMessage(ctx context.Context, ref scan.MessageRef) (*scan.FileRecord, error)
}

// Enqueuer accepts scan tasks.
type Enqueuer interface {
	Add(task scan.ScanTask) (done <-chan struct{}, accepted bool)
}

// Claimer holds a cross-process claim until it is released or expires.
type Claimer interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

const releaseTimeout = 5 * time.Second

// Outcome describes what happened to a request.
type Outcome int

const (
	// Enqueued means a new task was queued.
	Enqueued Outcome = iota
	// Duplicate means the file is already being scanned, here or elsewhere.
	Duplicate
)

// Intake materialises scan tasks from FileRecords.
type Intake struct {
	records  RecordFinder
	queue    Enqueuer
	claimer  Claimer
	claimTTL time.Duration
	logger   logSDK.Logger
}

// Option configures an Intake.
type Option func(*Intake)

// WithClaimer enables cross-process deduplication.
func WithClaimer(claimer Claimer, ttl time.Duration) Option {
	return func(in *Intake) {
		in.claimer = claimer
		in.claimTTL = ttl
	}
}

// WithLogger sets the logger.
func WithLogger(logger logSDK.Logger) Option {
	return func(in *Intake) {
		if logger != nil {
			in.logger = logger
		}
	}
}

// New builds an Intake.
func New(records RecordFinder, queue Enqueuer, opts ...Option) (*Intake, error) {
	if records == nil {
		return nil, errors.New("record finder is required")
	}
	if queue == nil {
		return nil, errors.New("queue is required")
	}

	in := &Intake{
		records: records,
		queue:   queue,
		logger:  log.Logger.Named("intake"),
	}
	for _, opt := range opts {
		opt(in)
	}

	return in, nil
}

// Accept looks up the record of ref and enqueues it. It returns
// dao.ErrRecordNotFound when the message has no pending record.
func (in *Intake) Accept(ctx context.Context, ref scan.MessageRef) (Outcome, error) {
	rec, err := in.records.FindByMessage(ctx, ref)
	if err != nil {
		return Duplicate, errors.Wrapf(err, "load record of %s/%d/%d", ref.TenantID, ref.ChatID, ref.MessageID)
	}
	task := rec.Task()

	claimKey := ""
	if in.claimer != nil {
		owned, err := in.claimer.Claim(ctx, rlibs.KeyPrefixClaim+task.Fingerprint, in.claimTTL)
		switch {
		case err != nil:
			in.logger.Warn("claim scan, continue without cross-process dedup",
				zap.String("fingerprint", task.Fingerprint), zap.Error(err))
		case !owned:
			in.logger.Debug("scan claimed by another process", zap.String("fingerprint", task.Fingerprint))
			return Duplicate, nil
		default:
			claimKey = rlibs.KeyPrefixClaim + task.Fingerprint
		}
	}

	done, ok := in.queue.Add(task)
	if !ok {
		if claimKey != "" {
			in.release(claimKey)
		}
		return Duplicate, nil
	}
	if claimKey != "" {
		// the claim lasts as long as the task, the ttl only bounds crashed processes
		go func() {
			<-done
			in.release(claimKey)
		}()
	}

	in.logger.Debug("scan task enqueued",
		zap.String("tenant", task.TenantID),
		zap.String("fingerprint", task.Fingerprint))
	return Enqueued, nil
}

func (in *Intake) release(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()

	if err := in.claimer.Release(ctx, key); err != nil {
		in.logger.Warn("release scan claim", zap.String("key", key), zap.Error(err))
	}
}

// HandleScanRequested is the bus callback for scan requests.
func (in *Intake) HandleScanRequested(ctx context.Context, req bus.ScanRequested) {
	if _, err := in.Accept(ctx, req); err != nil {
		if errors.Is(err, dao.ErrRecordNotFound) {
			in.logger.Debug("no pending record for scan request", zap.Error(err))
			return
		}
		in.logger.Error("accept scan request", zap.Error(err))
	}
}

// BusHandler decodes scan requests for a bus.Dispatcher.
func (in *Intake) BusHandler() bus.Handler {
	return bus.JSON(in.logger, in.HandleScanRequested)
}

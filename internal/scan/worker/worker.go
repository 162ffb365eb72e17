// Package worker runs one scan task end to end.
package worker

import (
	"context"
	"time"

	"github.com/Laisky/errors/v2"
	gutils "github.com/Laisky/go-utils/v6"
	logSDK "github.com/Laisky/go-utils/v6/log"
	"github.com/Laisky/zap"

	"github.com/Laisky/telegram-filescan/internal/scan"
	"github.com/Laisky/telegram-filescan/internal/scan/bus"
	"github.com/Laisky/telegram-filescan/internal/scan/classifier"
	"github.com/Laisky/telegram-filescan/internal/scan/fetcher"
	"github.com/Laisky/telegram-filescan/internal/scan/metrics"
	"github.com/Laisky/telegram-filescan/library/log"
)

const cleanupTimeout = 10 * time.Second

// RecordDeleter removes a FileRecord once its scan is over.
type RecordDeleter interface {
	DeleteRecord(ctx context.Context, recordID string) error
}

// LinkResolver turns a file handle into a download URL.
type LinkResolver interface {
	ResolveLink(ctx context.Context, tenantID, fileHandle string) (scan.FileLink, error)
}

// PolicyProvider returns the extension policy of a chat.
type PolicyProvider interface {
	Policy(ctx context.Context, tenantID string, chatID int64) (scan.ExtensionPolicy, error)
}

// Fetcher downloads file headers.
type Fetcher interface {
	Fetch(ctx context.Context, url string) fetcher.Result
}

// Classifier judges file headers.
type Classifier interface {
	Classify(buf []byte) classifier.Verdict
	ClassifyWithPolicy(buf []byte, policy scan.ExtensionPolicy) classifier.Verdict
}

// DangerReporter records a dangerous file after its delete instruction was sent.
type DangerReporter interface {
	Report(ctx context.Context, event scan.DangerEvent) error
}

// Deps are the collaborators of a Worker.
type Deps struct {
	Records    RecordDeleter
	Links      LinkResolver
	Policies   PolicyProvider
	Fetcher    Fetcher
	Classifier Classifier
	Bus        bus.Bus
	Reporters  []DangerReporter
	Logger     logSDK.Logger
}

// Worker scans files. It implements queue.Runner.
type Worker struct {
	deps              Deps
	maxFileBytes      int64
	deleteTopicPrefix string
	thorough          bool
	logger            logSDK.Logger
}

// New builds a Worker.
func New(deps Deps, settings scan.Settings) (*Worker, error) {
	switch {
	case deps.Records == nil:
		return nil, errors.New("record store is required")
	case deps.Links == nil:
		return nil, errors.New("link resolver is required")
	case deps.Policies == nil:
		return nil, errors.New("policy provider is required")
	case deps.Fetcher == nil:
		return nil, errors.New("fetcher is required")
	case deps.Classifier == nil:
		return nil, errors.New("classifier is required")
	case deps.Bus == nil:
		return nil, errors.New("bus is required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = log.Logger.Named("worker")
	}

	return &Worker{
		deps:              deps,
		maxFileBytes:      settings.MaxFileBytes,
		deleteTopicPrefix: settings.Bus.DeleteTopicPrefix,
		thorough:          settings.Classifier.Mode == scan.ClassifierModeThorough,
		logger:            logger,
	}, nil
}

// Run scans task and always deletes its FileRecord afterwards.
//
// Infrastructure failures fail open: the file is left alone and nothing is
// published. Run only returns nil; failures are logged.
func (w *Worker) Run(ctx context.Context, task scan.ScanTask) error {
	logger := w.logger.With(
		zap.String("tenant", task.TenantID),
		zap.Int64("chat", task.ChatID),
		zap.Int("message", task.MessageID),
		zap.String("file", task.FileName),
	)

	result := "panicked"
	defer func() {
		w.cleanup(ctx, logger, task)
		metrics.ScansTotal.WithLabelValues(result).Inc()
	}()

	result = w.scan(ctx, logger, task)
	return nil
}

// scan returns the metric label of the task's terminal state.
func (w *Worker) scan(ctx context.Context, logger logSDK.Logger, task scan.ScanTask) string {
	if w.maxFileBytes > 0 && task.FileSize > w.maxFileBytes {
		logger.Debug("skip file too large to scan", zap.Int64("size", task.FileSize))
		return "skipped_too_large"
	}

	link, err := w.deps.Links.ResolveLink(ctx, task.TenantID, task.FileHandle)
	if err != nil {
		logger.Warn("resolve file link", zap.Error(err))
		return "link_unresolved"
	}

	res := w.deps.Fetcher.Fetch(ctx, link.URL)
	switch res.Outcome {
	case fetcher.OutcomeOK:
	case fetcher.OutcomeMissing:
		logger.Info("file missing on cdn, skip", zap.Int("attempts", res.Attempts))
		return "missing"
	default:
		logger.Warn("fetch file header failed, fail open",
			zap.String("outcome", res.Outcome.String()),
			zap.Int("status", res.Status),
			zap.Error(res.Err))
		return "fetch_failed"
	}

	policy, err := w.deps.Policies.Policy(ctx, task.TenantID, task.ChatID)
	if err != nil {
		logger.Warn("load extension policy, check executables only", zap.Error(err))
		policy = scan.ExtensionPolicy{}
	}

	verdict := w.classify(res.Body, policy)
	if !verdict.Danger() {
		logger.Debug("file is safe", zap.String("kind", verdict.Kind))
		return "safe"
	}

	logger.Info("dangerous file detected",
		zap.String("kind", verdict.Kind),
		zap.Strings("reasons", verdict.Reasons))

	topic := bus.DeleteTopic(w.deleteTopicPrefix, link.Host)
	instruction := bus.DeleteInstruction{MessageRef: task.Ref(), Reason: verdict.Reason()}
	if !w.deps.Bus.Publish(ctx, topic, instruction) {
		logger.Error("publish delete instruction", zap.String("topic", topic))
		return "dangerous_unpublished"
	}

	w.report(ctx, logger, task, verdict, res.Body)
	return "dangerous"
}

// classify runs the policy check, preceded by every heuristic in thorough mode.
func (w *Worker) classify(body []byte, policy scan.ExtensionPolicy) classifier.Verdict {
	if w.thorough {
		if verdict := w.deps.Classifier.Classify(body); verdict.Danger() {
			return verdict
		}
	}

	return w.deps.Classifier.ClassifyWithPolicy(body, policy)
}

func (w *Worker) report(ctx context.Context, logger logSDK.Logger,
	task scan.ScanTask, verdict classifier.Verdict, sample []byte) {
	if len(w.deps.Reporters) == 0 {
		return
	}

	event := scan.DangerEvent{
		TenantID:    task.TenantID,
		ChatID:      task.ChatID,
		MessageID:   task.MessageID,
		Fingerprint: task.Fingerprint,
		FileName:    task.FileName,
		Kind:        verdict.Kind,
		Reasons:     verdict.Reasons,
		DetectedAt:  gutils.Clock.GetUTCNow(),
		Sample:      sample,
	}
	for _, reporter := range w.deps.Reporters {
		if err := reporter.Report(ctx, event); err != nil {
			logger.Warn("report dangerous file", zap.Error(err))
		}
	}
}

// cleanup deletes the task's record even when ctx is already cancelled.
func (w *Worker) cleanup(ctx context.Context, logger logSDK.Logger, task scan.ScanTask) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	if err := w.deps.Records.DeleteRecord(ctx, task.RecordID); err != nil {
		logger.Warn("delete file record", zap.String("record", task.RecordID), zap.Error(err))
	}
}

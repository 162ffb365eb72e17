// Package bot runs tenant telegram bots, records their documents and
// deletes messages flagged by the scanner.
package bot

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Laisky/errors/v2"
	gutils "github.com/Laisky/go-utils/v6"
	logSDK "github.com/Laisky/go-utils/v6/log"
	"github.com/Laisky/zap"
	tb "gopkg.in/telebot.v3"

	"github.com/Laisky/telegram-filescan/internal/scan"
	"github.com/Laisky/telegram-filescan/internal/scan/bus"
	"github.com/Laisky/telegram-filescan/internal/scan/dao"
	"github.com/Laisky/telegram-filescan/library/log"
)

const defaultAPI = "https://api.telegram.org"

// Client is the part of *tb.Bot the host relies on.
type Client interface {
	Start()
	Stop()
	Handle(endpoint interface{}, h tb.HandlerFunc, m ...tb.MiddlewareFunc)
	Delete(msg tb.Editable) error
	FileByID(fileID string) (tb.File, error)
}

// ClientFactory connects a bot for token.
type ClientFactory func(token string) (Client, error)

// BotRegistry lists tenant bots and records where they run.
type BotRegistry interface {
	ListEnabled(ctx context.Context) ([]dao.TenantBot, error)
	SetHost(ctx context.Context, tenantID, host string) error
}

// RecordInserter persists FileRecords.
type RecordInserter interface {
	Insert(ctx context.Context, rec *scan.FileRecord) (bool, error)
}

// ScanRequester is the synchronous fallback used when publishing fails.
type ScanRequester interface {
	RequestScan(ctx context.Context, ref scan.MessageRef) error
}

// Config configures a Host.
type Config struct {
	// AdvertiseAddr is the address other processes reach this host at.
	// It also names this host's delete topic.
	AdvertiseAddr     string
	API               string
	ScanTopic         string
	DeleteTopicPrefix string
}

// Deps are the collaborators of a Host.
type Deps struct {
	Bots      BotRegistry
	Records   RecordInserter
	Bus       bus.Bus
	Fallback  ScanRequester
	NewClient ClientFactory
	Logger    logSDK.Logger
}

type tenantBot struct {
	token  string
	client Client
}

// Host owns the live bot connections of this process.
type Host struct {
	cfg    Config
	deps   Deps
	logger logSDK.Logger

	mu   sync.RWMutex
	bots map[string]*tenantBot
}

// NewHost builds a Host.
func NewHost(cfg Config, deps Deps) (*Host, error) {
	switch {
	case cfg.AdvertiseAddr == "":
		return nil, errors.New("advertise address is required")
	case deps.Bots == nil:
		return nil, errors.New("bot registry is required")
	case deps.Records == nil:
		return nil, errors.New("record store is required")
	case deps.Bus == nil:
		return nil, errors.New("bus is required")
	}
	if cfg.API == "" {
		cfg.API = defaultAPI
	}
	cfg.API = strings.TrimSuffix(cfg.API, "/")
	if deps.Logger == nil {
		deps.Logger = log.Logger.Named("bot_host")
	}

	h := &Host{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger,
		bots:   make(map[string]*tenantBot),
	}
	if h.deps.NewClient == nil {
		h.deps.NewClient = h.newTelebot
	}

	return h, nil
}

func (h *Host) newTelebot(token string) (Client, error) {
	b, err := tb.NewBot(tb.Settings{
		Token: token,
		URL:   h.cfg.API,
		Poller: &tb.LongPoller{
			Timeout: 10 * time.Second,
		},
		OnError: func(err error, c tb.Context) {
			h.logger.Warn("telegram handler", zap.Error(err))
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "new telegram bot")
	}

	return b, nil
}

// DeleteTopic is the topic this host consumes delete instructions from.
func (h *Host) DeleteTopic() string {
	return bus.DeleteTopic(h.cfg.DeleteTopicPrefix, h.cfg.AdvertiseAddr)
}

// Start connects every enabled tenant bot. A bot that fails to connect is
// logged and skipped.
func (h *Host) Start(ctx context.Context) error {
	bots, err := h.deps.Bots.ListEnabled(ctx)
	if err != nil {
		return errors.Wrap(err, "list tenant bots")
	}

	for _, bot := range bots {
		if err := h.StartTenant(ctx, bot.TenantID, bot.Token); err != nil {
			h.logger.Error("start tenant bot", zap.String("tenant", bot.TenantID), zap.Error(err))
		}
	}

	h.logger.Info("bot host started",
		zap.Int("bots", h.Len()),
		zap.String("delete_topic", h.DeleteTopic()))
	return nil
}

// StartTenant connects one tenant's bot, replacing a running one.
func (h *Host) StartTenant(ctx context.Context, tenantID, token string) error {
	client, err := h.deps.NewClient(token)
	if err != nil {
		return errors.Wrapf(err, "connect bot of tenant %s", tenantID)
	}
	client.Handle(tb.OnDocument, func(c tb.Context) error {
		return h.HandleDocument(context.Background(), tenantID, c.Message())
	})

	if err = h.deps.Bots.SetHost(ctx, tenantID, h.cfg.AdvertiseAddr); err != nil {
		return errors.Wrapf(err, "register host of tenant %s", tenantID)
	}

	h.mu.Lock()
	old := h.bots[tenantID]
	h.bots[tenantID] = &tenantBot{token: token, client: client}
	h.mu.Unlock()

	if old != nil {
		old.client.Stop()
	}
	go client.Start()

	h.logger.Info("tenant bot started", zap.String("tenant", tenantID))
	return nil
}

// Stop disconnects every bot.
func (h *Host) Stop() {
	h.mu.Lock()
	bots := h.bots
	h.bots = make(map[string]*tenantBot)
	h.mu.Unlock()

	for tenantID, bot := range bots {
		bot.client.Stop()
		h.logger.Info("tenant bot stopped", zap.String("tenant", tenantID))
	}
}

// Len returns the number of running bots.
func (h *Host) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.bots)
}

// Running reports whether tenantID's bot runs here.
func (h *Host) Running(tenantID string) bool {
	_, ok := h.get(tenantID)
	return ok
}

func (h *Host) get(tenantID string) (*tenantBot, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	bot, ok := h.bots[tenantID]
	return bot, ok
}

// HandleDocument records a received document and requests its scan.
// Documents already recorded for the same message are ignored.
func (h *Host) HandleDocument(ctx context.Context, tenantID string, m *tb.Message) error {
	if m == nil || m.Document == nil || m.Chat == nil {
		return nil
	}

	rec := &scan.FileRecord{
		TenantID:    tenantID,
		FileHandle:  m.Document.FileID,
		Fingerprint: m.Document.UniqueID,
		ChatID:      m.Chat.ID,
		MessageID:   m.ID,
		FileName:    m.Document.FileName,
		FileSize:    m.Document.FileSize,
		CreatedAt:   gutils.Clock.GetUTCNow(),
	}
	logger := h.logger.With(
		zap.String("tenant", tenantID),
		zap.Int64("chat", rec.ChatID),
		zap.Int("message", rec.MessageID),
		zap.String("file", rec.FileName),
	)

	inserted, err := h.deps.Records.Insert(ctx, rec)
	if err != nil {
		return errors.Wrap(err, "record document")
	}
	if !inserted {
		logger.Debug("document already recorded")
		return nil
	}

	ref := scan.MessageRef{TenantID: tenantID, ChatID: rec.ChatID, MessageID: rec.MessageID}
	if h.deps.Bus.Publish(ctx, h.cfg.ScanTopic, bus.ScanRequested(ref)) {
		return nil
	}

	if h.deps.Fallback == nil {
		logger.Error("scan request lost, no fallback configured")
		return nil
	}
	if err = h.deps.Fallback.RequestScan(ctx, ref); err != nil {
		return errors.Wrap(err, "request scan through fallback")
	}

	logger.Info("scan requested through fallback")
	return nil
}

// HandleDelete deletes the message named by a delete instruction.
// Failures are logged and not retried.
func (h *Host) HandleDelete(ctx context.Context, instruction bus.DeleteInstruction) {
	logger := h.logger.With(
		zap.String("tenant", instruction.TenantID),
		zap.Int64("chat", instruction.ChatID),
		zap.Int("message", instruction.MessageID),
	)

	bot, ok := h.get(instruction.TenantID)
	if !ok {
		logger.Warn("delete instruction for a bot not running here")
		return
	}

	err := bot.client.Delete(&tb.StoredMessage{
		MessageID: strconv.Itoa(instruction.MessageID),
		ChatID:    instruction.ChatID,
	})
	if err != nil {
		logger.Warn("delete dangerous message", zap.Error(err))
		return
	}

	logger.Info("dangerous message deleted", zap.String("reason", instruction.Reason))
}

// DeleteHandler decodes delete instructions for a bus.Dispatcher.
func (h *Host) DeleteHandler() bus.Handler {
	return bus.JSON(h.logger, h.HandleDelete)
}

// ResolveLink returns the download URL of a file handled by tenantID's bot.
func (h *Host) ResolveLink(ctx context.Context, tenantID, fileHandle string) (scan.FileLink, error) {
	bot, ok := h.get(tenantID)
	if !ok {
		return scan.FileLink{}, ErrBotNotRunning
	}

	f, err := bot.client.FileByID(fileHandle)
	if err != nil {
		return scan.FileLink{}, errors.Wrap(err, "get file")
	}
	if f.FilePath == "" {
		return scan.FileLink{}, errors.New("file has no download path")
	}

	return scan.FileLink{
		URL:  h.cfg.API + "/file/bot" + bot.token + "/" + f.FilePath,
		Host: h.cfg.AdvertiseAddr,
	}, nil
}

// ErrBotNotRunning is returned for tenants whose bot is not hosted here.
var ErrBotNotRunning = errors.New("tenant bot is not running")

package cmd

import (
	"context"
	"strings"

	"github.com/Laisky/errors/v2"
	gconfig "github.com/Laisky/go-config/v2"
	"github.com/Laisky/zap"
	"github.com/redis/go-redis/v9"

	"github.com/Laisky/telegram-filescan/internal/bot"
	"github.com/Laisky/telegram-filescan/internal/scan"
	"github.com/Laisky/telegram-filescan/internal/scan/bus"
	"github.com/Laisky/telegram-filescan/internal/scan/classifier"
	"github.com/Laisky/telegram-filescan/internal/scan/dao"
	"github.com/Laisky/telegram-filescan/internal/scan/fetcher"
	"github.com/Laisky/telegram-filescan/internal/scan/intake"
	"github.com/Laisky/telegram-filescan/internal/scan/quarantine"
	"github.com/Laisky/telegram-filescan/internal/scan/queue"
	"github.com/Laisky/telegram-filescan/internal/scan/worker"
	"github.com/Laisky/telegram-filescan/library/db/minio"
	"github.com/Laisky/telegram-filescan/library/db/mongo"
	rlibs "github.com/Laisky/telegram-filescan/library/db/redis"
	"github.com/Laisky/telegram-filescan/library/log"
)

// infra holds the connections shared by the scanner and the bot host.
type infra struct {
	settings scan.Settings
	mongo    mongo.DB
	redis    *rlibs.DB
	bus      bus.Bus
	files    *dao.FileStore
	bots     *dao.BotStore
}

// openInfra connects the shared stores. A non-empty groupID replaces the
// configured kafka consumer group.
func openInfra(ctx context.Context, groupID string) (*infra, error) {
	in := &infra{settings: scan.LoadSettingsFromConfig()}
	if groupID != "" {
		in.settings.Bus.KafkaGroupID = groupID
	}

	var err error
	if in.mongo, err = mongo.NewDB(ctx, mongo.DialInfo{
		Addr:   gconfig.S.GetString("settings.db.filescan.addr"),
		DBName: gconfig.S.GetString("settings.db.filescan.db"),
		User:   gconfig.S.GetString("settings.db.filescan.user"),
		Pwd:    gconfig.S.GetString("settings.db.filescan.pwd"),
	}); err != nil {
		return nil, errors.Wrap(err, "connect mongo")
	}

	in.redis = rlibs.NewDB(&redis.Options{
		Addr:     gconfig.S.GetString("settings.redis.addr"),
		Password: gconfig.S.GetString("settings.redis.pwd"),
		DB:       gconfig.S.GetInt("settings.redis.db"),
	})
	if err = in.redis.Ping(ctx); err != nil {
		in.Close(ctx)
		return nil, errors.Wrap(err, "connect redis")
	}

	if in.bus, err = newBus(in.settings.Bus, in.redis); err != nil {
		in.Close(ctx)
		return nil, errors.Wrap(err, "new bus")
	}

	in.files = dao.NewFileStore(in.mongo)
	in.bots = dao.NewBotStore(in.mongo)
	if err = in.files.EnsureIndexes(ctx); err != nil {
		in.Close(ctx)
		return nil, errors.Wrap(err, "ensure file record indexes")
	}

	log.Logger.Info("infra connected",
		zap.String("bus", in.settings.Bus.Driver),
		zap.String("scan_topic", in.settings.Bus.ScanTopic))
	return in, nil
}

func newBus(settings scan.BusSettings, rdb *rlibs.DB) (bus.Bus, error) {
	switch settings.Driver {
	case scan.BusDriverKafka:
		return bus.NewKafkaBus(settings.KafkaBrokers, settings.KafkaGroupID, log.Logger.Named("kafka_bus"))
	default:
		return bus.NewRedisBus(rdb, log.Logger.Named("redis_bus"))
	}
}

// Close releases every open connection, logging failures.
func (in *infra) Close(ctx context.Context) {
	if in.bus != nil {
		if err := in.bus.Close(); err != nil {
			log.Logger.Warn("close bus", zap.Error(err))
		}
	}
	if in.redis != nil {
		if err := in.redis.Close(); err != nil {
			log.Logger.Warn("close redis", zap.Error(err))
		}
	}
	if in.mongo != nil {
		if err := in.mongo.Close(ctx); err != nil {
			log.Logger.Warn("close mongo", zap.Error(err))
		}
	}
}

// scanner is the scan side of the pipeline: intake, queue and worker.
type scanner struct {
	registry *queue.Registry
	intake   *intake.Intake
	policies *dao.PolicyStore
}

func (in *infra) newScanner(links worker.LinkResolver) (*scanner, error) {
	reporters, err := in.newReporters()
	if err != nil {
		return nil, errors.Wrap(err, "new danger reporters")
	}

	policies := dao.NewPolicyStore(in.mongo, in.settings.Policy)
	w, err := worker.New(worker.Deps{
		Records:    in.files,
		Links:      links,
		Policies:   policies,
		Fetcher:    fetcher.New(in.settings.Fetch, fetcher.WithLogger(log.Logger.Named("fetcher"))),
		Classifier: classifier.New(),
		Bus:        in.bus,
		Reporters:  reporters,
		Logger:     log.Logger.Named("worker"),
	}, in.settings)
	if err != nil {
		return nil, errors.Wrap(err, "new worker")
	}

	registry, err := queue.NewRegistry(in.settings.Queue, w, queue.WithLogger(log.Logger.Named("queue")))
	if err != nil {
		return nil, errors.Wrap(err, "new queue registry")
	}

	opts := []intake.Option{intake.WithLogger(log.Logger.Named("intake"))}
	if in.settings.Dedup.Enabled {
		opts = append(opts, intake.WithClaimer(in.redis, in.settings.Dedup.TTL))
	}
	taskIntake, err := intake.New(in.files, registry, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "new intake")
	}

	return &scanner{registry: registry, intake: taskIntake, policies: policies}, nil
}

func (in *infra) newReporters() ([]worker.DangerReporter, error) {
	journal, err := quarantine.NewJournalReporter(in.redis)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	reporters := []worker.DangerReporter{journal}

	if !in.settings.Quarantine.Enabled {
		return reporters, nil
	}

	cli, err := minio.NewClient(minio.DialInfo{
		Endpoint:  gconfig.S.GetString("settings.minio.endpoint"),
		AccessKey: gconfig.S.GetString("settings.minio.access_key"),
		SecretKey: gconfig.S.GetString("settings.minio.secret_key"),
		Secure:    gconfig.S.GetBool("settings.minio.secure"),
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	uploader, err := quarantine.NewMinioReporter(cli, in.settings.Quarantine)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	return append(reporters, uploader), nil
}

// close drains the queue, abandoning tasks still running when ctx expires.
func (s *scanner) close(ctx context.Context) {
	if err := s.registry.Close(ctx); err != nil {
		log.Logger.Warn("close queue registry", zap.Error(err))
	}
}

func (in *infra) newBotHost(fallback bot.ScanRequester) (*bot.Host, error) {
	return bot.NewHost(bot.Config{
		AdvertiseAddr:     advertiseAddr(),
		API:               gconfig.S.GetString("settings.bot.api"),
		ScanTopic:         in.settings.Bus.ScanTopic,
		DeleteTopicPrefix: in.settings.Bus.DeleteTopicPrefix,
	}, bot.Deps{
		Bots:     in.bots,
		Records:  in.files,
		Bus:      in.bus,
		Fallback: fallback,
		Logger:   log.Logger.Named("bot_host"),
	})
}

// advertiseAddr is how other processes reach this bot host, it defaults to --listen.
func advertiseAddr() string {
	if addr := strings.TrimSpace(gconfig.S.GetString("settings.bot.advertise_addr")); addr != "" {
		return addr
	}

	return gconfig.S.GetString("listen")
}

// localIntake hands scan requests to an in-process intake.
type localIntake struct {
	intake *intake.Intake
}

func (l localIntake) RequestScan(ctx context.Context, ref scan.MessageRef) error {
	_, err := l.intake.Accept(ctx, ref)
	return err
}

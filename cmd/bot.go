package cmd

import (
	"context"

	"github.com/Laisky/errors/v2"
	gconfig "github.com/Laisky/go-config/v2"
	gcmd "github.com/Laisky/go-utils/v6/cmd"
	"github.com/Laisky/zap"
	"github.com/spf13/cobra"

	"github.com/Laisky/telegram-filescan/internal/bot"
	"github.com/Laisky/telegram-filescan/internal/scan"
	"github.com/Laisky/telegram-filescan/internal/scan/bus"
	"github.com/Laisky/telegram-filescan/internal/scan/intake"
	"github.com/Laisky/telegram-filescan/internal/web"
	"github.com/Laisky/telegram-filescan/library/log"
)

var botCMD = &cobra.Command{
	Use:    "bot",
	Short:  "bot",
	Long:   `host tenant telegram bots, record documents and delete dangerous messages`,
	Args:   gcmd.NoExtraArgs,
	PreRun: preRun,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signalContext()
		defer cancel()

		if err := runBot(ctx); err != nil {
			log.Logger.Panic("run bot host", zap.Error(err))
		}
	},
}

func runBot(ctx context.Context) error {
	// every bot host consumes only its own delete topic
	groupID := bus.DeleteTopic(scan.LoadSettingsFromConfig().Bus.KafkaGroupID+".", advertiseAddr())
	in, err := openInfra(ctx, groupID)
	if err != nil {
		return errors.WithStack(err)
	}
	defer in.Close(context.Background())

	var fallback bot.ScanRequester
	if in.settings.Intake.Endpoint != "" {
		if fallback, err = intake.NewClient(in.settings.Intake, in.settings.InternalToken); err != nil {
			return errors.Wrap(err, "new scan request client")
		}
	}

	host, err := in.newBotHost(fallback)
	if err != nil {
		return errors.Wrap(err, "new bot host")
	}
	if err = host.Start(ctx); err != nil {
		return errors.Wrap(err, "start bot host")
	}

	dispatcher := bus.NewDispatcher(log.Logger.Named("dispatcher"))
	dispatcher.Handle(host.DeleteTopic(), host.DeleteHandler())

	server := web.NewServer(gconfig.S.GetString("listen"), in.settings.InternalToken,
		web.WithLinks(host))

	return supervise(ctx, func(context.Context) { host.Stop() },
		func(ctx context.Context) error { return dispatcher.Run(ctx, in.bus) },
		server.Run,
	)
}

func init() {
	rootCMD.AddCommand(botCMD)
}

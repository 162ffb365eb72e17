package cmd

import (
	"context"

	"github.com/Laisky/errors/v2"
	gconfig "github.com/Laisky/go-config/v2"
	gcmd "github.com/Laisky/go-utils/v6/cmd"
	"github.com/Laisky/zap"
	"github.com/spf13/cobra"

	"github.com/Laisky/telegram-filescan/internal/scan/bus"
	"github.com/Laisky/telegram-filescan/internal/scan/resolver"
	"github.com/Laisky/telegram-filescan/internal/web"
	"github.com/Laisky/telegram-filescan/library/log"
)

var standaloneCMD = &cobra.Command{
	Use:    "standalone",
	Short:  "standalone",
	Long:   `run the bot host and the scanner in one process`,
	Args:   gcmd.NoExtraArgs,
	PreRun: preRun,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signalContext()
		defer cancel()

		if err := runStandalone(ctx); err != nil {
			log.Logger.Panic("run standalone", zap.Error(err))
		}
	},
}

// runStandalone wires the scanner to the local bot host. Links of tenants
// hosted by another replica are resolved through that replica's advertised
// address, so scan requests may be consumed by any replica.
func runStandalone(ctx context.Context) error {
	in, err := openInfra(ctx, "")
	if err != nil {
		return errors.WithStack(err)
	}
	defer in.Close(context.Background())

	remote, err := resolver.New(in.settings.Resolver, in.settings.InternalToken,
		in.bots, log.Logger.Named("resolver"))
	if err != nil {
		return errors.Wrap(err, "new link resolver")
	}
	links := resolver.NewLocalFirst(remote)
	sc, err := in.newScanner(links)
	if err != nil {
		return errors.WithStack(err)
	}

	host, err := in.newBotHost(localIntake{intake: sc.intake})
	if err != nil {
		return errors.Wrap(err, "new bot host")
	}
	links.SetLocal(host)
	if err = host.Start(ctx); err != nil {
		return errors.Wrap(err, "start bot host")
	}

	dispatcher := bus.NewDispatcher(log.Logger.Named("dispatcher"))
	dispatcher.Handle(in.settings.Bus.ScanTopic, sc.intake.BusHandler())
	dispatcher.Handle(host.DeleteTopic(), host.DeleteHandler())

	server := web.NewServer(gconfig.S.GetString("listen"), in.settings.InternalToken,
		web.WithIntake(sc.intake),
		web.WithPolicies(sc.policies),
		web.WithLinks(host))

	return supervise(ctx, func(ctx context.Context) {
		drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
		defer cancel()
		sc.close(drainCtx)
		host.Stop()
	},
		func(ctx context.Context) error { return dispatcher.Run(ctx, in.bus) },
		server.Run,
	)
}

func init() {
	rootCMD.AddCommand(standaloneCMD)
}

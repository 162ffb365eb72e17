package cmd

import (
	"context"
	"time"

	"github.com/Laisky/errors/v2"
	gconfig "github.com/Laisky/go-config/v2"
	gcmd "github.com/Laisky/go-utils/v6/cmd"
	"github.com/Laisky/zap"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Laisky/telegram-filescan/internal/scan/bus"
	"github.com/Laisky/telegram-filescan/internal/scan/resolver"
	"github.com/Laisky/telegram-filescan/internal/web"
	"github.com/Laisky/telegram-filescan/library/log"
)

const drainTimeout = 30 * time.Second

var scannerCMD = &cobra.Command{
	Use:    "scanner",
	Short:  "scanner",
	Long:   `consume scan requests, classify file headers and publish delete instructions`,
	Args:   gcmd.NoExtraArgs,
	PreRun: preRun,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signalContext()
		defer cancel()

		if err := runScanner(ctx); err != nil {
			log.Logger.Panic("run scanner", zap.Error(err))
		}
	},
}

func runScanner(ctx context.Context) error {
	in, err := openInfra(ctx, "")
	if err != nil {
		return errors.WithStack(err)
	}
	defer in.Close(context.Background())

	links, err := resolver.New(in.settings.Resolver, in.settings.InternalToken,
		in.bots, log.Logger.Named("resolver"))
	if err != nil {
		return errors.Wrap(err, "new link resolver")
	}

	sc, err := in.newScanner(links)
	if err != nil {
		return errors.WithStack(err)
	}

	dispatcher := bus.NewDispatcher(log.Logger.Named("dispatcher"))
	dispatcher.Handle(in.settings.Bus.ScanTopic, sc.intake.BusHandler())

	server := web.NewServer(gconfig.S.GetString("listen"), in.settings.InternalToken,
		web.WithIntake(sc.intake),
		web.WithPolicies(sc.policies))

	return supervise(ctx, func(ctx context.Context) {
		drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
		defer cancel()
		sc.close(drainCtx)
	},
		func(ctx context.Context) error { return dispatcher.Run(ctx, in.bus) },
		server.Run,
	)
}

// supervise runs every fn until one fails or ctx is done, then calls stop.
func supervise(ctx context.Context, stop func(context.Context), fns ...func(context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, fn := range fns {
		g.Go(func() error {
			return fn(gctx)
		})
	}

	err := g.Wait()
	stop(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return errors.WithStack(err)
	}

	log.Logger.Info("shutdown")
	return nil
}

func init() {
	rootCMD.AddCommand(scannerCMD)
}

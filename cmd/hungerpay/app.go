package main

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/hungerpay/internal/cache"
	"github.com/smallbiznis/hungerpay/internal/clock"
	"github.com/smallbiznis/hungerpay/internal/config"
	"github.com/smallbiznis/hungerpay/internal/migration"
	"github.com/smallbiznis/hungerpay/internal/observability"
	"github.com/smallbiznis/hungerpay/internal/payment"
	"github.com/smallbiznis/hungerpay/internal/payment/mpesa"
	"github.com/smallbiznis/hungerpay/internal/providers"
	"github.com/smallbiznis/hungerpay/internal/ratelimit"
	"github.com/smallbiznis/hungerpay/internal/scheduler"
	"github.com/smallbiznis/hungerpay/internal/server"
	"github.com/smallbiznis/hungerpay/pkg/db"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

// core wires everything the payment service depends on. Entry points add
// the HTTP server, the scheduler, or both on top.
func core() fx.Option {
	return fx.Options(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		cache.Module,
		ratelimit.Module,
		providers.Module,
		payment.Module,
	)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run migrations, the HTTP API and the background scheduler",
		Run: func(cmd *cobra.Command, args []string) {
			fx.New(
				core(),
				migration.Module,
				server.Module,
				scheduler.Module,
			).Run()
		},
	}
}

func apiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "api",
		Short: "Run the HTTP API without the scheduler",
		Run: func(cmd *cobra.Command, args []string) {
			fx.New(
				core(),
				migration.Module,
				server.Module,
			).Run()
		},
	}
}

func schedulerCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "scheduler",
		Short: "Run the timeout sweep and reconcile jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !once {
				fx.New(core(), scheduler.Module).Run()
				return nil
			}

			var sched *scheduler.Scheduler
			app := fx.New(
				core(),
				fx.Provide(scheduler.ProvideConfig, scheduler.New),
				fx.Populate(&sched),
			)
			return runOnce(cmd.Context(), app, func(ctx context.Context) error {
				return sched.RunOnce(ctx)
			})
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run each job a single time and exit")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			app := fx.New(
				config.Module,
				observability.Module,
				db.Module,
				migration.Module,
			)
			return runOnce(cmd.Context(), app, func(context.Context) error { return nil })
		},
	}
}

func pingCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Check M-Pesa credentials by requesting an access token",
		RunE: func(cmd *cobra.Command, args []string) error {
			var client *mpesa.Client
			app := fx.New(
				config.Module,
				observability.Module,
				clock.Module,
				fx.Provide(mpesa.NewClient),
				fx.Populate(&client),
			)
			return runOnce(cmd.Context(), app, func(ctx context.Context) error {
				ctx, cancel := context.WithTimeout(ctx, timeout)
				defer cancel()
				if err := client.Ping(ctx); err != nil {
					return fmt.Errorf("mpesa ping: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "mpesa: ok")
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 20*time.Second, "request deadline")
	return cmd
}

// runOnce starts app, runs fn and stops app again.
func runOnce(ctx context.Context, app *fx.App, fn func(context.Context) error) error {
	if err := app.Err(); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	startCtx, cancel := context.WithTimeout(ctx, app.StartTimeout())
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return err
	}

	runErr := fn(ctx)

	stopCtx, stopCancel := context.WithTimeout(context.WithoutCancel(ctx), app.StopTimeout())
	defer stopCancel()
	if err := app.Stop(stopCtx); err != nil && runErr == nil {
		return err
	}
	return runErr
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}

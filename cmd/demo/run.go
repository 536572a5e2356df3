package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/corelatch/dbsched"
	"github.com/corelatch/dbsched/clock"
	"github.com/corelatch/dbsched/stats"
)

func newRunCmd() *cobra.Command {
	var threads int
	var pollInterval, heartbeatInterval time.Duration
	var immediate bool
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a scheduler against the configured store until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			log, err := newLogger()
			if err != nil {
				return err
			}
			defer log.Sync()

			s, closeStore, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer closeStore()

			reg, err := registerDemoTasks(log)
			if err != nil {
				return err
			}

			var sink stats.Sink = stats.NopSink{}
			if metricsAddr != "" {
				promSink := stats.NewPrometheusSink(prometheus.DefaultRegisterer)
				sink = promSink
				srv := &http.Server{Addr: metricsAddr, Handler: promhttp.Handler()}
				go func() {
					if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						log.Error("metrics server failed", zap.Error(err))
					}
				}()
				go func() {
					<-ctx.Done()
					_ = srv.Close()
				}()
			}

			cfg := dbsched.DefaultConfig()
			cfg.Threads = threads
			cfg.PollingInterval = pollInterval
			cfg.HeartbeatInterval = heartbeatInterval
			cfg.EnableImmediateExecution = immediate
			cfg.TableName = viper.GetString("table")
			cfg.SchedulerName = schedulerName()

			sch := dbsched.New(cfg, s, reg, clock.Real{}, sink, log)

			if err := sch.Start(ctx); err != nil {
				return fmt.Errorf("start scheduler: %w", err)
			}
			fmt.Printf("scheduler %s running (threads=%d, poll=%s, heartbeat=%s)\n",
				cfg.SchedulerName, cfg.Threads, cfg.PollingInterval, cfg.HeartbeatInterval)

			<-ctx.Done()
			fmt.Println("shutting down...")

			stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
			defer cancel()
			return sch.Stop(stopCtx)
		},
	}

	cmd.Flags().IntVar(&threads, "threads", 10, "worker pool size")
	cmd.Flags().DurationVar(&pollInterval, "poll-interval", 10*time.Second, "due-poll period")
	cmd.Flags().DurationVar(&heartbeatInterval, "heartbeat-interval", 5*time.Minute, "heartbeat period")
	cmd.Flags().BoolVar(&immediate, "immediate-execution", true, "wake the poll loop on schedule/reschedule calls due now or earlier")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "expose Prometheus metrics (empty disables)")
	return cmd
}

package cli

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"quiz_sync_backend/internal/client"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type WatchOptions struct {
	*RootOptions
	Interval time.Duration
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stay connected and apply pushed updates",
		Long: `Connect to the push channel, apply answers as they arrive and
run a sync pass on start, after every batch and on a fixed interval.

Example:
  syncclient watch -u alice --db ./answers.db --interval 1m`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runWatch(ctx, opts)
		},
	}

	cmd.Flags().DurationVar(&opts.Interval, "interval", time.Minute, "periodic sync interval (0 disables)")

	return cmd
}

func runWatch(ctx context.Context, opts *WatchOptions) error {
	s, err := openSession(opts.RootOptions)
	if err != nil {
		return err
	}
	defer s.Close()

	listener := client.NewListener(s.api.WebSocketURL(), client.ListenerOptions{
		Username:  opts.Username,
		Store:     s.store,
		Manifests: s.manifests,
		Syncer:    s.coordinator,
		Observer:  peerLogger{s.logger},
		Logger:    s.logger,
		OnPresence: func(users []string) {
			s.logger.Info("online users", zap.Strings("users", users))
		},
		OnConnection: func(connected bool) {
			s.logger.Info("push channel", zap.Bool("connected", connected))
		},
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return listener.Run(ctx) })
	g.Go(func() error {
		logResult(s.logger, s.coordinator.Sync(ctx))
		if opts.Interval <= 0 {
			return nil
		}
		ticker := time.NewTicker(opts.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				logResult(s.logger, s.coordinator.Sync(ctx))
			}
		}
	})
	return g.Wait()
}

func logResult(log *zap.Logger, res client.Result) {
	fields := []zap.Field{zap.String("mode", string(res.Mode)), zap.Int("merged", res.Merged)}
	if res.Summary != nil {
		fields = append(fields,
			zap.Int("lessons_fetched", res.Summary.LessonsFetched),
			zap.Int("answers_applied", res.Summary.AnswersApplied),
		)
	}
	if res.Failed() {
		log.Error("sync pass failed", append(fields, zap.Error(res.Cause()))...)
		return
	}
	log.Info("sync pass finished", fields...)
}

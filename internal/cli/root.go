package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"quiz_sync_backend/internal/client"
	"quiz_sync_backend/internal/config"
	"quiz_sync_backend/internal/repository"
	"quiz_sync_backend/pkg/database"
	"quiz_sync_backend/pkg/logger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Server       string
	Username     string
	Database     string
	Manifest     string
	DirectDriver string
	DirectDSN    string
	Timeout      time.Duration
	Retries      int
	Verbose      bool
}

// NewRootCommand creates the root command of the sync client.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "syncclient",
		Short: "Quiz answer sync client",
		Long: `Keeps a local copy of quiz answers in step with a sync server.

The client compares hash manifests with the server and only downloads
lessons whose hashes differ, falling back to timestamp and full pulls
when the manifest endpoints are unavailable.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.Server, "server", "http://localhost:8080", "sync server base URL")
	cmd.PersistentFlags().StringVarP(&opts.Username, "username", "u", "", "username announced on the push channel")
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to the local SQLite store (memory when empty)")
	cmd.PersistentFlags().StringVar(&opts.Manifest, "manifest", "", "path to the manifest cache file (memory when empty)")
	cmd.PersistentFlags().StringVar(&opts.DirectDriver, "direct-driver", "mysql", "driver for --direct-dsn (mysql|postgres|sqlite)")
	cmd.PersistentFlags().StringVar(&opts.DirectDSN, "direct-dsn", "", "read the answer store directly for the full fallback")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 10*time.Second, "per-request timeout")
	cmd.PersistentFlags().IntVar(&opts.Retries, "retries", 3, "retries per request on connection errors and 5xx")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")

	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewWatchCommand(opts))
	cmd.AddCommand(NewSubmitCommand(opts))

	return cmd
}

// session 一次命令调用需要的全部依赖
type session struct {
	api         *client.API
	store       client.LocalStore
	manifests   *client.ManifestCache
	coordinator *client.Coordinator
	logger      *zap.Logger
	closers     []func() error
}

func openSession(opts *RootOptions) (*session, error) {
	log := logger.NewConsole(opts.Verbose)
	s := &session{logger: log}

	apiCfg := client.DefaultAPIConfig(opts.Server)
	apiCfg.Timeout = opts.Timeout
	apiCfg.MaxRetries = opts.Retries
	api, err := client.NewAPI(apiCfg, client.WithAPILogger(log))
	if err != nil {
		return nil, err
	}
	s.api = api

	if opts.Database == "" {
		s.store = client.NewMemoryStore()
	} else {
		store, err := client.OpenSQLiteStore(opts.Database)
		if err != nil {
			return nil, err
		}
		s.store = store
		s.closers = append(s.closers, store.Close)
	}

	s.manifests, err = client.NewManifestCache(opts.Manifest)
	if err != nil {
		s.Close()
		return nil, err
	}

	var full client.FullPuller = client.APIPuller{API: api}
	if opts.DirectDSN != "" {
		db, err := database.Open(&config.DatabaseConfig{
			Driver:   opts.DirectDriver,
			DSN:      opts.DirectDSN,
			LogLevel: "silent",
		})
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("open direct store: %w", err)
		}
		s.closers = append(s.closers, closeDB(db))
		full = client.StorePuller{Repo: repository.NewAnswerRepository(db)}
	}

	reconciler := client.NewReconciler(api, s.store,
		client.WithReconcilerLogger(log),
		client.WithManifestCache(s.manifests),
		client.WithPeerObserver(peerLogger{log}, nil),
	)
	s.coordinator = client.NewCoordinator(reconciler, client.CoordinatorOptions{
		Delta:  client.APIPuller{API: api},
		Full:   full,
		Logger: log,
	})
	s.coordinator.OnModeChange(func(c client.ModeChange) {
		if c.Err != nil {
			log.Warn("sync mode changed", zap.String("mode", string(c.To)), zap.Error(c.Err))
		}
	})
	return s, nil
}

func (s *session) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.logger.Warn("close failed", zap.Error(err))
		}
	}
	s.logger.Sync()
}

func closeDB(db *gorm.DB) func() error {
	return func() error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
}

type peerLogger struct {
	log *zap.Logger
}

func (p peerLogger) OnPeerAnswer(username string, _ bool) {
	p.log.Debug("peer answer merged", zap.String("username", username))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

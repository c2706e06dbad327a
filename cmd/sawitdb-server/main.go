// Command sawitdb-server runs the SawitDB network front-end.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/sawitdb/sawitdb/internal/config"
	"github.com/sawitdb/sawitdb/internal/server"
	"github.com/sawitdb/sawitdb/internal/storage"
)

const (
	exitOK            = 0
	exitError         = 1
	exitInvalidConfig = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		cfgPath string
		port    int
		host    string
		dataDir string
	)

	code := exitOK
	root := &cobra.Command{
		Use:   "sawitdb-server",
		Short: "SawitDB database server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				code = exitInvalidConfig
				return nil
			}
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}
			if cmd.Flags().Changed("host") {
				cfg.Host = host
			}
			if cmd.Flags().Changed("data-dir") {
				cfg.DataDir = dataDir
			}
			if err := cfg.Validate(); err != nil {
				fmt.Fprintln(os.Stderr, "invalid configuration:", err)
				code = exitInvalidConfig
				return nil
			}
			code = serve(cfg)
			return nil
		},
	}
	root.Flags().StringVarP(&cfgPath, "config", "c", "", "configuration file (YAML)")
	root.Flags().IntVarP(&port, "port", "p", 7878, "listen port")
	root.Flags().StringVar(&host, "host", "127.0.0.1", "listen host")
	root.Flags().StringVar(&dataDir, "data-dir", "./data", "database directory")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitError
	}
	return code
}

func serve(cfg *config.Config) int {
	log := newLogger(cfg.LogLevel)

	workers := cfg.WorkerCount
	if workers == 0 {
		workers = runtime.NumCPU()
	}

	srv, err := server.New(server.Options{
		Host:           cfg.Host,
		Port:           cfg.Port,
		DataDir:        cfg.DataDir,
		Auth:           cfg.Auth,
		MaxConnections: cfg.MaxConnections,
		QueryTimeout:   cfg.QueryTimeout(),
		Logger:         log,
		Pool: server.PoolOptions{
			Workers:    workers,
			QueryCache: cfg.Cache.QueryCache,
			Storage: storage.Options{
				WALEnabled:     cfg.WAL.Enabled,
				SyncMode:       cfg.SyncMode(),
				Checksums:      cfg.Checksums,
				BufferPages:    cfg.Cache.BufferPages,
				ObjectPages:    cfg.Cache.ObjectPages,
				CheckpointSpec: cfg.WAL.CheckpointInterval,
				Audit:          cfg.Audit,
				Logger:         log,
			},
		},
	})
	if err != nil {
		log.Error().Err(err).Msg("server init failed")
		return exitError
	}
	if err := srv.Listen(); err != nil {
		log.Error().Err(err).Msg("listen failed")
		return exitError
	}

	done := make(chan struct{})
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		log.Info().Msg("shutting down")
		srv.Stop()
		close(done)
	}()

	if err := srv.Serve(); err != nil {
		log.Error().Err(err).Msg("serve failed")
		srv.Stop()
		return exitError
	}
	<-done
	return exitOK
}

func newLogger(level string) zerolog.Logger {
	var lvl zerolog.Level
	switch level {
	case "debug":
		lvl = zerolog.DebugLevel
	case "warn":
		lvl = zerolog.WarnLevel
	case "error":
		lvl = zerolog.ErrorLevel
	default:
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(lvl).With().Timestamp().Logger()
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/studymate/backend/matching"
)

func main() {
	if err := rootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// cli carries the flag-bound viper instance shared by the subcommands.
type cli struct {
	v       *viper.Viper
	envFile string
}

// config resolves the configuration and applies the process-wide settings
// derived from it: logging and token signing.
func (c *cli) config() (Config, error) {
	if err := loadDotEnv(c.envFile); err != nil {
		return Config{}, err
	}
	cfg, err := loadConfig(c.v)
	if err != nil {
		return Config{}, err
	}
	setupLogging(cfg)
	jwtSecret = []byte(cfg.JWTSecret)
	tokenTTL = cfg.JWTTTL
	return cfg, nil
}

func rootCmd() *cobra.Command {
	c := &cli{v: newViper()}

	root := &cobra.Command{
		Use:           "studymate",
		Short:         "StudyMate collaborative study backend",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&c.envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	pf.String("log-level", "info", "log level (debug, info, warn, error)")
	pf.String("database-url", "", "Postgres DSN [env: STUDYMATE_DATABASE_URL, DATABASE_URL]")
	_ = c.v.BindPFlag("log_level", pf.Lookup("log-level"))
	_ = c.v.BindPFlag("database_url", pf.Lookup("database-url"))

	root.AddCommand(serveCmd(c))
	root.AddCommand(migrateCmd(c))
	root.AddCommand(seedCmd(c))
	root.AddCommand(scoreCmd())
	return root
}

func serveCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.config()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().Int("port", 8080, "listen port")
	cmd.Flags().String("redis-url", "", "Redis URL for leaderboards (empty = Postgres only)")
	_ = c.v.BindPFlag("port", cmd.Flags().Lookup("port"))
	_ = c.v.BindPFlag("redis_url", cmd.Flags().Lookup("redis-url"))
	return cmd
}

func migrateCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.config()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			db, err := openDB(ctx, cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := migrate(ctx, db); err != nil {
				return err
			}
			log.Info().Msg("schema applied")
			return nil
		},
	}
}

func runServe(parent context.Context, cfg Config) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	fields, err := matching.LoadFieldIndex(cfg.RelatedFieldsFile)
	if err != nil {
		return err
	}
	log.Info().Int("groups", fields.Groups()).Msg("related fields loaded")

	rdb, err := openRedis(ctx, cfg.RedisURL)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
	}
	board := NewLeaderboard(rdb)
	if err := warmLeaderboards(ctx, db, board); err != nil {
		log.Warn().Err(err).Msg("leaderboards will rebuild on first read")
	}

	m := newMetrics(prometheus.NewRegistry())
	s := &server{
		cfg:     cfg,
		db:      db,
		scorer:  matching.NewScorer(fields),
		rep:     NewReputation(db, board),
		board:   board,
		hub:     newHub(m),
		metrics: m,
		limiter: newIPRateLimiter(cfg.AuthRateLimit, cfg.AuthRateBurst).behind(cfg.TrustedProxies),
	}

	job, err := startStreakJob(s.rep, cfg.StreakSchedule)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Port),
		Handler:           newRouter(s),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Str("env", cfg.Env).Msg("starting StudyMate backend")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		<-job.Stop().Done()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.etcd.io/bbolt"
	"golang.org/x/sync/errgroup"
	"gopkg.in/urfave/cli.v1"

	"vaultlottery/internal/config"
	"vaultlottery/internal/events"
	"vaultlottery/internal/handlers"
	"vaultlottery/internal/ledger"
	"vaultlottery/internal/metrics"
	"vaultlottery/internal/models"
	"vaultlottery/internal/randomness"
	"vaultlottery/internal/services"
	"vaultlottery/internal/store"
	"vaultlottery/internal/telemetry"
)

func main() {
	app := cli.NewApp()
	app.Name = "vaultlottery"
	app.Usage = "single-round winner-take-all lottery vaults"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "config, c",
			Usage:  "path to a TOML config file",
			EnvVar: "LOTTERY_CONFIG",
		},
		cli.BoolFlag{
			Name:  "syslog",
			Usage: "also write logs to the system log",
		},
	}
	app.Before = func(c *cli.Context) error {
		logger.Init(app.Name, true, c.GlobalBool("syslog"), io.Discard)
		return nil
	}
	app.Commands = []cli.Command{
		{
			Name:   "serve",
			Usage:  "run the HTTP API",
			Action: serve,
		},
		{
			Name:   "fulfill",
			Usage:  "answer pending requests of the Redis oracle",
			Action: fulfill,
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger.Fatalf("%v", err)
	}
}

func serve(c *cli.Context) error {
	cfg, err := config.Load(c.GlobalString("config"))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, "vaultlottery", cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warningf("Flushing traces failed: %v", err)
		}
	}()

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()
	clock := ledger.NewSlotClock(st.Genesis(), cfg.SlotDuration)

	oracle, err := openOracle(cfg.Oracle, st.DB())
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	sinks := []events.Sink{events.LogSink{}, events.MetricsSink{Metrics: m}}
	if len(cfg.Kafka.Brokers) > 0 {
		kafka, err := events.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			return err
		}
		defer kafka.Close()
		sinks = append(sinks, kafka)
	}

	svc := services.NewLotteryService(st, clock,
		services.WithOracle(oracle),
		services.WithOracleTimeout(cfg.Oracle.Timeout),
		services.WithPublisher(events.NewPublisher(sinks...)),
		services.WithMetrics(m),
		services.WithRent(services.Rent{Vault: cfg.VaultRent, Participant: cfg.ParticipantRent}),
		services.WithDefaultStrategy(models.Strategy(cfg.DefaultStrategy)),
	)

	gin.SetMode(gin.ReleaseMode)
	router := handlers.NewRouter(handlers.NewHTTPHandler(svc, cfg.Faucet), handlers.RouterOptions{
		AllowedOrigins: cfg.AllowedOrigins,
		Gatherer:       reg,
	})
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infof("Server starting on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if cfg.Oracle.FulfilDelay > 0 {
		fulfiller := randomness.NewFulfiller(oracle, cfg.Oracle.FulfilDelay)
		g.Go(func() error {
			return fulfiller.Run(gctx, cfg.Oracle.FulfilInterval)
		})
	}

	err = g.Wait()
	logger.Infof("Server stopped")
	return err
}

// fulfill plays the oracle network against a shared Redis oracle, for
// deployments where the API runs without a built-in fulfiller.
func fulfill(c *cli.Context) error {
	cfg, err := config.Load(c.GlobalString("config"))
	if err != nil {
		return err
	}
	if cfg.Oracle.Backend != config.OracleRedis {
		return fmt.Errorf("fulfill needs the redis oracle backend, got %q", cfg.Oracle.Backend)
	}
	oracle, err := openOracle(cfg.Oracle, nil)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	interval := cfg.Oracle.FulfilInterval
	if interval <= 0 {
		interval = time.Second
	}
	logger.Infof("Fulfilling oracle requests every %s after %s", interval, cfg.Oracle.FulfilDelay)
	return randomness.NewFulfiller(oracle, cfg.Oracle.FulfilDelay).Run(ctx, interval)
}

// openOracle builds the configured oracle backend. The local backend keeps
// its requests in db next to the vaults that reference them.
func openOracle(cfg config.OracleConfig, db *bbolt.DB) (randomness.Backend, error) {
	switch cfg.Backend {
	case config.OracleRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return randomness.NewRedisOracle(redis.NewClient(opts), ""), nil
	default:
		return randomness.NewLocalOracle(db)
	}
}

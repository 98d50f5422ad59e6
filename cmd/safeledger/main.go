// Command safeledger runs the ledger and settlement service: the engine, the
// payout queue, NATS ingestion and publishing, the gRPC API with its HTTP
// gateway, and the background persistence, projection and snapshot workers.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"SafeLedger/internal/auth"
	"SafeLedger/internal/clock"
	"SafeLedger/internal/config"
	"SafeLedger/internal/ingestion"
	"SafeLedger/internal/observability"
	"SafeLedger/internal/oracle"
	"SafeLedger/internal/persistence"
	"SafeLedger/internal/projection"
	"SafeLedger/internal/query"
	"SafeLedger/internal/queue"
	"SafeLedger/internal/server"
	"SafeLedger/internal/settlement"
	"SafeLedger/internal/transfer"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func main() {
	var configPath string
	cmd := &cobra.Command{
		Use:           "safeledger",
		Short:         "Run the safe ledger and settlement service",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			observability.SetLevel(cfg.Log.Level)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("SAFE_CONFIG"), "YAML config file (optional)")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		log := observability.NewLogger("main")
		log.Fatal().Err(err).Msg("safeledger stopped")
	}
}

// storage is the backend-specific half of the wiring.
type storage struct {
	store       persistence.Store
	projections projection.Store
	reader      query.Reader
	auditor     server.Auditor // nil on bolt
	durable     ingestion.DurableChecker
	close       func() error
}

func run(ctx context.Context, cfg config.Config) error {
	log := observability.NewLogger("main")
	log.Info().Str("storage", cfg.Storage.Driver).Msg("safeledger starting")

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(reg)
	health := observability.NewHealthChecker()

	st, err := openStorage(ctx, cfg, health)
	if err != nil {
		return err
	}
	defer st.close()

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Close()
	if err := ingestion.EnsureStreams(ctx, js); err != nil {
		return err
	}
	health.AddCheck("nats", func(context.Context) error {
		if !nc.IsConnected() {
			return errors.New("nats disconnected")
		}
		return nil
	})

	// --- Engine and queue ---
	clk := clock.NewSystemClock()
	domain, err := cfg.AuthDomain()
	if err != nil {
		return err
	}
	engineCfg, err := cfg.SettlementConfig()
	if err != nil {
		return err
	}

	// The persist channel is sent to with a blocking send, the projection
	// channel with a dropping one.
	persistCh := make(chan settlement.Output, cfg.Persistence.PersistChanSize)
	projectionCh := make(chan settlement.Output, cfg.Persistence.ProjectionChanSize)

	opts := []settlement.Option{
		settlement.WithMetrics(metrics),
		settlement.WithOutputs(persistCh, projectionCh),
		settlement.WithLogger(observability.NewLogger("engine")),
	}
	if cfg.Oracle.Enabled {
		guardCfg, err := cfg.OracleGuardConfig()
		if err != nil {
			return err
		}
		src := oracle.NewNATSSource()
		if err := src.Start(nc, cfg.NATS.OracleSubject); err != nil {
			return err
		}
		defer src.Stop()
		opts = append(opts, settlement.WithOracle(oracle.NewGuard(src, clk, guardCfg, metrics)))
	}

	engine := settlement.NewEngine(engineCfg,
		auth.NewVerifier(domain, clk, cfg.Engine.ClockSkew),
		transfer.NewNATSSink(nc, cfg.NATS.TransferSubject),
		clk, opts...)
	q := queue.New(engine, clk, cfg.QueueSettings(), metrics)

	// --- Recovery ---
	restored, err := persistence.Restore(ctx, st.store, engine, q, metrics)
	if err != nil {
		return fmt.Errorf("recovery: %w", err)
	}

	dedup := ingestion.NewDeduper(cfg.Ingestion.DedupCapacity, st.durable, metrics)
	dedup.Warm(restored.DepositIDs)
	ingestor := ingestion.NewIngestor(engine, dedup, metrics)

	snapshots := persistence.NewSnapshotManager(st.store, func() (*persistence.SnapshotData, error) {
		qs, es, err := q.Checkpoint()
		if err != nil {
			return nil, err
		}
		return persistence.NewSnapshotData(es, qs, dedup.Keys()), nil
	}, cfg.Persistence.SnapshotInterval, metrics)
	if restored.Snapshot != nil {
		snapshots.SetLastSequence(restored.Snapshot.Sequence)
	}

	// --- Workers ---
	// Workers outlive the servers so that everything the engine emitted
	// before shutdown is flushed.
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	workers, workerCtx := errgroup.WithContext(workerCtx)

	publisher := ingestion.NewOutboundPublisher(js, cfg.NATS.PublishBuffer, metrics)
	persistWorker := persistence.NewPersistenceWorker(st.store, persistCh,
		cfg.Persistence.BatchSize, cfg.Persistence.FlushTimeout, metrics)
	persistWorker.OnFlushed(publisher.Enqueue)
	projWorker := projection.NewProjectionWorker(st.projections, st.store, projectionCh, metrics)

	workers.Go(func() error { return persistWorker.Run(workerCtx) })
	workers.Go(func() error { return projWorker.Run(workerCtx) })
	workers.Go(func() error { return publisher.Run(workerCtx) })

	if n := q.Recover(); n > 0 {
		log.Warn().Int("operations", n).Msg("rolled back operations interrupted by the previous run")
	}

	// --- Ingestion and API ---
	subscriber := ingestion.NewNATSSubscriber(js, ingestor)
	if err := subscriber.Subscribe(ctx); err != nil {
		stopWorkers()
		workers.Wait()
		return err
	}

	svc := server.NewService(server.Deps{
		Engine:     engine,
		Queue:      q,
		Ingestor:   ingestor,
		Reader:     st.reader,
		Auditor:    st.auditor,
		Snapshots:  snapshots,
		Valuations: cfg.Oracle.Enabled,
	})
	grpcServer := server.NewGRPCServer(cfg.Server.GRPCAddr, svc, metrics)
	gateway, err := server.NewGateway(svc, health, metrics)
	if err != nil {
		subscriber.Stop()
		stopWorkers()
		workers.Wait()
		return err
	}

	servers, serveCtx := errgroup.WithContext(ctx)
	servers.Go(func() error { return grpcServer.Run(serveCtx) })
	servers.Go(func() error { return gateway.Run(serveCtx, cfg.Server.HTTPAddr) })
	servers.Go(func() error { return serveMetrics(serveCtx, cfg.Server.MetricsAddr, reg, log) })
	servers.Go(func() error {
		return snapshots.Run(serveCtx, cfg.Persistence.SnapshotCheck, engine.Sequence)
	})

	health.SetReady(true)
	grpcServer.SetServing(true)
	log.Info().
		Uint64("sequence", engine.Sequence()).
		Int("replayed", restored.Replayed).
		Str("grpc", cfg.Server.GRPCAddr).
		Str("http", cfg.Server.HTTPAddr).
		Str("metrics", cfg.Server.MetricsAddr).
		Msg("safeledger ready")

	serveErr := servers.Wait()
	if serveErr != nil {
		log.Error().Err(serveErr).Msg("server failed, shutting down")
	} else {
		log.Info().Msg("shutting down")
	}

	// --- Graceful shutdown ---
	health.SetReady(false)
	subscriber.Stop()

	stopWorkers()
	if err := workers.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("worker failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if snap, err := snapshots.Take(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("final snapshot failed")
	} else {
		log.Info().Uint64("sequence", snap.Sequence).Msg("final snapshot saved")
	}

	log.Info().Msg("safeledger shutdown complete")
	return serveErr
}

func openStorage(ctx context.Context, cfg config.Config, health *observability.HealthChecker) (*storage, error) {
	log := observability.NewLogger("main")

	switch cfg.Storage.Driver {
	case config.DriverBolt:
		bs, err := persistence.OpenBoltStore(cfg.Storage.BoltPath)
		if err != nil {
			return nil, err
		}
		mem := projection.NewMemoryStore()
		if _, err := projection.Rebuild(ctx, mem, bs); err != nil {
			bs.Close()
			return nil, fmt.Errorf("rebuild projections: %w", err)
		}
		log.Info().Str("path", cfg.Storage.BoltPath).Msg("bolt store opened")
		return &storage{
			store:       bs,
			projections: mem,
			reader:      query.NewMemoryService(mem),
			durable:     bs,
			close:       bs.Close,
		}, nil

	default:
		db, err := sql.Open("postgres", cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres open: %w", err)
		}
		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("postgres ping: %w", err)
		}
		log.Info().Msg("postgres connected")

		if cfg.Storage.MigrateOnStart {
			var fsys fs.FS
			if cfg.Storage.MigrationsDir != "" {
				fsys = os.DirFS(cfg.Storage.MigrationsDir)
			}
			n, err := persistence.NewMigrator(db, fsys).Up(ctx)
			if err != nil {
				db.Close()
				return nil, fmt.Errorf("run migrations: %w", err)
			}
			log.Info().Int("applied", n).Msg("migrations up to date")
		}
		health.AddCheck("postgres", db.PingContext)

		qs := query.NewQueryService(db)
		return &storage{
			store:       persistence.NewPostgresStore(db),
			projections: projection.NewPostgresStore(db),
			reader:      qs,
			auditor:     qs,
			durable:     persistence.NewPostgresDepositChecker(db),
			close:       db.Close,
		}, nil
	}
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, log zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

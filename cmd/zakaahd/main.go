package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/example/zakaah-ledger/internal/allocation"
	"github.com/example/zakaah-ledger/internal/api"
	"github.com/example/zakaah-ledger/internal/auth"
	"github.com/example/zakaah-ledger/internal/config"
	"github.com/example/zakaah-ledger/internal/ledger"
	"github.com/example/zakaah-ledger/internal/lock"
	"github.com/example/zakaah-ledger/internal/logger"
	"github.com/example/zakaah-ledger/internal/metrics"
	"github.com/example/zakaah-ledger/internal/security"
	"github.com/example/zakaah-ledger/internal/sqldb"
	"github.com/example/zakaah-ledger/internal/store"
	"github.com/example/zakaah-ledger/internal/valuation"
	"github.com/example/zakaah-ledger/pkg/audit"
)

const serviceName = "zakaahd"

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("failed to load config", zap.Error(err))
	}

	log, err := logger.New(serviceName, cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("zakaahd stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sqldb.Open(ctx, sqldb.Dialect(cfg.DatabaseDialect), cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	gl := ledger.New(db)
	st := store.New(db)
	if cfg.MigrateOnStart {
		if err := gl.Migrate(ctx); err != nil {
			return err
		}
		if err := st.Migrate(ctx); err != nil {
			return err
		}
		log.Info("schema migrated", zap.String("dialect", cfg.DatabaseDialect))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	chain, closeAudit, err := openAuditChain(cfg.AuditLogFile, log)
	if err != nil {
		return err
	}
	defer closeAudit()

	policy, err := valuation.ParsePaymentPolicy(cfg.PaymentPolicy)
	if err != nil {
		return err
	}
	engine := valuation.NewEngine(gl, gl,
		valuation.WithPaymentPolicy(policy),
		valuation.WithPrecision(cfg.AmountPrecision),
		valuation.WithLogger(log.Named("valuation")),
		valuation.WithMetrics(m),
	)

	opts := []allocation.ServiceOption{
		allocation.WithEpsilon(cfg.AllocationEpsilon),
		allocation.WithAuditor(chain),
		allocation.WithServiceLogger(log.Named("allocation")),
		allocation.WithServiceMetrics(m),
	}

	var rateLimiter *security.RedisTokenBucket
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}
		opts = append(opts, allocation.WithLocker(lock.NewRedisLocker(rdb, lock.DefaultOptions(), log.Named("lock"))))
		rateLimiter = &security.RedisTokenBucket{
			Redis:      rdb,
			Prefix:     "zakaah_api",
			Capacity:   cfg.RateLimitCapacity,
			RefillRate: float64(cfg.RateLimitRefillPerSec),
		}
	} else {
		log.Warn("REDIS_ADDR not set, allocations are serialised per process only and rate limiting is off")
	}
	svc := allocation.NewService(st, st, engine, gl, opts...)

	keys, err := loadKeys(cfg)
	if err != nil {
		return err
	}

	allowlist, err := security.ParseCIDRAllowlist(cfg.IPAllowlist)
	if err != nil {
		return err
	}

	deps := api.Dependencies{
		Logger:       log.Named("api"),
		JWTValidator: &auth.JWTValidator{KeySet: keys, Issuer: cfg.JWTIssuer, Audience: cfg.JWTAudience},
		Service:      svc,
		Ledger:       gl,
		Auditor:      chain,
		IPAllowlist:  allowlist,
		MaxBodyBytes: cfg.MaxBodyBytes,
		Metrics:      m,
		Gatherer:     reg,
		RateLimiter:  rateLimiter,
		Ready:        db.PingContext,
	}
	router, err := api.NewRouter(deps)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	tlsFiles := security.TLSConfig{CertFile: cfg.TLSCertFile, KeyFile: cfg.TLSKeyFile, CAFile: cfg.TLSCAFile}
	if tlsFiles.Enabled() {
		srv.TLSConfig, err = security.LoadServerTLSConfig(tlsFiles)
		if err != nil {
			return err
		}
	}

	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	grpcLis, err := net.Listen("tcp", cfg.GRPCHealthAddr)
	if err != nil {
		return err
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info("grpc health listening", zap.String("addr", cfg.GRPCHealthAddr))
		errCh <- grpcServer.Serve(grpcLis)
	}()
	go func() {
		log.Info("api listening", zap.String("addr", cfg.APIAddr), zap.Bool("tls", srv.TLSConfig != nil))
		var err error
		if srv.TLSConfig != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()
	go watchReadiness(ctx, db.PingContext, healthServer, log)

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case serveErr = <-errCh:
	}

	healthServer.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown failed", zap.Error(err))
	}
	grpcServer.GracefulStop()

	log.Info("audit chain closed", zap.String("head", chain.Head()))
	return serveErr
}

// watchReadiness mirrors database reachability into the grpc health status.
func watchReadiness(ctx context.Context, ping func(context.Context) error, hs *health.Server, log *zap.Logger) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	last := healthpb.HealthCheckResponse_UNKNOWN
	for {
		status := healthpb.HealthCheckResponse_SERVING
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := ping(pingCtx); err != nil {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			if last != status {
				log.Warn("database unreachable", zap.Error(err))
			}
		}
		cancel()
		if status != last {
			hs.SetServingStatus("", status)
			hs.SetServingStatus(serviceName, status)
			last = status
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func loadKeys(cfg *config.Config) (*auth.KeySet, error) {
	if cfg.JWTJWKSFile != "" {
		return auth.LoadJWKS(cfg.JWTJWKSFile)
	}
	return auth.LoadPublicKeyPEM(cfg.JWTPublicKeyFile)
}

// openAuditChain resumes the chain stored at path, refusing to extend a chain that
// no longer verifies. Without a path entries go to stdout.
func openAuditChain(path string, log *zap.Logger) (*audit.ChainLogger, func(), error) {
	if path == "" {
		return audit.NewChainLogger(os.Stdout), func() {}, nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	entries, err := audit.ReadEntries(f)
	if err != nil {
		_ = f.Close()
		return nil, nil, err
	}
	if i := audit.FirstBreak(entries); i >= 0 {
		_ = f.Close()
		return nil, nil, fmt.Errorf("audit log %s is broken at entry %d", path, i+1)
	}

	head := audit.GenesisHash
	if len(entries) > 0 {
		head = entries[len(entries)-1].Hash
	}
	log.Info("audit chain resumed", zap.String("path", path), zap.Int("entries", len(entries)), zap.String("head", head))
	return audit.ResumeChainLogger(f, head), func() { _ = f.Close() }, nil
}

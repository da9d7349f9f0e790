package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"offerbook/core/host"
	"offerbook/core/types"
	nativecommon "offerbook/native/common"
	"offerbook/native/offers"
	"offerbook/observability/logging"
	telemetry "offerbook/observability/otel"
	"offerbook/services/offersd/config"
	"offerbook/services/offersd/indexer"
	"offerbook/services/offersd/node"
	"offerbook/services/offersd/server"
	"offerbook/storage"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/offersd/config.yaml", "path to offersd configuration file (.yaml or .toml)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("offersd: load config: %v", err)
	}

	logger, logCloser := logging.SetupWithOptions(logging.Options{
		Service: "offersd",
		Env:     cfg.Environment,
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
	})
	defer logCloser.Close()
	logger.Info("configuration loaded",
		slog.String("path", cfgPath),
		slog.String("listen", cfg.ListenAddress),
		slog.String("storage", cfg.Storage.Backend),
		slog.Bool("auth", cfg.Auth.Enabled),
		logging.MaskField("jwt_secret", cfg.Auth.Secret))

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.FromEnv("offersd", cfg.Environment))
	if err != nil {
		log.Fatalf("offersd: init telemetry: %v", err)
	}
	defer func() {
		_ = shutdownTelemetry(context.Background())
	}()

	db, err := openDatabase(cfg.Storage)
	if err != nil {
		log.Fatalf("offersd: open storage: %v", err)
	}

	params, err := engineParams(cfg.Offers)
	if err != nil {
		log.Fatalf("offersd: %v", err)
	}

	var index *indexer.Indexer
	opts := node.Options{
		EscrowAccount: cfg.EscrowAccount,
		Database:      db,
		CacheSize:     cfg.Storage.CacheSize,
		Params:        params,
		Paused:        cfg.Offers.Paused,
		DefaultGas:    host.Gas(cfg.Offers.DefaultGasTGas) * host.TGas,
		Blocked:       cfg.BlockedReceivers,
		Logger:        logger,
	}
	if strings.TrimSpace(cfg.Index.DSN) != "" {
		logger.Info("opening event index",
			slog.String("driver", cfg.Index.Driver),
			slog.String("dsn", logging.MaskDSN(cfg.Index.DSN)))
		index, err = indexer.Open(cfg.Index.Driver, cfg.Index.DSN, logger.With(slog.String("component", "indexer")))
		if err != nil {
			log.Fatalf("offersd: open index: %v", err)
		}
		defer index.Close()
		opts.Emitters = append(opts.Emitters, index)
	}

	n, err := node.New(opts)
	if err != nil {
		log.Fatalf("offersd: build node: %v", err)
	}
	defer n.Close()

	genesis, err := buildGenesis(cfg.Genesis)
	if err != nil {
		log.Fatalf("offersd: %v", err)
	}
	if err := n.ApplyGenesis(genesis); err != nil {
		log.Fatalf("offersd: apply genesis: %v", err)
	}

	srv, err := server.New(server.Config{
		Node:  n,
		Index: index,
		Auth: server.AuthConfig{
			Enabled:   cfg.Auth.Enabled,
			Secret:    cfg.Auth.Secret,
			Issuer:    cfg.Auth.Issuer,
			Audience:  cfg.Auth.Audience,
			ClockSkew: cfg.Auth.ClockSkew.Duration,
		},
		RateLimit: server.RateLimit{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
		},
		Logger: logger,
	})
	if err != nil {
		log.Fatalf("offersd: build server: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		n.Run(ctx, cfg.Settlement.Interval.Duration)
	}()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("offersd listening",
		slog.String("addr", cfg.ListenAddress),
		slog.String("escrow", n.EscrowAccount()))
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", slog.String("error", err.Error()))
	}
	stop()
	<-runDone
	if pending := n.Pending(); pending > 0 {
		logger.Warn("shutting down with queued transfers, they resume on restart", slog.Int("pending", pending))
	}
}

func openDatabase(cfg config.StorageConfig) (storage.Database, error) {
	switch cfg.Backend {
	case "leveldb":
		db, err := storage.NewLevelDB(cfg.Path)
		if err != nil {
			return nil, err
		}
		return db, nil
	case "bolt":
		db, err := storage.NewBoltDB(cfg.Path)
		if err != nil {
			return nil, err
		}
		return db, nil
	default:
		return storage.NewMemDB(), nil
	}
}

func engineParams(cfg config.OffersConfig) (offers.Params, error) {
	params := offers.DefaultParams()
	policy, err := offers.ParseLegBPolicy(cfg.LegBPolicy)
	if err != nil {
		return params, err
	}
	params.LegBPolicy = policy
	if cfg.MaxPageSize > 0 {
		params.MaxPageSize = cfg.MaxPageSize
	}
	if cfg.QuotaPerEpoch > 0 {
		params.CreationQuota = nativecommon.Quota{
			MaxPerEpoch:  cfg.QuotaPerEpoch,
			EpochSeconds: uint32(cfg.QuotaEpoch.Duration / time.Second),
		}
	}
	return params, params.Validate()
}

func buildGenesis(cfg config.GenesisConfig) (node.Genesis, error) {
	var g node.Genesis
	for _, c := range cfg.Contracts {
		kind, err := types.ParseAssetKind(c.Kind)
		if err != nil {
			return g, fmt.Errorf("genesis contract %s: %w", c.Name, err)
		}
		g.Contracts = append(g.Contracts, node.GenesisContract{Name: c.Name, Kind: kind})
	}
	for _, b := range cfg.Balances {
		amount, err := types.ParseAmount(b.Amount)
		if err != nil {
			return g, fmt.Errorf("genesis balance %s/%s: %w", b.Contract, b.Account, err)
		}
		g.Balances = append(g.Balances, node.GenesisBalance{Contract: b.Contract, Account: b.Account, Amount: amount})
	}
	for _, tok := range cfg.Tokens {
		g.Tokens = append(g.Tokens, node.GenesisToken{Contract: tok.Contract, TokenID: tok.TokenID, Owner: tok.Owner})
	}
	return g, nil
}

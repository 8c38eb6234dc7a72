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
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"autocap/allocation"
	"autocap/config"
	"autocap/distribution"
	"autocap/ledger"
	"autocap/lotus"
	"autocap/observability/logging"
	telemetry "autocap/observability/otel"
	"autocap/registry"
	"autocap/rounds"
	"autocap/safe"
	"autocap/server"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the service configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.Setup("autocapd", cfg.Environment)

	if cfg.Telemetry.Enabled {
		shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
			ServiceName: "autocapd",
			Environment: cfg.Environment,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
			Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
			Metrics:     cfg.Telemetry.Metrics,
			Traces:      cfg.Telemetry.Traces,
		})
		if err != nil {
			log.Fatalf("init telemetry: %v", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTelemetry(ctx)
		}()
	}

	if err := run(cfg, logger); err != nil {
		log.Fatalf("autocapd failed: %v", err)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	caller, err := registry.Dial(cfg.EVMRPCURL)
	if err != nil {
		return fmt.Errorf("dial evm rpc: %w", err)
	}
	defer caller.Close()

	registryClient := registry.NewClient(caller, common.HexToAddress(cfg.Contracts.Registry),
		registry.WithMulticall(common.HexToAddress(cfg.Contracts.Multicall)),
		registry.WithDetailBatchSize(cfg.Rounds.DetailBatchSize),
	)
	resolver := rounds.NewResolver(registryClient)

	burns := ledger.NewClient(cfg.SubgraphURL,
		ledger.WithHTTPClient(&http.Client{Timeout: cfg.RequestTimeout.Duration}),
		ledger.WithEpochs(ledger.Epochs{
			GenesisUnix:     cfg.Epochs.GenesisUnix,
			SecondsPerEpoch: cfg.Epochs.SecondsPerEpoch,
		}),
	)

	aggregator := allocation.NewAggregator(registryClient, burns,
		allocation.WithPageSize(uint64(cfg.Rounds.PageSize)),
	)
	builder := distribution.NewBuilder(resolver, aggregator, common.HexToAddress(cfg.Contracts.Allocator))

	opts := []server.Option{
		server.WithRequestTimeout(cfg.RequestTimeout.Duration),
		server.WithAllocations(aggregator),
	}
	if cfg.LotusRPCURL != "" {
		lotusClient := lotus.NewClient(cfg.LotusRPCURL, &http.Client{Timeout: cfg.RequestTimeout.Duration})
		opts = append(opts, server.WithActorService(lotusClient))
	}
	if cfg.RelayURL != "" {
		relay := safe.NewRelayClient(cfg.RelayURL, &http.Client{Timeout: cfg.RequestTimeout.Duration})
		opts = append(opts, server.WithProposer(relay))
	}
	httpServer := server.NewServer(resolver, builder, logger, opts...)

	srv := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           otelhttp.NewHandler(httpServer.Router(), "autocapd"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", slog.String("addr", cfg.ListenAddress), slog.String("environment", cfg.Environment))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logger.Info("shutting down", slog.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

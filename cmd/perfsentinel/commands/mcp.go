package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/perfsentinel/perfsentinel/internal/config"
	"github.com/perfsentinel/perfsentinel/internal/mcpserver"
	"github.com/perfsentinel/perfsentinel/internal/storage"
	"github.com/perfsentinel/perfsentinel/pkg/observability"
	"github.com/perfsentinel/perfsentinel/pkg/version"
)

// MCPCommand holds flags for the mcp verb.
type MCPCommand struct {
	storage     storageFlags
	metricsAddr string
	debug       bool
}

// NewMCPCommand creates the MCP server command.
func NewMCPCommand() *cobra.Command {
	mc := &MCPCommand{}

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Start MCP server for AI agent integration",
		Long: `Start a Model Context Protocol (MCP) server on stdio transport.

The MCP server exposes PerfSentinel analysis capabilities as tools that AI
agents can discover and invoke:
  - sentinel_analyze: Classify run samples against the project baseline
  - sentinel_baseline: Inspect stored baseline entries
  - sentinel_health: Grade the storage backend`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          mc.run,
	}

	mc.storage.register(cmd)

	flags := cmd.Flags()
	flags.StringVar(&mc.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics and health probes on this address")
	flags.BoolVar(&mc.debug, "debug", false, "Enable debug logging to stderr")

	return cmd
}

func (mc *MCPCommand) run(cmd *cobra.Command, _ []string) error {
	if err := mc.storage.requireAtMostOne(); err != nil {
		return err
	}

	providers, initErr := initMCPObservability(mc.debug)
	if initErr != nil {
		return initErr
	}

	defer func() {
		shutdownErr := providers.Shutdown(context.Background())
		if shutdownErr != nil {
			providers.Logger.Warn("observability shutdown failed", "error", shutdownErr)
		}
	}()

	red, redErr := observability.NewREDMetrics(providers.Meter)
	if redErr != nil {
		return redErr
	}

	analysisMetrics, amErr := observability.NewAnalysisMetrics(providers.Meter)
	if amErr != nil {
		return amErr
	}

	cfg, cfgErr := mc.storage.load(config.Overrides{})
	if cfgErr != nil {
		return cfgErr
	}

	ctx := cmd.Context()

	service, storageErr := openStorage(ctx, cfg, providers.Logger)
	if storageErr != nil {
		return storageErr
	}
	defer closeStorage(context.Background(), service, providers.Logger)

	go drainFallbackEvents(ctx, service.Events(), analysisMetrics)

	if mc.metricsAddr != "" {
		diag, diagErr := observability.NewDiagnosticsServer(
			mc.metricsAddr,
			version.Version,
			providers.Tracer,
			providers.Logger,
			storageReadyCheck(service),
		)
		if diagErr != nil {
			return diagErr
		}

		defer func() {
			if closeErr := diag.Close(); closeErr != nil {
				providers.Logger.Warn("diagnostics server close failed", "error", closeErr)
			}
		}()

		providers.Logger.Info("diagnostics server listening", "addr", diag.Addr())
	}

	deps := mcpserver.ServerDeps{
		Logger:  providers.Logger,
		Metrics: red,
		Tracer:  providers.Tracer,
		Storage: service,
		Config:  cfg,
	}

	srv := mcpserver.NewServer(deps)

	return srv.Run(ctx)
}

func initMCPObservability(debug bool) (observability.Providers, error) {
	cfg := observability.DefaultConfig()
	cfg.ServiceVersion = version.Version
	cfg.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	cfg.OTLPHeaders = observability.ParseOTLPHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	cfg.OTLPInsecure = os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true"
	cfg.Mode = observability.ModeMCP
	cfg.LogJSON = true

	if debug {
		cfg.LogLevel = slog.LevelDebug
		cfg.DebugTrace = true
	}

	return observability.Init(cfg)
}

// drainFallbackEvents records storage fallbacks while the server runs. The
// sender never blocks on this channel, so the drain exists for visibility,
// not for correctness.
func drainFallbackEvents(ctx context.Context, events <-chan storage.FallbackEvent, metrics *observability.AnalysisMetrics) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}

			metrics.RecordFallback(ctx, string(event.From), string(config.AdapterFilesystem))
		}
	}
}

// storageReadyCheck adapts the backend health grade to a readiness probe.
// Degraded still serves requests through the standby, so only broken
// backends fail readiness.
func storageReadyCheck(service *storage.Service) observability.ReadyCheck {
	return func(ctx context.Context) error {
		status := service.HealthStatus(ctx)

		if status.Status == storage.HealthHealthy || status.Status == storage.HealthDegraded {
			return nil
		}

		if status.Error != "" {
			return fmt.Errorf("storage %s is %s: %s", status.Type, status.Status, status.Error)
		}

		return fmt.Errorf("storage %s is %s", status.Type, status.Status)
	}
}

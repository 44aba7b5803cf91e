// Package observability provides OpenTelemetry-based tracing, metrics, and
// structured logging for both PerfSentinel launch modes (CLI, MCP).
package observability

import "log/slog"

// AppMode identifies the application execution mode.
type AppMode string

const (
	// ModeCLI is the CLI command execution mode.
	ModeCLI AppMode = "cli"
	// ModeMCP is the MCP stdio server mode.
	ModeMCP AppMode = "mcp"
)

const (
	defaultServiceName        = "perfsentinel"
	defaultShutdownTimeoutSec = 5
)

// Config holds all observability configuration. The zero value plus
// [DefaultConfig] runs fully local: no exporter, no collector, text logs on
// stderr.
type Config struct {
	// ServiceName names the OTel resource. Defaults to the binary name.
	ServiceName string

	// ServiceVersion is the semantic version of the running binary,
	// stamped on the resource and on every log record.
	ServiceVersion string

	// Environment is the deployment environment, e.g. "production" or
	// "ci". Blank omits the attribute.
	Environment string

	// Mode records how the binary was launched (CLI command or MCP
	// server).
	Mode AppMode

	// OTLPEndpoint is the OTLP gRPC collector address, e.g.
	// "localhost:4317". Blank disables export entirely.
	OTLPEndpoint string

	// OTLPHeaders carries extra gRPC metadata for the OTLP exporters,
	// typically tenant or auth headers.
	OTLPHeaders map[string]string

	// OTLPInsecure turns off TLS on the exporter connection.
	OTLPInsecure bool

	// DebugTrace forces 100% sampling and logs every span attribute the
	// export filter drops.
	DebugTrace bool

	// SampleRatio sets the root-span sampling ratio in (0, 1]. Zero
	// keeps the default parent-based always-on sampler.
	SampleRatio float64

	// TraceVerbose also exports hot-path spans (per-storage-op, scrape
	// endpoints). Off by default; only analysis pipeline spans leave the
	// process.
	TraceVerbose bool

	// LogLevel is the minimum slog severity written to stderr.
	LogLevel slog.Level

	// LogJSON switches log output from text to JSON records.
	LogJSON bool

	// ShutdownTimeoutSec bounds the final telemetry flush in seconds.
	ShutdownTimeoutSec int
}

// DefaultConfig returns the zero-setup configuration: CLI mode, info-level
// text logs, export disabled.
func DefaultConfig() Config {
	return Config{
		ServiceName:        defaultServiceName,
		Mode:               ModeCLI,
		LogLevel:           slog.LevelInfo,
		ShutdownTimeoutSec: defaultShutdownTimeoutSec,
	}
}

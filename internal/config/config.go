// Package config parses the command-line flags that configure the
// causality engine into a Config value, using a dedicated flag.FlagSet
// rather than package-level flag variables.
package config

import (
	"flag"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"
)

// Config holds every tunable of a running causality-engine instance.
type Config struct {
	ListenAddr string

	StoreBackend   string
	StoreMaxTraces int

	IngestQueueSize  int
	IngestWorkers    int
	IngestBatchLimit int
	IngestMaxSkew    time.Duration

	AnomalyZThreshold   float64
	AnomalyMinCohortN   int
	CriticalPathTimeout time.Duration

	ReportReadRead bool

	NoMemorySupervisor bool

	Help bool
}

// envString, envInt, envFloat64, envDuration and envBool read a RACE_-
// prefixed environment variable as the flag's default, letting an explicit
// command-line flag still take precedence (spec's "overridable by
// environment variables read at startup (RACE_STORE_BACKEND, etc.)"),
// mirroring the ancestor's own os.Getenv-as-fallback-default idiom.
func envString(name, def string) string {
	if v, ok := os.LookupEnv("RACE_" + name); ok && v != "" {
		return v
	}
	return def
}

func envInt(name string, def int) int {
	if v, ok := os.LookupEnv("RACE_" + name); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat64(name string, def float64) float64 {
	if v, ok := os.LookupEnv("RACE_" + name); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envDuration(name string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv("RACE_" + name); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envBool(name string, def bool) bool {
	if v, ok := os.LookupEnv("RACE_" + name); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// Parse reads flags from args (os.Args[1:] in production, an explicit
// slice in tests) and returns the resulting Config. Every flag's default is
// first resolved from its RACE_<NAME> environment variable, so a deployment
// can configure the engine entirely through its environment and still use
// an explicit flag to override a single value.
func Parse(args []string) (Config, error) {
	fs := flag.NewFlagSet("causalityd", flag.ContinueOnError)

	var cfg Config

	fs.BoolVar(&cfg.Help, "h", false, "Print help")

	fs.StringVar(&cfg.ListenAddr, "addr", envString("ADDR", ":8080"), "Address for the HTTP query surface to listen on")

	fs.StringVar(&cfg.StoreBackend, "store-backend", envString("STORE_BACKEND", "memory"),
		"Trace store backend (\"memory\" is the only backend implemented; any other name resolves to a stub that reports BackendUnavailable)")
	fs.IntVar(&cfg.StoreMaxTraces, "max-traces", envInt("MAX_TRACES", 10000), "Maximum number of traces retained in memory before LRU eviction")

	fs.IntVar(&cfg.IngestQueueSize, "ingestQueue", envInt("INGEST_QUEUE", 10000), "Bounded queue depth for the ingest pipeline before backpressure kicks in")
	fs.IntVar(&cfg.IngestWorkers, "ingestWorkers", envInt("INGEST_WORKERS", runtime.NumCPU()), "Number of ingest worker goroutines")
	fs.IntVar(&cfg.IngestBatchLimit, "ingestBatchLimit", envInt("INGEST_BATCH_LIMIT", 1000), "Maximum events accepted in a single ingest batch request")
	fs.DurationVar(&cfg.IngestMaxSkew, "ingestMaxSkew", envDuration("INGEST_MAX_SKEW", 24*time.Hour),
		"Maximum allowed difference between an event's timestamp and server receipt time before it is rejected")

	fs.Float64Var(&cfg.AnomalyZThreshold, "anomalyZ", envFloat64("ANOMALY_Z", 1.5), "Absolute z-score threshold for anomaly flagging")
	fs.IntVar(&cfg.AnomalyMinCohortN, "anomalyMinCohort", envInt("ANOMALY_MIN_COHORT", 5), "Minimum per-kind cohort size before falling back to the global cohort")
	fs.DurationVar(&cfg.CriticalPathTimeout, "criticalPathTimeout", envDuration("CRITICAL_PATH_TIMEOUT", 5*time.Second), "Timeout for a single critical-path computation")

	fs.BoolVar(&cfg.ReportReadRead, "reportReadRead", envBool("REPORT_READ_READ", false),
		"Report concurrent cross-trace read/read accesses as Info-severity race findings")

	fs.BoolVar(&cfg.NoMemorySupervisor, "noMemorySupervisor", envBool("NO_MEMORY_SUPERVISOR", false), "Disable the memory pressure monitor")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if cfg.Help {
		fs.SetOutput(os.Stdout)
		fs.PrintDefaults()
	}
	return cfg, nil
}

// Validate rejects configurations that would make the engine misbehave in
// ways a flag parser can't catch on its own.
func (c Config) Validate() error {
	if c.StoreBackend == "" {
		return fmt.Errorf("store-backend must not be empty")
	}
	if c.IngestQueueSize <= 0 {
		return fmt.Errorf("ingestQueue must be positive, got %d", c.IngestQueueSize)
	}
	if c.IngestWorkers <= 0 {
		return fmt.Errorf("ingestWorkers must be positive, got %d", c.IngestWorkers)
	}
	if c.IngestBatchLimit <= 0 {
		return fmt.Errorf("ingestBatchLimit must be positive, got %d", c.IngestBatchLimit)
	}
	if c.IngestMaxSkew <= 0 {
		return fmt.Errorf("ingestMaxSkew must be positive, got %s", c.IngestMaxSkew)
	}
	if c.StoreMaxTraces <= 0 {
		return fmt.Errorf("max-traces must be positive, got %d", c.StoreMaxTraces)
	}
	if c.AnomalyZThreshold <= 0 {
		return fmt.Errorf("anomalyZ must be positive, got %f", c.AnomalyZThreshold)
	}
	return nil
}

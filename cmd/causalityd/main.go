// Command causalityd runs the causality analysis engine: it accepts
// ingested events over HTTP, reconstructs their happens-before order, and
// serves the analytical query surface of spec §6.4.
package main

import (
	"net/http"
	"os"

	"causalityengine/internal/config"
	"causalityengine/internal/httpapi"
	"causalityengine/internal/ingest"
	"causalityengine/internal/query"
	"causalityengine/internal/resources"
	"causalityengine/internal/store"
	"causalityengine/internal/xlog"
)

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		xlog.Errorf("failed to parse flags: %v", err)
		os.Exit(1)
	}
	if cfg.Help {
		return
	}
	if err := cfg.Validate(); err != nil {
		xlog.Errorf("invalid configuration: %v", err)
		os.Exit(1)
	}

	var svc *query.Service
	s := store.New(cfg.StoreBackend,
		store.WithMaxTraces(cfg.StoreMaxTraces),
		store.WithInvalidationHook(func(traceID string) {
			if svc != nil {
				svc.Invalidate(traceID)
			}
		}),
	)
	svc = query.NewService(s, cfg.AnomalyZThreshold, cfg.AnomalyMinCohortN, cfg.CriticalPathTimeout, cfg.ReportReadRead)

	var monitor *resources.Monitor
	if !cfg.NoMemorySupervisor {
		monitor = resources.NewMonitor()
		go monitor.Run()
		defer monitor.Stop()
	}

	pipeline := ingest.New(s, cfg.IngestWorkers, cfg.IngestQueueSize,
		ingest.WithBatchLimit(cfg.IngestBatchLimit),
		ingest.WithMemoryMonitor(monitor),
		ingest.WithMaxSkew(cfg.IngestMaxSkew),
	)
	defer pipeline.Shutdown()

	server := httpapi.NewServer(pipeline, svc, monitor)

	xlog.Infof("causalityd listening on %s", cfg.ListenAddr)
	if err := http.ListenAndServe(cfg.ListenAddr, server); err != nil {
		xlog.Errorf("server exited: %v", err)
		os.Exit(1)
	}
}

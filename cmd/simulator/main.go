// Command simulator drives a fleet of OCPP 1.6-J charge point
// sessions for a load test, replacing the teacher's single-charger
// interactive loop (main.go) with the batch-oriented entrypoint the
// engine registry (K) was built for: provision N sessions against one
// CSMS endpoint, connect and boot them, plug them and start a
// transaction on each, and report batch accounting (§8 Scenario F).
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ocppfleet/simulator/internal/collab"
	"github.com/ocppfleet/simulator/internal/config"
	"github.com/ocppfleet/simulator/internal/engine"
	"github.com/ocppfleet/simulator/internal/logging"
	"github.com/ocppfleet/simulator/internal/session"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to engine configuration file")
	csmsURL := flag.String("csms-url", "ws://localhost:8080/ocpp", "CSMS WebSocket endpoint")
	fleetSize := flag.Int("fleet-size", 100, "Number of sessions to provision")
	idTag := flag.String("id-tag", "SIMULATOR_TAG", "idTag used to start transactions")
	dbPath := flag.String("db", "", "Path to a bbolt session store file; empty uses an in-memory store")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Printf("no config file at %s, using documented defaults: %v", *configPath, err)
		cfg = config.Default()
	}

	logger, err := logging.New(logging.DefaultOptions())
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}

	store, closeStore := openStore(*dbPath, logger)
	defer closeStore()

	bus := collab.NewMemoryBus(500)
	eng := engine.New(cfg, store, bus, logger, nil)

	stopMetrics := make(chan struct{})
	go eng.RunMetricsLoop(10*time.Second, stopMetrics)
	defer close(stopMetrics)

	log.Printf("OCPP Fleet Simulator")
	log.Printf("====================")
	log.Printf("CSMS endpoint: %s", *csmsURL)
	log.Printf("Fleet size:    %d", *fleetSize)
	log.Printf("Max sessions:  %d", cfg.MaxSessions)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutting down...")
		cancel()
	}()

	runFleetScenario(ctx, eng, *csmsURL, *fleetSize, *idTag)

	<-ctx.Done()
}

// runFleetScenario provisions the fleet, connects and boots it, plugs
// every session and starts a transaction on each, logging batch
// accounting at each stage.
func runFleetScenario(ctx context.Context, eng *engine.Engine, csmsURL string, fleetSize int, idTag string) {
	template := engine.CreateOptions{
		CPID:         "SIM",
		ConnectorID:  1,
		CSMSEndpoint: csmsURL,
		Kind:         session.ACTri,
		MaxVoltageV:  230,
		MaxCurrentA:  32,
		MaxPowerKW:   11,
		InitialSoC:   20,
		TargetSoC:    80,
	}

	create := eng.CreateN(ctx, fleetSize, template)
	log.Printf("create: submitted=%d succeeded=%d failed=%d cancelled=%d",
		create.Submitted, create.Succeeded, create.Failed, create.Cancelled)

	connect := eng.ConnectAll(ctx)
	log.Printf("connect: submitted=%d succeeded=%d failed=%d cancelled=%d",
		connect.Submitted, connect.Succeeded, connect.Failed, connect.Cancelled)

	boot := eng.BootAll(ctx)
	log.Printf("boot: submitted=%d succeeded=%d failed=%d cancelled=%d",
		boot.Submitted, boot.Succeeded, boot.Failed, boot.Cancelled)

	for _, id := range eng.List() {
		if sv, ok := eng.Get(id); ok {
			if err := sv.Plug(nil); err != nil {
				log.Printf("plug %s: %v", id, err)
			}
		}
	}

	start := eng.StartAll(ctx, idTag)
	log.Printf("start: submitted=%d succeeded=%d failed=%d cancelled=%d",
		start.Submitted, start.Succeeded, start.Failed, start.Cancelled)

	snap := eng.Snapshot()
	log.Printf("fleet snapshot: active=%d total=%d charging=%d",
		snap.ActiveConnections, snap.TotalSessions, snap.ChargingSessions)
}

func openStore(path string, logger *logging.Logger) (collab.SessionStore, func()) {
	if path == "" {
		return collab.NewMemoryStore(nil), func() {}
	}
	store, err := collab.OpenBoltStore(path)
	if err != nil {
		logger.Error(err, "failed to open bbolt session store, falling back to memory", nil)
		return collab.NewMemoryStore(nil), func() {}
	}
	return store, func() { _ = store.Close() }
}

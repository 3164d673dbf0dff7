// Command agentd runs one mission agent process: it wires Redis-backed
// registry, bus and persistence, the reasoning client, tracing and the
// operator HTTP surface around a single agent.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/agentmesh/agentmesh/agent"
	"github.com/agentmesh/agentmesh/api"
	"github.com/agentmesh/agentmesh/core"
	"github.com/agentmesh/agentmesh/reasoning"
	"github.com/agentmesh/agentmesh/telemetry"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to the YAML options file")
		agentID    = flag.String("id", "", "agent identifier (generated when empty)")
		missionID  = flag.String("mission", "", "mission identifier")
		role       = flag.String("role", "executor", "agent role label")
		goal       = flag.String("goal", "", "seed the mission with this goal (root agent)")
		listenAddr = flag.String("listen", ":8080", "operator HTTP listen address")
		advertise  = flag.String("advertise", "", "address other agents reach this process at")
		otlp       = flag.String("otlp", "", "OTLP trace endpoint (stdout tracing when empty)")
	)
	flag.Parse()

	if *missionID == "" {
		log.Fatal("agentd: -mission is required")
	}
	if *agentID == "" {
		*agentID = uuid.New().String()
	}

	opts, err := core.LoadOptions(*configPath)
	if err != nil {
		log.Fatalf("agentd: loading options: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider, err := telemetry.NewProvider(ctx, "agentd", *otlp)
	if err != nil {
		log.Fatalf("agentd: telemetry: %v", err)
	}
	defer provider.Shutdown(context.Background())

	logger := core.NewStdLogger(os.Getenv("AGENTMESH_LOG_LEVEL"))

	deps := agent.Dependencies{
		Logger:    logger,
		Reasoner:  reasoning.NewClient("", "", "", logger),
		Store:     agent.NewMemoryStore(),
		Address:   *advertise,
		AuthToken: opts.AuthToken,
	}

	if opts.RedisURL != "" {
		client, err := core.NewRedisClient(opts.RedisURL)
		if err != nil {
			log.Fatalf("agentd: redis: %v", err)
		}
		defer client.Close()
		registry := core.NewRedisRegistry(client, logger)
		deps.Directory = registry
		deps.Locator = registry
		deps.Bus = core.NewRedisBus(client, logger)
		deps.Store = agent.NewRedisStore(client, logger)
	}

	a := agent.New(*agentID, *missionID, *role, opts, deps)
	if *goal != "" {
		a.SeedMission(*goal)
	}

	server := api.NewServer(a, opts.AuthToken, logger)
	go func() {
		if err := server.Run(*listenAddr); err != nil {
			logger.Error("Operator server stopped", map[string]interface{}{"error": err.Error()})
			stop()
		}
	}()

	logger.Info("Agent starting", map[string]interface{}{
		"agent_id":   *agentID,
		"mission_id": *missionID,
		"role":       *role,
	})

	err = a.Run(ctx)
	a.Shutdown(context.Background())
	if err != nil && ctx.Err() == nil {
		log.Fatalf("agentd: run: %v", err)
	}

	fmt.Printf("agent %s finished in state %s\n", *agentID, a.State())
}

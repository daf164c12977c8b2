//
// Tencent is pleased to support the open source community by making trpc-quantflow available.
//
// Copyright (C) 2025 Tencent.
// All rights reserved.
//
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the  Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.
//

// Package main runs the quantflow workbench server: node catalog, graph
// library, docs, and the websocket execution endpoint backed by a single
// worker queue.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"trpc.group/trpc-go/trpc-quantflow/artifact"
	"trpc.group/trpc-go/trpc-quantflow/graph"
	"trpc.group/trpc-go/trpc-quantflow/log"
	"trpc.group/trpc-go/trpc-quantflow/market"
	"trpc.group/trpc-go/trpc-quantflow/node"
	"trpc.group/trpc-go/trpc-quantflow/node/llmchat"
	"trpc.group/trpc-go/trpc-quantflow/runner"
	"trpc.group/trpc-go/trpc-quantflow/server"
	"trpc.group/trpc-go/trpc-quantflow/telemetry"
	"trpc.group/trpc-go/trpc-quantflow/tool"
	"trpc.group/trpc-go/trpc-quantflow/tool/function"
	"trpc.group/trpc-go/trpc-quantflow/tool/mcp"
)

const version = "0.1.0"

var (
	configPath = flag.String("config", "", "path to the YAML config file")
	envFile    = flag.String("env", ".env", "path to a dotenv file with credentials")
	mcpServer  = flag.String("mcp-server", "", "streamable HTTP MCP server to import tools from")
	poolSize   = flag.Int("pool-size", 4, "compute pool size for CPU-bound nodes")
	ratePerSec = flag.Int("market-rate", 8, "market source requests per second")
)

func main() {
	flag.Parse()

	// Credentials live in the environment; a dotenv file is a convenience
	// for development setups.
	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		log.Warnf("quantflow-server: dotenv %s: %v", *envFile, err)
	}

	cfg, err := server.Load(*configPath)
	if err != nil {
		log.Fatalf("quantflow-server: %v", err)
	}
	log.SetLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Enabled {
		clean, err := telemetry.Start(ctx,
			telemetry.WithEnabled(true),
			telemetry.WithProtocol(cfg.Telemetry.Protocol),
			telemetry.WithEndpoint(cfg.Telemetry.Endpoint),
			telemetry.WithServiceName("quantflow"),
			telemetry.WithServiceVersion(version),
		)
		if err != nil {
			log.Fatalf("quantflow-server: telemetry: %v", err)
		}
		defer func() {
			if err := clean(); err != nil {
				log.Warnf("quantflow-server: telemetry shutdown: %v", err)
			}
		}()
	}

	store, err := buildStore(cfg.Artifact)
	if err != nil {
		log.Fatalf("quantflow-server: artifact store: %v", err)
	}

	source := market.NewSimSource(market.WithLimiter(market.NewLimiter(*ratePerSec)))

	catalog := node.NewRegistry()
	if err := node.RegisterBuiltins(catalog, node.Deps{Source: source, Store: store}); err != nil {
		log.Fatalf("quantflow-server: node catalog: %v", err)
	}
	if err := llmchat.Register(catalog, llmchat.WithDefaultHost(cfg.OllamaHost)); err != nil {
		log.Fatalf("quantflow-server: chat node: %v", err)
	}

	registerTools()
	if *mcpServer != "" {
		session, err := mcp.Import(ctx, tool.Default, mcp.Config{ServerURL: *mcpServer})
		if err != nil {
			log.Fatalf("quantflow-server: mcp import: %v", err)
		}
		defer session.Close()
		log.Infof("quantflow-server: imported MCP tools %v from %s", session.Names(), *mcpServer)
	}

	pool, err := node.NewPool(*poolSize)
	if err != nil {
		log.Fatalf("quantflow-server: compute pool: %v", err)
	}
	defer pool.Release()

	queue := runner.NewQueue()
	worker := runner.NewWorker(queue, catalog,
		runner.WithGraphOptions(graph.WithPool(pool)))
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		worker.Run(ctx)
	}()

	srv, err := server.New(cfg, catalog, queue)
	if err != nil {
		log.Fatalf("quantflow-server: %v", err)
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		log.Infof("quantflow-server: signal received, shutting down")
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("quantflow-server: serve: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnf("quantflow-server: shutdown: %v", err)
	}
	queue.Close()
	select {
	case <-workerDone:
	case <-shutdownCtx.Done():
		log.Warnf("quantflow-server: worker did not drain in time")
	}
}

func buildStore(cfg server.ArtifactConfig) (artifact.Store, error) {
	if cfg.Backend == "cos" {
		return artifact.NewCOSStore(cfg.BucketURL,
			artifact.WithCOSCredentials(os.Getenv(cfg.SecretIDEnv), os.Getenv(cfg.SecretKeyEnv)))
	}
	return artifact.NewLocalStore(cfg.Dir)
}

// registerTools adds the process-local function tools next to the
// defaults already present in the registry.
func registerTools() {
	type timeArgs struct {
		Timezone string `json:"timezone,omitempty"`
	}
	currentTime := function.New(func(_ context.Context, args timeArgs) (string, error) {
		loc := time.Local
		if args.Timezone != "" {
			l, err := time.LoadLocation(args.Timezone)
			if err != nil {
				return "", err
			}
			loc = l
		}
		return time.Now().In(loc).Format(time.RFC3339), nil
	},
		function.WithName("current_time"),
		function.WithDescription("Returns the current time, optionally in a named timezone."),
		function.WithParameters(map[string]any{
			"type": "object",
			"properties": map[string]any{
				"timezone": map[string]any{
					"type":        "string",
					"description": "IANA timezone name, e.g. Asia/Shanghai",
				},
			},
		}),
	)
	if err := tool.RegisterObject(currentTime); err != nil {
		log.Warnf("quantflow-server: register current_time: %v", err)
	}
}

package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/agentmesh/backend/internal/agent"
	"github.com/agentmesh/backend/internal/api"
	"github.com/agentmesh/backend/internal/config"
	"github.com/agentmesh/backend/internal/events"
	"github.com/agentmesh/backend/internal/llm"
	"github.com/agentmesh/backend/internal/memory"
	"github.com/agentmesh/backend/internal/relay"
	"github.com/agentmesh/backend/internal/webhooks"
	"github.com/agentmesh/backend/pkg/plugins"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// State always lives in the embedded database; record storage can be
	// moved to Postgres independently.
	statePebble, err := memory.OpenPebble(cfg.Store.Path)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer statePebble.Close()

	var backend memory.Backend = statePebble
	var stateDB *pebble.DB = statePebble.DB()
	if cfg.Store.Backend == "postgres" {
		pg, err := memory.OpenPostgres(cfg.Store.PostgresDSN)
		if err != nil {
			log.Fatalf("open postgres: %v", err)
		}
		defer pg.Close()
		backend = pg
	}

	emitter := events.NewEmitter()
	defer emitter.Close()
	if cfg.Events.RedisAddr != "" {
		sink, err := events.NewRedisSink(cfg.Events.RedisAddr, "", cfg.Events.RedisStream, 0, 0)
		if err != nil {
			log.Fatalf("redis sink: %v", err)
		}
		defer sink.Close()
		emitter.AddSink(sink)
	}

	var client llm.Client
	if cfg.Model.APIKey != "" {
		client = llm.NewHTTPClient(cfg.Model.BaseURL, cfg.Model.APIKey)
	} else {
		log.Printf("no %s bound; agents run without a model", cfg.Model.APIKeyEnv)
	}

	host := agent.NewHost(stateDB, backend, emitter, client, plugins.Default())

	hooks := webhooks.NewDispatcher(host.WebhookURL, 4)
	defer hooks.Shutdown()
	emitter.AddSink(hooks)

	rl := relay.New(emitter, func(did string) (relay.Deliverer, bool) {
		a, ok := host.ResolveDID(did)
		if !ok {
			return nil, false
		}
		return a, true
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	rl.Start(ctx)

	// Restart loops for agents that were running before the last shutdown.
	if rows, err := backend.ListAgents(); err == nil {
		for _, row := range rows {
			a := host.Actor(row.Name)
			if id, err := a.Identity(); err == nil {
				if keys, err := id.PublicKeys(); err == nil {
					rl.Register(&relay.Registration{DID: id.DID, PublicKeys: keys,
						Metadata: map[string]interface{}{"name": row.Name}})
				}
			}
			status, err := a.LoopStatus()
			if err != nil {
				log.Printf("agent %s: %v", row.Name, err)
				continue
			}
			if running, _ := status["loopRunning"].(bool); running {
				if err := a.StartLoop(); err != nil {
					log.Printf("agent %s: restart loop: %v", row.Name, err)
				}
			}
		}
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           api.NewServer(cfg, host, rl, emitter).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		log.Println("shutting down")
		host.StopAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("listening on :%s (store=%s)", cfg.Server.Port, cfg.Store.Backend)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server: %v", err)
	}
}

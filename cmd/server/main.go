package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/bansheerubber/xcom-clone-sub000/internal/api"
	"github.com/bansheerubber/xcom-clone-sub000/internal/arena"
	"github.com/bansheerubber/xcom-clone-sub000/internal/config"
	"github.com/bansheerubber/xcom-clone-sub000/internal/metrics"
	"github.com/bansheerubber/xcom-clone-sub000/internal/replica"
	"github.com/bansheerubber/xcom-clone-sub000/internal/server"
	"github.com/bansheerubber/xcom-clone-sub000/internal/transport/ws"
)

// rollCallEvery is how often unit owners are asked to acknowledge their units
const rollCallEvery = 30 * time.Second

func main() {
	// Load .env file from parent directory
	if err := godotenv.Load("../.env"); err != nil {
		// Try current directory as fallback
		if err := godotenv.Load(".env"); err != nil {
			log.Println("💡 No .env file found, using environment variables only")
		}
	} else {
		log.Println("✅ Loaded environment from ../.env")
	}

	log.Println("🎮 ================================")
	log.Println("🎮  ARENA - AUTHORITY")
	log.Println("🎮  Object replication over /ws")
	log.Println("🎮 ================================")

	cfg := config.Load()
	serverCfg := cfg.Server
	replCfg := cfg.Replication
	limits := cfg.Limits

	log.Printf("🎮 Config: tick %s, ping %s, return timeout %s, max message %d bytes",
		serverCfg.TickInterval, replCfg.PingInterval, replCfg.ServerReturnTimeout, replCfg.MaxMessageSize)
	log.Printf("🛡️ Resource limits: %d sockets, %d per IP, %.0f req/s (burst %d)",
		limits.MaxConnections, limits.MaxPerIP, limits.RequestsPerSecond, limits.Burst)

	// Replication core
	reg := replica.NewRegistry()
	arena.Register(reg)
	rt := replica.NewRuntime(replica.Options{Side: replica.Authority, Registry: reg})
	host := server.NewHost(rt, server.Config{
		PingInterval:   replCfg.PingInterval,
		ReturnTimeout:  replCfg.ServerReturnTimeout,
		MaxMessageSize: replCfg.MaxMessageSize,
	})

	game := arena.NewGame(rt)
	if _, err := game.CreateWorld("arena", 800, 600); err != nil {
		log.Fatalf("Failed to create world: %v", err)
	}
	host.OnTick(rollCall(host, game))

	// Start debug server
	debugCfg := metrics.DefaultDebugConfig()
	debugCfg.Enabled = cfg.Debug.Enabled
	if cfg.Debug.Addr != "" {
		debugCfg.ListenAddr = cfg.Debug.Addr
	}
	debugCfg.BasicAuthUser = cfg.Debug.User
	debugCfg.BasicAuthPass = cfg.Debug.Password
	if err := metrics.StartDebugServer(debugCfg); err != nil {
		log.Printf("⚠️ Debug server disabled: %v", err)
	}

	// HTTP surface
	opts := api.DefaultOptions()
	opts.RateLimit.RequestsPerSecond = limits.RequestsPerSecond
	opts.RateLimit.Burst = limits.Burst
	opts.MaxConnections = limits.MaxConnections
	opts.MaxPerIP = limits.MaxPerIP
	opts.CORSOrigins = serverCfg.CORSOrigins
	if len(serverCfg.WSOrigins) > 0 {
		opts.Origins = api.OriginPolicy{Allowed: serverCfg.WSOrigins}
	}
	opts.Socket = ws.Config{
		SendQueue:      ws.DefaultConfig().SendQueue,
		WriteWait:      ws.DefaultConfig().WriteWait,
		MaxMessageSize: int64(replCfg.MaxMessageSize),
	}
	apiServer := api.NewServer(host, opts)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		host.Run(ctx, serverCfg.TickInterval)
	}()
	log.Println("✅ Host loop started")

	go func() {
		addr := serverCfg.Addr()
		scheme := "ws"
		if serverCfg.CertFile != "" && serverCfg.KeyFile != "" {
			scheme = "wss"
		}
		log.Printf("🌐 API server on %s", addr)
		log.Printf("🔌 Socket: %s://localhost%s/ws", scheme, addr)

		if err := apiServer.Start(addr, serverCfg.CertFile, serverCfg.KeyFile); err != nil {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	log.Println("✅ Server ready! Press Ctrl+C to stop.")
	<-ctx.Done()

	log.Println("🛑 Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := apiServer.Stop(shutdownCtx); err != nil {
		log.Printf("⚠️ API shutdown: %v", err)
	}
	<-loopDone
	log.Println("👋 Goodbye!")
}

// rollCall periodically asks every unit's owner to acknowledge it
func rollCall(host *server.Host, game *arena.Game) func(now time.Time) {
	var last time.Time
	return func(now time.Time) {
		if now.Sub(last) < rollCallEvery {
			return
		}
		last = now
		for _, u := range game.Units() {
			if u.Owner() == nil {
				continue
			}
			name := u.Name
			col, err := host.RequestToClients(u, true, "notify", "roll call")
			if err != nil {
				log.Printf("⚠️ Roll call for %s failed: %v", name, err)
				continue
			}
			col.Then(func(replies []replica.Reply) {
				if len(replies) == 0 {
					log.Printf("📋 %s: no answer", name)
				}
			})
		}
	}
}

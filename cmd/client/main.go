package main

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/bansheerubber/xcom-clone-sub000/internal/arena"
	"github.com/bansheerubber/xcom-clone-sub000/internal/client"
	"github.com/bansheerubber/xcom-clone-sub000/internal/config"
	"github.com/bansheerubber/xcom-clone-sub000/internal/replica"
	"github.com/bansheerubber/xcom-clone-sub000/internal/transport/ws"
)

// wanderEvery is how often the client nudges its units
const wanderEvery = 2 * time.Second

func main() {
	if err := godotenv.Load(".env"); err != nil {
		log.Println("💡 No .env file found, using environment variables only")
	}

	cfg := config.Load()
	clientCfg := cfg.Client
	replCfg := cfg.Replication

	log.Printf("🎮 Arena client '%s' -> %s", clientCfg.Name, clientCfg.ServerURL)

	reg := replica.NewRegistry()
	arena.Register(reg)
	rt := replica.NewRuntime(replica.Options{Side: replica.Replica, Registry: reg})
	game := arena.NewGame(rt)
	network := client.NewNetwork(rt, client.Config{
		ReturnTimeout:  replCfg.ClientReturnTimeout,
		ReconnectDelay: replCfg.ReconnectDelay,
	})

	game.OnNotify = func(n arena.Notice) {
		log.Printf("📨 %s: %s", n.Unit.Name, n.Text)
	}
	network.OnIdentity(func(self *replica.Connection) {
		log.Printf("🪪 Joined as connection %d (session %s)", self.Identity().ID, self.Session)
		world := game.World()
		if world == nil {
			log.Println("⚠️ No world received, not spawning")
			return
		}
		r, err := network.RequestToServer(world, "spawn", clientCfg.Name)
		if err != nil {
			log.Printf("⚠️ Spawn request failed: %v", err)
			return
		}
		r.Then(func(value any, err error) {
			if err != nil {
				log.Printf("⚠️ Spawn failed: %v", err)
				return
			}
			log.Printf("🧍 Spawned unit %v in %s", value, world.Name)
		})
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		network.Run(ctx, clientCfg.TickInterval)
	}()
	go wander(ctx, network, game)

	dialer := ws.NewDialer(clientCfg.ServerURL, network)
	dialer.Config.MaxMessageSize = int64(replCfg.MaxMessageSize)
	if err := dialer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("⚠️ Connection ended: %v", err)
	}

	stop()
	<-loopDone
	log.Printf("👋 Goodbye! (%d bytes received)", network.BytesReceived())
}

// wander moves every owned unit a random step on the network loop
func wander(ctx context.Context, network *client.Network, game *arena.Game) {
	ticker := time.NewTicker(wanderEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			network.Post(func() {
				self, ok := network.Self()
				if !ok || network.Status() != client.StatusConnected {
					return
				}
				for _, u := range game.UnitsOf(self) {
					dx := rand.Float64()*40 - 20
					dy := rand.Float64()*40 - 20
					if _, err := network.RequestToServer(u, "move", u.X+dx, u.Y+dy); err != nil {
						log.Printf("⚠️ Move %s failed: %v", u.Name, err)
					}
				}
			})
		}
	}
}

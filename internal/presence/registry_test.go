package presence

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-deck/internal/bus"
	"github.com/loqalabs/loqa-deck/internal/config"
	"github.com/loqalabs/loqa-deck/internal/natsserver"
	"github.com/loqalabs/loqa-deck/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func connect(t *testing.T) *bus.Client {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), config.BusConfig{
		Servers:        []string{srv.URL()},
		ConnectTimeout: 2000,
	}, "presence-test", newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met")
}

func TestRegistryTracksPlayers(t *testing.T) {
	client := connect(t)
	cfg := config.NodeConfig{ID: "player-1", HeartbeatInterval: 50, HeartbeatTimeout: 500}
	status := func() Status { return Status{Course: "Demo", Total: 5, Index: 2} }

	reg, err := NewRegistry(context.Background(), cfg, client, status, newLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(reg.Close)

	if !reg.Healthy() {
		t.Fatal("expected self to be healthy after announce")
	}

	remote, err := json.Marshal(heartbeatMessage{PlayerID: "player-2", Status: Status{Course: "Demo", Total: 5, Index: 4}})
	if err != nil {
		t.Fatal(err)
	}
	if err := client.Conn().Publish(protocol.SubjectPlayerHeartbeat+".player-2", remote); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(reg.Players()) == 2 })

	players := reg.Players()
	if players[0].ID != "player-1" || players[1].ID != "player-2" || players[1].Status.Index != 4 {
		t.Fatalf("unexpected players %+v", players)
	}
}

func TestRegistryMarksStalePlayers(t *testing.T) {
	client := connect(t)
	cfg := config.NodeConfig{ID: "player-1", HeartbeatInterval: 1000, HeartbeatTimeout: 2000}
	reg, err := NewRegistry(context.Background(), cfg, client, nil, newLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(reg.Close)

	reg.updatePlayer("ghost", Status{}, time.Now().Add(-time.Minute))
	reg.evaluateHealth()
	for _, p := range reg.Players() {
		if p.ID == "ghost" && p.Healthy {
			t.Fatal("expected stale player to be unhealthy")
		}
	}
	if total, healthy := reg.snapshotCounts(); total != 2 || healthy != 1 {
		t.Fatalf("unexpected counts total=%d healthy=%d", total, healthy)
	}
}

// Package presence announces this player on NATS and tracks the other players
// sharing the bus, with their last reported slide.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-deck/internal/bus"
	"github.com/loqalabs/loqa-deck/internal/config"
	"github.com/loqalabs/loqa-deck/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Status is what a player reports about itself.
type Status struct {
	Course   string `json:"course"`
	Total    int    `json:"total"`
	Index    int    `json:"index"`
	AutoMode bool   `json:"auto_mode"`
}

// PlayerInfo is a known player.
type PlayerInfo struct {
	ID       string    `json:"id"`
	Status   Status    `json:"status"`
	LastSeen time.Time `json:"last_seen"`
	Healthy  bool      `json:"healthy"`
}

type announceMessage struct {
	PlayerID  string    `json:"player_id"`
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

type heartbeatMessage struct {
	PlayerID  string    `json:"player_id"`
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// Registry is the player directory.
type Registry struct {
	cfg     config.NodeConfig
	log     *slog.Logger
	bus     *bus.Client
	status  func() Status
	clock   func() time.Time
	mu      sync.RWMutex
	players map[string]*PlayerInfo
	cancel  context.CancelFunc
	subs    []*nats.Subscription
	wg      sync.WaitGroup
	meter   metric.Meter
}

// NewRegistry subscribes to presence subjects, announces this player and
// starts heartbeating. status is sampled for every heartbeat.
func NewRegistry(ctx context.Context, cfg config.NodeConfig, busClient *bus.Client, status func() Status, log *slog.Logger) (*Registry, error) {
	if log == nil {
		log = slog.Default()
	}
	if status == nil {
		status = func() Status { return Status{} }
	}
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:     cfg,
		log:     log.With(slog.String("component", "presence")),
		bus:     busClient,
		status:  status,
		clock:   time.Now,
		players: make(map[string]*PlayerInfo),
		meter:   otel.Meter("github.com/loqalabs/loqa-deck/presence"),
		cancel:  cancel,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		r.cancel()
		return nil, err
	}

	r.wg.Add(2)
	go r.runHeartbeat(ctx)
	go r.monitorHealth(ctx)

	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce player", slog.String("error", err.Error()))
	}

	return r, nil
}

func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(protocol.SubjectPlayerAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(protocol.SubjectPlayerHeartbeat+".*", r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)

	return nil
}

func (r *Registry) runHeartbeat(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(time.Duration(r.cfg.HeartbeatInterval) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Registry) monitorHealth(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evaluateHealth()
		}
	}
}

func (r *Registry) announce() error {
	msg := announceMessage{
		PlayerID:  r.cfg.ID,
		Status:    r.status(),
		Timestamp: r.clock().UTC(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := r.bus.Conn().Publish(protocol.SubjectPlayerAnnounce, payload); err != nil {
		return err
	}
	r.updatePlayer(msg.PlayerID, msg.Status, msg.Timestamp)
	return nil
}

func (r *Registry) publishHeartbeat() error {
	msg := heartbeatMessage{
		PlayerID:  r.cfg.ID,
		Status:    r.status(),
		Timestamp: r.clock().UTC(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	subject := fmt.Sprintf("%s.%s", protocol.SubjectPlayerHeartbeat, r.cfg.ID)
	return r.bus.Conn().Publish(subject, payload)
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var announcement announceMessage
	if err := json.Unmarshal(msg.Data, &announcement); err != nil {
		r.log.Warn("invalid announce message", slog.String("error", err.Error()))
		return
	}
	if announcement.Timestamp.IsZero() {
		announcement.Timestamp = r.clock().UTC()
	}
	r.updatePlayer(announcement.PlayerID, announcement.Status, announcement.Timestamp)
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb heartbeatMessage
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.log.Warn("invalid heartbeat message", slog.String("error", err.Error()))
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = r.clock().UTC()
	}
	r.updatePlayer(hb.PlayerID, hb.Status, hb.Timestamp)
}

func (r *Registry) updatePlayer(id string, status Status, timestamp time.Time) {
	if id == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	player, ok := r.players[id]
	if !ok {
		player = &PlayerInfo{ID: id}
		r.players[id] = player
	}
	player.Status = status
	player.LastSeen = timestamp
	player.Healthy = true
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	now := r.clock()
	for _, player := range r.players {
		if now.Sub(player.LastSeen) > timeout {
			player.Healthy = false
		}
	}
}

// Healthy reports whether this player has been seen recently.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	player, ok := r.players[r.cfg.ID]
	if !ok {
		return false
	}
	return player.Healthy
}

// Players lists known players sorted by id.
func (r *Registry) Players() []PlayerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	results := make([]PlayerInfo, 0, len(r.players))
	for _, player := range r.players {
		results = append(results, *player)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results
}

func (r *Registry) initMetrics() error {
	if r.meter == nil {
		return nil
	}
	gauge, err := r.meter.Int64ObservableGauge("deck.presence.players", metric.WithDescription("Number of known players"))
	if err != nil {
		return err
	}
	healthyGauge, err := r.meter.Int64ObservableGauge("deck.presence.healthy", metric.WithDescription("Players with a recent heartbeat"))
	if err != nil {
		return err
	}
	_, err = r.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		total, healthy := r.snapshotCounts()
		obs.ObserveInt64(gauge, total)
		obs.ObserveInt64(healthyGauge, healthy)
		return nil
	}, gauge, healthyGauge)
	return err
}

func (r *Registry) snapshotCounts() (int64, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var total, healthy int64
	for _, player := range r.players {
		total++
		if player.Healthy {
			healthy++
		}
	}
	return total, healthy
}

package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-deck/internal/eventbus"
	"github.com/loqalabs/loqa-deck/internal/protocol"
	"github.com/nats-io/nats.go"
)

const controlTimeout = 10 * time.Second

// Controller is the navigation surface remote commands drive.
type Controller interface {
	NavigateTo(ctx context.Context, i int) error
	Advance(ctx context.Context) error
	Retreat(ctx context.Context) error
	Reload(ctx context.Context) error
	ToggleAutoMode(ctx context.Context) (bool, error)
	CurrentIndex() int
}

// Tap is the part of the event bus the relay forwards from.
type Tap interface {
	SubscribeAll(fn eventbus.Handler) func()
}

// Relay mirrors course events onto NATS and accepts remote navigation
// commands for one player.
type Relay struct {
	client    *Client
	playerID  string
	attemptID string
	ctl       Controller
	log       *slog.Logger
	clock     func() time.Time

	mu    sync.Mutex
	sub   *nats.Subscription
	unsub func()
}

func NewRelay(client *Client, playerID, attemptID string, ctl Controller, log *slog.Logger) *Relay {
	if log == nil {
		log = slog.Default()
	}
	return &Relay{
		client:    client,
		playerID:  playerID,
		attemptID: attemptID,
		ctl:       ctl,
		log:       log.With(slog.String("component", "relay"), slog.String("player_id", playerID)),
		clock:     time.Now,
	}
}

// Start subscribes to the player's control subject and begins forwarding
// events from bus.
func (r *Relay) Start(bus Tap) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sub != nil {
		return errors.New("relay already started")
	}
	sub, err := r.client.Conn().Subscribe(protocol.ControlSubject(r.playerID), r.handleControl)
	if err != nil {
		return fmt.Errorf("subscribe control: %w", err)
	}
	r.sub = sub
	if bus != nil {
		r.unsub = bus.SubscribeAll(r.forward)
	}
	return nil
}

// Close stops forwarding and drains the control subscription.
func (r *Relay) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.unsub != nil {
		r.unsub()
		r.unsub = nil
	}
	if r.sub != nil {
		_ = r.sub.Drain()
		r.sub = nil
	}
}

func (r *Relay) forward(evt eventbus.Event) error {
	env := protocol.EventEnvelope{
		PlayerID:  r.playerID,
		AttemptID: r.attemptID,
		Name:      evt.Name,
		Payload:   evt.Payload,
		Timestamp: r.clock().UTC(),
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", evt.Name, err)
	}
	return r.client.Conn().Publish(protocol.EventSubject(evt.Name), data)
}

func (r *Relay) handleControl(msg *nats.Msg) {
	command := msg.Subject[strings.LastIndex(msg.Subject, ".")+1:]
	ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
	defer cancel()

	err := r.dispatch(ctx, command, msg.Data)
	reply := protocol.ControlReply{OK: err == nil, Index: r.ctl.CurrentIndex()}
	if err != nil {
		reply.Error = err.Error()
		r.log.Warn("remote command failed", slog.String("command", command), slog.String("error", err.Error()))
	} else {
		r.log.Info("remote command applied", slog.String("command", command), slog.Int("slide", reply.Index+1))
	}
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		return
	}
	if err := msg.Respond(data); err != nil {
		r.log.Debug("control reply failed", slog.String("error", err.Error()))
	}
}

func (r *Relay) dispatch(ctx context.Context, command string, body []byte) error {
	switch command {
	case protocol.CommandNext:
		return r.ctl.Advance(ctx)
	case protocol.CommandPrev:
		return r.ctl.Retreat(ctx)
	case protocol.CommandReload:
		return r.ctl.Reload(ctx)
	case protocol.CommandAuto:
		_, err := r.ctl.ToggleAutoMode(ctx)
		return err
	case protocol.CommandGoto:
		var req protocol.ControlRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return fmt.Errorf("decode goto request: %w", err)
		}
		return r.ctl.NavigateTo(ctx, req.Index)
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Channel is the redis pub/sub channel workers publish job events on.
const Channel = "vm:events"

const publishTimeout = 2 * time.Second

// Envelope is one user-addressed event on the wire.
type Envelope struct {
	UserID  string          `json:"userId"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Emitter delivers an event to a user's live sessions.
type Emitter interface {
	EmitToUser(userID, event string, payload interface{})
}

// Publisher is the Emitter used by worker processes that have no
// websocket sessions of their own.
type Publisher struct {
	rdb *redis.Client
	log zerolog.Logger
}

func NewPublisher(rdb *redis.Client, log zerolog.Logger) *Publisher {
	return &Publisher{rdb: rdb, log: log.With().Str("component", "events").Logger()}
}

func (p *Publisher) EmitToUser(userID, event string, payload interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		p.log.Error().Err(err).Str("event", event).Msg("failed to marshal event payload")
		return
	}
	data, err := json.Marshal(Envelope{UserID: userID, Event: event, Payload: raw})
	if err != nil {
		p.log.Error().Err(err).Str("event", event).Msg("failed to marshal event")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := p.rdb.Publish(ctx, Channel, data).Err(); err != nil {
		p.log.Warn().Err(err).Str("user_id", userID).Str("event", event).Msg("failed to publish event")
	}
}

// Relay forwards published events to a local Emitter, normally the
// websocket hub of the API process.
type Relay struct {
	rdb    *redis.Client
	target Emitter
	log    zerolog.Logger
}

func NewRelay(rdb *redis.Client, target Emitter, log zerolog.Logger) *Relay {
	return &Relay{rdb: rdb, target: target, log: log.With().Str("component", "event-relay").Logger()}
}

// Run subscribes and relays until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	sub := r.rdb.Subscribe(ctx, Channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", Channel, err)
	}
	r.log.Info().Str("channel", Channel).Msg("event relay subscribed")

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.log.Warn().Err(err).Msg("dropping malformed event")
				continue
			}
			if env.UserID == "" || env.Event == "" {
				continue
			}
			r.target.EmitToUser(env.UserID, env.Event, env.Payload)
		}
	}
}

package fanout

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"

	"github.com/you/cheerfx/internal/core"
	"github.com/you/cheerfx/internal/logging"
)

const TopicPlaySFX = "cheerfx.play_sfx"

// Layer is the in-process channel layer between producers of notifications
// and the hub relay.
type Layer struct {
	pubsub *gochannel.GoChannel
}

func NewLayer(buffer int) *Layer {
	logger := watermill.NewSlogLogger(logging.NewSlogLogger())
	return &Layer{pubsub: gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: int64(buffer),
	}, logger)}
}

// Publish sends n to the relay. Without a running relay the message is
// dropped, matching live-only delivery.
func (l *Layer) Publish(_ context.Context, n core.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("broadcaster_id", n.BroadcasterID)
	if err := l.pubsub.Publish(TopicPlaySFX, msg); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

func (l *Layer) Close() error {
	return l.pubsub.Close()
}

// Relay moves notifications from the layer into the hub.
type Relay struct {
	layer *Layer
	hub   *Hub
	ready chan struct{}
}

func NewRelay(layer *Layer, hub *Hub) *Relay {
	return &Relay{layer: layer, hub: hub, ready: make(chan struct{})}
}

// Ready is closed once the first subscription is in place.
func (r *Relay) Ready() <-chan struct{} { return r.ready }

func (r *Relay) Serve(ctx context.Context) error {
	messages, err := r.layer.pubsub.Subscribe(ctx, TopicPlaySFX)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", TopicPlaySFX, err)
	}
	select {
	case <-r.ready:
	default:
		close(r.ready)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			var n core.Notification
			if err := json.Unmarshal(msg.Payload, &n); err != nil {
				logging.Warn().Err(err).Str("message_uuid", msg.UUID).Msg("fanout: bad notification payload")
				msg.Ack()
				continue
			}
			delivered := r.hub.Publish(n)
			logging.Debug().
				Str("broadcaster_id", n.BroadcasterID).
				Str("artifact_id", n.ArtifactID).
				Int("delivered", delivered).
				Msg("fanout: published")
			msg.Ack()
		}
	}
}

func (r *Relay) String() string { return "fanout-relay" }

package events

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// WatermillPublisher publishes events on a watermill publisher, by default
// an in-process Go channel bus.
type WatermillPublisher struct {
	pub   message.Publisher
	topic string
}

func NewWatermillPublisher(pub message.Publisher, topic string) *WatermillPublisher {
	return &WatermillPublisher{pub: pub, topic: topic}
}

// NewGoChannel returns the in-process pub/sub used when no broker is configured.
func NewGoChannel() *gochannel.GoChannel {
	return gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, watermill.NopLogger{})
}

func (p *WatermillPublisher) Publish(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}

	id := e.ID
	if id == "" {
		id = watermill.NewUUID()
	}
	msg := message.NewMessage(id, payload)
	msg.Metadata.Set("event_type", string(e.Type))
	msg.Metadata.Set("intent_id", e.IntentID)
	msg.SetContext(ctx)

	return p.pub.Publish(p.topic, msg)
}

func (p *WatermillPublisher) Close() error {
	return p.pub.Close()
}

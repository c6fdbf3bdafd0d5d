package messaging

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/fisaks/relexbox/internal/edge"
	"github.com/fisaks/relexbox/internal/logging"
	"github.com/fisaks/relexbox/internal/state"
)

type EdgeBroker interface {
	Broker
	edge.EdgePublisher
	StartEdgeSubscriber(ctx context.Context, subscriber edge.EdgeSubscriber) error
}

type edgeBroker struct {
	Broker
	subscriber        edge.EdgeSubscriber
	publishedState    state.PublishedStateStore
	heartbeatInterval time.Duration
	now               func() time.Time
}

func NewEdgeBroker(cfg BrokerConfig, catalog OnConnectPublisher, heartbeatInterval time.Duration) EdgeBroker {
	return newEdgeBroker(NewBroker(cfg), catalog, heartbeatInterval)
}

// NewEdgeBrokerOn layers the edge topics over an existing broker.
func NewEdgeBrokerOn(broker Broker, catalog OnConnectPublisher, heartbeatInterval time.Duration) EdgeBroker {
	return newEdgeBroker(broker, catalog, heartbeatInterval)
}

func newEdgeBroker(broker Broker, catalog OnConnectPublisher, heartbeatInterval time.Duration) *edgeBroker {
	b := &edgeBroker{
		Broker:            broker,
		heartbeatInterval: heartbeatInterval,
		publishedState:    state.NewPublishedStateStore(),
		now:               time.Now,
	}
	if catalog != nil {
		b.AddOnConnectPublisher("catalog", catalog)
	}
	b.AddOnConnectPublisher("status", func() (PublishRequest, error) {
		return PublishRequest{
			Topic:        "status",
			Qos:          AtLeastOnce,
			Retain:       true,
			PayloadBytes: []byte("online"),
		}, nil
	})
	return b
}

// StartEdgeSubscriber routes box/<name>/cmd and the edge wide cmd topic to
// subscriber.
func (b *edgeBroker) StartEdgeSubscriber(ctx context.Context, subscriber edge.EdgeSubscriber) error {
	b.subscriber = subscriber
	if _, err := b.Subscribe(ctx, "box/+/cmd", AtLeastOnce, b.OnBoxMessage); err != nil {
		return err
	}
	if _, err := b.Subscribe(ctx, "cmd", AtLeastOnce, b.OnEdgeMessage); err != nil {
		return err
	}
	return nil
}

func (b *edgeBroker) PublishBoxState(ctx context.Context, st edge.BoxState) error {
	isChanged := b.publishedState.HasChanged(st.Name, st)
	needsHeartbeat := false
	if !isChanged {
		_, lastSent, hasPrev := b.publishedState.GetLast(st.Name)

		if b.heartbeatInterval > 0 {
			needsHeartbeat = !hasPrev || b.now().Sub(lastSent) > b.heartbeatInterval
		}
	}
	if !isChanged && !needsHeartbeat {
		return nil
	}

	logging.Debug("Publishing box state", "box", st.Name, "status", st.Status, "relays", st.Relays, "inputs", st.Inputs, "heartbeat", needsHeartbeat)
	err := b.PublishJSON(ctx, b.Topic("box", st.Name, "state"), FireAndForget, true, st)
	if err == nil {
		b.publishedState.Update(st.Name, st)
	}
	return err
}

func (b *edgeBroker) PublishBoxHeartbeat(ctx context.Context, st edge.BoxState) error {
	logging.Debug("Publishing box heartbeat", "box", st.Name, "status", st.Status)
	err := b.PublishJSON(ctx, b.Topic("box", st.Name, "state"), FireAndForget, true, st)
	if err == nil {
		b.publishedState.Update(st.Name, st)
	}
	return err
}

func (b *edgeBroker) PublishBoxEvent(ctx context.Context, box string, eventType string, detail map[string]any) error {
	ev := edge.BoxEvent{
		Type:   eventType,
		Ts:     b.now().UTC().Format(time.RFC3339Nano),
		Detail: detail,
	}
	return b.PublishJSON(ctx, b.Topic("box", box, "event"), AtLeastOnce, false, ev)
}

func (b *edgeBroker) ClearPublishedState() {
	b.publishedState.Clear()
}

func (b *edgeBroker) OnBoxMessage(ctx context.Context, topic string, payload []byte) {
	logging.Debug("Received box cmd message", "topic", topic)
	// relexbox/<edge>/box/<boxName>/cmd
	boxName, ok := boxFromTopic(topic)
	if !ok {
		logging.Warn("cmd topic malformed", "topic", topic)
		return
	}

	var inCommand edge.IncomingBoxCommand
	if err := json.Unmarshal(payload, &inCommand); err != nil {
		logging.Warn("cmd json", "topic", topic, "error", err)
		return
	}
	inCommand.Box = boxName
	if b.subscriber == nil {
		return
	}
	if err := b.subscriber.OnBoxCommand(ctx, inCommand); err != nil {
		logging.Warn("cmd handling", "box", boxName, "action", inCommand.Action, "error", err)
		if pubErr := b.PublishBoxEvent(ctx, boxName, "commandError", map[string]any{
			"id":     inCommand.ID,
			"action": inCommand.Action,
			"error":  err.Error(),
		}); pubErr != nil {
			logging.Warn("Failed to publish command error", "box", boxName, "id", inCommand.ID, "error", pubErr)
		}
	}
}

func (b *edgeBroker) OnEdgeMessage(ctx context.Context, topic string, payload []byte) {
	var inCommand edge.IncomingCommand
	if err := json.Unmarshal(payload, &inCommand); err != nil {
		logging.Warn("edge cmd json", "topic", topic, "error", err)
		return
	}
	if b.subscriber == nil {
		return
	}
	if err := b.subscriber.OnCommand(ctx, inCommand); err != nil {
		logging.Warn("edge cmd handling", "action", inCommand.Action, "error", err)
	}
}

func boxFromTopic(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 || parts[len(parts)-1] != "cmd" || parts[len(parts)-3] != "box" {
		return "", false
	}
	name := parts[len(parts)-2]
	return name, name != ""
}

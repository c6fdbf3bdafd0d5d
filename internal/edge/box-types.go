package edge

import (
	"context"
	"time"
)

// Box connection status as published on the state topic.
const (
	StatusDisconnected = "disconnected"
	StatusConnecting   = "connecting"
	StatusConnected    = "connected"
	StatusReconnecting = "reconnecting"
	StatusFailed       = "failed"
	StatusError        = "error"
)

type BoxState struct {
	Timestamp time.Time `json:"timestamp"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Relays    string    `json:"relays"` // "10000000", channel 1 first
	Inputs    string    `json:"inputs"`
	Attempt   int       `json:"attempt,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// IncomingBoxCommand is the loose JSON shape received from MQTT.
type IncomingBoxCommand struct {
	ID      string `json:"id,omitempty"`
	Box     string `json:"box,omitempty"` // overridden by topic
	Action  string `json:"action"`
	Index   any    `json:"index,omitempty"` // relay, group or preset number; number or string
	Value   any    `json:"value,omitempty"` // 0=off,1=on,2=toggle
	PulseMs any    `json:"pulseMs,omitempty"`
}

type IncomingCommand struct {
	ID     string `json:"id,omitempty"`
	Action string `json:"action"` // "resync"
}

type BoxCommand struct {
	ID      string
	Box     string
	Action  string
	Index   int
	Value   int
	PulseMs int
}

type BoxEvent struct {
	Type   string         `json:"type"`
	Ts     string         `json:"ts"`
	Detail map[string]any `json:"detail,omitempty"`
}

type CommandPusher interface {
	PushCommand(cmd BoxCommand) bool
}

type EdgePublisher interface {
	PublishBoxState(ctx context.Context, state BoxState) error
	// PublishBoxHeartbeat publishes state even when it is unchanged.
	PublishBoxHeartbeat(ctx context.Context, state BoxState) error
	PublishBoxEvent(ctx context.Context, box string, eventType string, detail map[string]any) error
	ClearPublishedState()
}

type EdgeSubscriber interface {
	OnBoxCommand(ctx context.Context, command IncomingBoxCommand) error
	OnCommand(ctx context.Context, command IncomingCommand) error
}

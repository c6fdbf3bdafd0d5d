package boxconn

import (
	"context"
	"log/slog"

	"github.com/looplab/fsm"
)

// State is the connection state of one Manager.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

const (
	evConnect  = "connect"
	evDialed   = "dialed"
	evLost     = "lost"
	evRetry    = "retry"
	evGiveUp   = "give_up"
	evShutdown = "shutdown"
)

func newConnectionMachine(log *slog.Logger) *fsm.FSM {
	var (
		disconnected = string(StateDisconnected)
		connecting   = string(StateConnecting)
		connected    = string(StateConnected)
		reconnecting = string(StateReconnecting)
		failed       = string(StateFailed)
	)
	return fsm.NewFSM(
		disconnected,
		fsm.Events{
			{Name: evConnect, Src: []string{disconnected}, Dst: connecting},
			{Name: evDialed, Src: []string{connecting}, Dst: connected},
			{Name: evLost, Src: []string{connecting, connected}, Dst: reconnecting},
			{Name: evRetry, Src: []string{reconnecting}, Dst: connecting},
			{Name: evGiveUp, Src: []string{connecting, connected, reconnecting}, Dst: failed},
			{Name: evShutdown, Src: []string{disconnected, connecting, connected, reconnecting, failed}, Dst: disconnected},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				log.Info("connection state", "event", e.Event, "from", e.Src, "to", e.Dst)
			},
		},
	)
}

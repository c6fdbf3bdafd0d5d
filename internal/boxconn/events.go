package boxconn

import (
	"fmt"

	"github.com/fisaks/relexbox/internal/protocol"
)

type EventKind uint8

const (
	// EventStatus reports the current connection state. It is sent to a
	// subscriber when it registers and when the manager shuts down.
	EventStatus EventKind = iota
	EventConnect
	EventError
	EventClose
	EventReconnecting
	EventConnectionFailed
	EventData
)

func (k EventKind) String() string {
	switch k {
	case EventStatus:
		return "status"
	case EventConnect:
		return "connect"
	case EventError:
		return "error"
	case EventClose:
		return "close"
	case EventReconnecting:
		return "reconnecting"
	case EventConnectionFailed:
		return "connectionFailed"
	case EventData:
		return "data"
	default:
		return fmt.Sprintf("event(%d)", uint8(k))
	}
}

// Event is one notification from a Manager. Only the fields that belong
// to Kind are set:
//
//	EventStatus           State
//	EventError            Err
//	EventReconnecting     Attempt
//	EventConnectionFailed Err, Attempt
//	EventData             Channel, Changed, Vector
type Event struct {
	Kind    EventKind
	State   State
	Err     error
	Attempt int

	Channel protocol.Kind
	Changed []int // 0-based indices, ascending
	Vector  protocol.ChannelVector
}

// Subscriber receives every event of the manager it is registered with.
// Implementations must be comparable (usually a pointer) and must not
// call Manager.Close or Manager.AddListener from Notify.
type Subscriber interface {
	Notify(ev Event)
}

// StateObserver is optionally implemented by a Subscriber that wants both
// vectors after every inbound chunk that changed something.
type StateObserver interface {
	OnStateChange(relays, inputs protocol.ChannelVector)
}

// SubscriberFunc adapts a plain function. A SubscriberFunc is not
// comparable, so wrap it in a pointer before registering it.
type SubscriberFunc func(ev Event)

func (f *SubscriberFunc) Notify(ev Event) { (*f)(ev) }

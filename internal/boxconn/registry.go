package boxconn

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/fisaks/relexbox/internal/logging"
	"github.com/fisaks/relexbox/internal/protocol"
)

// Registry holds non-owning references to subscribers. Membership can
// change at any time, including from inside a notification.
//
// Deliveries are serialised: a subscriber never sees two Notify calls at
// once, and Join's status event cannot interleave with a fan-out.
type Registry struct {
	mu      sync.RWMutex
	members map[Subscriber]StateObserver
	log     *slog.Logger

	deliverMu sync.Mutex
}

func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = logging.Logger
	}
	return &Registry{
		members: make(map[Subscriber]StateObserver),
		log:     log,
	}
}

// Add registers s and reports whether it was new.
func (r *Registry) Add(s Subscriber) bool {
	if s == nil {
		return false
	}
	obs, _ := s.(StateObserver)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[s]; ok {
		return false
	}
	r.members[s] = obs
	return true
}

// Join adds s and delivers status() to it before any later fan-out can
// reach it. status is evaluated under the delivery lock so it reflects
// the state after every event already delivered. Join must not be called
// from Notify.
func (r *Registry) Join(s Subscriber, status func() Event) bool {
	r.deliverMu.Lock()
	defer r.deliverMu.Unlock()
	if !r.Add(s) {
		return false
	}
	r.deliver(s, status())
	return true
}

func (r *Registry) Remove(s Subscriber) {
	if s == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members, s)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

func (r *Registry) snapshot() map[Subscriber]StateObserver {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := make(map[Subscriber]StateObserver, len(r.members))
	for s, obs := range r.members {
		members[s] = obs
	}
	return members
}

// NotifyAll delivers ev to every member registered when the call started.
func (r *Registry) NotifyAll(ev Event) {
	r.deliverMu.Lock()
	defer r.deliverMu.Unlock()
	for s := range r.snapshot() {
		r.deliver(s, ev)
	}
}

// StateChanged calls OnStateChange on every member that implements it.
func (r *Registry) StateChanged(relays, inputs protocol.ChannelVector) {
	r.deliverMu.Lock()
	defer r.deliverMu.Unlock()
	for s, obs := range r.snapshot() {
		if obs == nil {
			continue
		}
		func() {
			defer r.recoverFrom(s, "stateChange")
			obs.OnStateChange(relays, inputs)
		}()
	}
}

// Deliver sends ev to a single subscriber. A panicking subscriber is
// logged and skipped.
func (r *Registry) Deliver(s Subscriber, ev Event) {
	r.deliverMu.Lock()
	defer r.deliverMu.Unlock()
	r.deliver(s, ev)
}

func (r *Registry) deliver(s Subscriber, ev Event) {
	defer r.recoverFrom(s, ev.Kind.String())
	if ev.Changed != nil {
		ev.Changed = slices.Clone(ev.Changed)
	}
	s.Notify(ev)
}

func (r *Registry) recoverFrom(s Subscriber, event string) {
	if rec := recover(); rec != nil {
		r.log.Error("subscriber panic", "event", event, "subscriber", fmt.Sprintf("%T", s), "err", rec)
	}
}

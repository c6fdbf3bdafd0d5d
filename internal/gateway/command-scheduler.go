package gateway

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fisaks/relexbox/internal/edge"
	"github.com/fisaks/relexbox/internal/logging"
)

type CommandScheduler interface {
	Schedule(cmd edge.BoxCommand, delay time.Duration) (id string, err error)
	// SchedulePulse replaces any pending pulse with the same key.
	SchedulePulse(key string, cmd edge.BoxCommand, delay time.Duration) error
	ClearPulse(key string) bool
	Cancel(id string) bool
	Stop()
}

type commandScheduler struct {
	mu            sync.Mutex
	timers        map[string]*time.Timer
	pulses        map[string]*time.Timer
	commandPusher edge.CommandPusher
}

func NewCommandScheduler(pusher edge.CommandPusher) CommandScheduler {
	logging.Debug("Command scheduler created")
	return &commandScheduler{
		timers:        make(map[string]*time.Timer),
		pulses:        make(map[string]*time.Timer),
		commandPusher: pusher,
	}
}

func (cs *commandScheduler) push(cmd edge.BoxCommand) {
	if !cs.commandPusher.PushCommand(cmd) {
		logging.Warn("Scheduled command dropped, buffer full", "box", cmd.Box, "action", cmd.Action, "id", cmd.ID)
	}
}

func (cs *commandScheduler) Schedule(cmd edge.BoxCommand, delay time.Duration) (string, error) {
	if delay <= 0 {
		cs.push(cmd)
		return "", nil
	}
	id := cmd.ID
	if id == "" {
		id = uuid.NewString()
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	if old, ok := cs.timers[id]; ok {
		old.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		cs.mu.Lock()
		if cs.timers[id] == timer {
			delete(cs.timers, id)
		}
		cs.mu.Unlock()
		cs.push(cmd)
	})
	cs.timers[id] = timer
	return id, nil
}

func (cs *commandScheduler) SchedulePulse(key string, cmd edge.BoxCommand, delay time.Duration) error {
	if delay <= 0 {
		cs.ClearPulse(key)
		cs.push(cmd)
		return nil
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	if old, ok := cs.pulses[key]; ok {
		old.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		cs.mu.Lock()
		current := cs.pulses[key] == timer
		if current {
			delete(cs.pulses, key)
		}
		cs.mu.Unlock()
		if current {
			cs.push(cmd)
		}
	})
	cs.pulses[key] = timer
	return nil
}

func (cs *commandScheduler) ClearPulse(key string) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if timer, exists := cs.pulses[key]; exists {
		timer.Stop()
		delete(cs.pulses, key)
		return true
	}
	return false
}

func (cs *commandScheduler) Cancel(id string) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if timer, exists := cs.timers[id]; exists {
		timer.Stop()
		delete(cs.timers, id)
		return true
	}
	return false
}

func (cs *commandScheduler) Stop() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for id, timer := range cs.timers {
		timer.Stop()
		delete(cs.timers, id)
	}
	for key, timer := range cs.pulses {
		timer.Stop()
		delete(cs.pulses, key)
	}
	logging.Debug("Command scheduler stopped")
}

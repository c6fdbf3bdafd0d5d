package gateway

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fisaks/relexbox/internal/edge"
	"github.com/fisaks/relexbox/internal/protocol"
	"github.com/fisaks/relexbox/internal/util"
)

// cSpell:ignore CMDRL

var (
	ErrBoxNotFound   = errors.New("box not found")
	ErrBufferFull    = errors.New("command buffer full")
	ErrUnknownAction = errors.New("unknown action")
)

func (p *gateways) OnBoxCommand(ctx context.Context, command edge.IncomingBoxCommand) error {
	gw := p.Find(command.Box)
	if gw == nil {
		return fmt.Errorf("%w: %s", ErrBoxNotFound, command.Box)
	}
	cmd, err := toBoxCommand(command)
	if err != nil {
		return err
	}
	gw.log.Debug("Received box command", "id", cmd.ID, "action", cmd.Action, "index", cmd.Index, "value", cmd.Value, "pulseMs", cmd.PulseMs)
	if !gw.PushCommand(cmd) {
		return fmt.Errorf("%w for box: %s", ErrBufferFull, command.Box)
	}
	return nil
}

func toBoxCommand(in edge.IncomingBoxCommand) (edge.BoxCommand, error) {
	index, err := util.ToIntE(in.Index)
	if err != nil {
		return edge.BoxCommand{}, fmt.Errorf("index: %w", err)
	}
	value, err := util.ToIntE(in.Value)
	if err != nil {
		return edge.BoxCommand{}, fmt.Errorf("value: %w", err)
	}
	pulseMs, err := util.ToIntE(in.PulseMs)
	if err != nil {
		return edge.BoxCommand{}, fmt.Errorf("pulseMs: %w", err)
	}
	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}
	return edge.BoxCommand{
		ID:      id,
		Box:     in.Box,
		Action:  in.Action,
		Index:   index,
		Value:   value,
		PulseMs: pulseMs,
	}, nil
}

func (p *gateways) OnCommand(ctx context.Context, command edge.IncomingCommand) error {
	switch strings.ToLower(command.Action) {
	case "resync":
		p.log.Info("Received resync command", "id", command.ID)
		p.edgePublisher.ClearPublishedState()
		for _, gw := range p.gateways {
			if !gw.PushCommand(edge.BoxCommand{ID: command.ID, Box: gw.Box.Name, Action: "status"}) {
				p.log.Warn("Resync dropped, buffer full", "box", gw.Box.Name)
			}
			gw.signalState()
		}
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnknownAction, command.Action)
	}
}

func (g *BoxGateway) PushCommand(cmd edge.BoxCommand) bool {
	if g.cmdCh == nil {
		return false
	}
	select {
	case g.cmdCh <- cmd:
		return true
	default:
		return false
	}
}

// wireCommand is one formatted command plus the pulse that should follow it.
type wireCommand struct {
	wire     string
	pulseKey string
	pulse    *edge.BoxCommand
}

func buildWireCommand(c edge.BoxCommand) (wireCommand, error) {
	switch strings.ToLower(c.Action) {
	case "relay":
		action, err := protocol.ActionFromValue(c.Value)
		if err != nil {
			return wireCommand{}, err
		}
		return relayCommand(c, action)
	case "relayon":
		return relayCommand(c, protocol.ActionOn)
	case "relayoff":
		return relayCommand(c, protocol.ActionOff)
	case "relaytoggle":
		return relayCommand(c, protocol.ActionToggle)
	case "groupon":
		wire, err := protocol.FormatGroupCommand(c.Index, protocol.ActionOn)
		return wireCommand{wire: wire}, err
	case "groupoff":
		wire, err := protocol.FormatGroupCommand(c.Index, protocol.ActionOff)
		return wireCommand{wire: wire}, err
	case "preset":
		wire, err := protocol.FormatPresetCommand(c.Index)
		return wireCommand{wire: wire}, err
	case "status":
		return wireCommand{wire: protocol.FormatStatusRequest()}, nil
	default:
		return wireCommand{}, fmt.Errorf("%w: %s", ErrUnknownAction, c.Action)
	}
}

func relayCommand(c edge.BoxCommand, action protocol.Action) (wireCommand, error) {
	wire, err := protocol.FormatRelayCommand(c.Index, action)
	if err != nil {
		return wireCommand{}, err
	}
	out := wireCommand{wire: wire, pulseKey: "relay/" + strconv.Itoa(c.Index)}
	if c.PulseMs > 0 {
		pulseCmd := c // copy
		pulseCmd.Action = "relay"
		pulseCmd.PulseMs = 0
		switch action {
		case protocol.ActionOn:
			pulseCmd.Value = int(protocol.ActionOff)
		case protocol.ActionOff:
			pulseCmd.Value = int(protocol.ActionOn)
		case protocol.ActionToggle:
			pulseCmd.Value = int(protocol.ActionToggle)
		}
		out.pulse = &pulseCmd
	}
	return out, nil
}

func (g *BoxGateway) handleCommand(ctx context.Context, c edge.BoxCommand) {
	wc, err := buildWireCommand(c)
	if err != nil {
		g.log.Warn("Invalid command", "id", c.ID, "action", c.Action, "error", err)
		g.publishCommandError(ctx, c, "invalid", err)
		return
	}

	if wc.pulseKey != "" {
		g.scheduler.ClearPulse(wc.pulseKey)
	}
	if !g.conn.Write(wc.wire) {
		g.publishCommandError(ctx, c, "write", fmt.Errorf("command dropped, box %s", g.conn.State()))
		return
	}
	if c.Action == "status" {
		g.signalState()
	}
	if wc.pulse != nil {
		if err := g.scheduler.SchedulePulse(wc.pulseKey, *wc.pulse, time.Duration(c.PulseMs)*time.Millisecond); err != nil {
			g.log.Warn("Pulse scheduling failed", "id", c.ID, "error", err)
		}
	}
}

func (g *BoxGateway) publishCommandError(ctx context.Context, c edge.BoxCommand, reason string, err error) {
	perr := g.edgePublisher.PublishBoxEvent(ctx, g.Box.Name, "commandError", map[string]any{
		"id":     c.ID,
		"action": c.Action,
		"reason": reason,
		"error":  err.Error(),
	})
	if perr != nil {
		g.log.Warn("Failed to publish commandError", "error", perr)
	}
}

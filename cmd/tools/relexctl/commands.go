package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fisaks/relexbox/internal/edge"
	"github.com/fisaks/relexbox/internal/protocol"
)

var pulseMs int

var relayCmd = &cobra.Command{
	Use:   "relay <box> <index> <on|off|toggle>",
	Short: "Switch one relay",
	Long: `Switch relay 1..8 on a box.

With --pulse the edge sends the inverse command after the given number of
milliseconds. A newer command for the same relay cancels a pending pulse.`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := relayCommand(args[0], args[1], args[2], pulseMs)
		if err != nil {
			return err
		}
		return publish(cmd.Context(), boxTopic(edgeName, c.Box), c)
	},
}

var groupCmd = &cobra.Command{
	Use:   "group <box> <index> <on|off>",
	Short: "Switch a relay group",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := groupCommand(args[0], args[1], args[2])
		if err != nil {
			return err
		}
		return publish(cmd.Context(), boxTopic(edgeName, c.Box), c)
	},
}

var presetCmd = &cobra.Command{
	Use:   "preset <box> <index>",
	Short: "Apply a stored preset (0..16, 16 is sent as 0)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := presetCommand(args[0], args[1])
		if err != nil {
			return err
		}
		return publish(cmd.Context(), boxTopic(edgeName, c.Box), c)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <box>",
	Short: "Ask a box for a full state dump",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := edge.IncomingBoxCommand{ID: newID(), Box: args[0], Action: "status"}
		return publish(cmd.Context(), boxTopic(edgeName, c.Box), c)
	},
}

var resyncCmd = &cobra.Command{
	Use:   "resync",
	Short: "Republish the state of every box on the edge",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return publish(cmd.Context(), edgeTopic(edgeName), edge.IncomingCommand{ID: newID(), Action: "resync"})
	},
}

func init() {
	relayCmd.Flags().IntVar(&pulseMs, "pulse", 0, "Pulse duration in milliseconds")
	rootCmd.AddCommand(relayCmd, groupCmd, presetCmd, statusCmd, resyncCmd)
}

func parseAction(raw string) (protocol.Action, error) {
	switch strings.ToLower(raw) {
	case "on", "1":
		return protocol.ActionOn, nil
	case "off", "0":
		return protocol.ActionOff, nil
	case "toggle", "2":
		return protocol.ActionToggle, nil
	}
	return 0, fmt.Errorf("%w: %q", protocol.ErrAction, raw)
}

func parseIndex(raw string) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("index %q: %w", raw, err)
	}
	return n, nil
}

// The command is validated with the wire formatter before it is sent so
// obvious mistakes fail locally.
func relayCommand(box, index, action string, pulse int) (edge.IncomingBoxCommand, error) {
	n, err := parseIndex(index)
	if err != nil {
		return edge.IncomingBoxCommand{}, err
	}
	a, err := parseAction(action)
	if err != nil {
		return edge.IncomingBoxCommand{}, err
	}
	if _, err := protocol.FormatRelayCommand(n, a); err != nil {
		return edge.IncomingBoxCommand{}, err
	}
	if pulse < 0 {
		return edge.IncomingBoxCommand{}, fmt.Errorf("pulse must be >= 0, got %d", pulse)
	}
	c := edge.IncomingBoxCommand{ID: newID(), Box: box, Action: "relay", Index: n, Value: int(a)}
	if pulse > 0 {
		c.PulseMs = pulse
	}
	return c, nil
}

func groupCommand(box, index, action string) (edge.IncomingBoxCommand, error) {
	n, err := parseIndex(index)
	if err != nil {
		return edge.IncomingBoxCommand{}, err
	}
	a, err := parseAction(action)
	if err != nil {
		return edge.IncomingBoxCommand{}, err
	}
	if _, err := protocol.FormatGroupCommand(n, a); err != nil {
		return edge.IncomingBoxCommand{}, err
	}
	name := "groupOn"
	if a == protocol.ActionOff {
		name = "groupOff"
	}
	return edge.IncomingBoxCommand{ID: newID(), Box: box, Action: name, Index: n}, nil
}

func presetCommand(box, index string) (edge.IncomingBoxCommand, error) {
	n, err := parseIndex(index)
	if err != nil {
		return edge.IncomingBoxCommand{}, err
	}
	if _, err := protocol.FormatPresetCommand(n); err != nil {
		return edge.IncomingBoxCommand{}, err
	}
	return edge.IncomingBoxCommand{ID: newID(), Box: box, Action: "preset", Index: n}, nil
}

package main

// cSpell:ignore relexctl mqtt
import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/fisaks/relexbox/internal/mqtt"
)

var (
	brokerURL string
	edgeName  string
	timeout   time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "relexctl",
	Short: "Send commands to RelexBox controllers through the edge",
	Long: `relexctl publishes commands on the edge command topics.

Box commands go to relexbox/<edge>/box/<box>/cmd, edge commands to
relexbox/<edge>/cmd. The edge answers failed commands with a commandError
event on relexbox/<edge>/box/<box>/event.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&brokerURL, "broker", envOr("MQTT_URL", "tcp://localhost:1883"), "MQTT broker address")
	rootCmd.PersistentFlags().StringVarP(&edgeName, "edge", "e", envOr("EDGE_NAME", "edge1"), "Edge name")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Second, "Connect and publish timeout")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func boxTopic(edge, box string) string {
	return fmt.Sprintf("relexbox/%s/box/%s/cmd", edge, box)
}

func edgeTopic(edge string) string {
	return fmt.Sprintf("relexbox/%s/cmd", edge)
}

func newID() string {
	return uuid.NewString()
}

// publish connects, sends payload as JSON with QoS 1 and disconnects.
func publish(ctx context.Context, topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := mqtt.Connect(ctx, brokerURL, mqtt.ClientID("relexctl"))
	if err != nil {
		return err
	}
	defer client.Disconnect(250)

	tok := client.Publish(topic, 1, false, data)
	select {
	case <-tok.Done():
		if err := tok.Error(); err != nil {
			return fmt.Errorf("publish %s: %w", topic, err)
		}
	case <-ctx.Done():
		return fmt.Errorf("publish %s: %w", topic, ctx.Err())
	}
	fmt.Printf("%s %s\n", topic, data)
	return nil
}

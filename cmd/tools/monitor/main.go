package main

// cSpell:ignore mqtt
import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/spf13/cobra"

	"github.com/fisaks/relexbox/internal/mqtt"
)

var (
	brokerURL string
	topic     string
)

var rootCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Print RelexBox edge traffic from MQTT",
	Long: `monitor subscribes to the edge topics and prints one line per message.

State messages are shown as relay and input bit strings, the catalog as a
box summary and events with their detail. Anything else is printed raw.`,
	SilenceUsage: true,
	RunE:         runMonitor,
}

func init() {
	rootCmd.Flags().StringVar(&brokerURL, "broker", "tcp://localhost:1883", "MQTT broker address")
	rootCmd.Flags().StringVarP(&topic, "topic", "t", "relexbox/#", "MQTT topic filter")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runMonitor(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	connectCtx, connectCancel := context.WithTimeout(ctx, 10*time.Second)
	defer connectCancel()
	client, err := mqtt.Connect(connectCtx, brokerURL, mqtt.ClientID("relexbox-monitor"))
	if err != nil {
		return err
	}
	defer client.Disconnect(200)
	fmt.Printf("Connected to MQTT broker %s, subscribing to %s...\n", brokerURL, topic)

	tok := client.Subscribe(topic, 0, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		fmt.Println(formatMessage(msg.Topic(), msg.Payload()))
	})
	if !tok.WaitTimeout(5*time.Second) || tok.Error() != nil {
		return fmt.Errorf("subscribe %s: %v", topic, tok.Error())
	}

	<-ctx.Done()
	fmt.Println("\nShutting down...")
	return nil
}

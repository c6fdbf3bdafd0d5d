package mqtt

// cSpell:ignore mqtt
import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/fisaks/relexbox/internal/logging"
)

// ClientID returns a unique client id for short lived tools, e.g.
// "relexctl-1b9d6bcd".
func ClientID(tool string) string {
	return tool + "-" + uuid.NewString()[:8]
}

// Connect dials the broker and waits for CONNACK or ctx.
func Connect(ctx context.Context, brokerURL, clientID string) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().AddBroker(brokerURL)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(5 * time.Second)
	c := mqtt.NewClient(opts)

	tok := c.Connect()
	select {
	case <-tok.Done():
		if err := tok.Error(); err != nil {
			return nil, fmt.Errorf("mqtt connect %s: %w", brokerURL, err)
		}
		return c, nil
	case <-ctx.Done():
		c.Disconnect(250)
		return nil, ctx.Err()
	}
}

func MustConnect(brokerURL, clientID string) mqtt.Client {
	c, err := Connect(context.Background(), brokerURL, clientID)
	if err != nil {
		logging.Fatal("mqtt connect", "broker", brokerURL, "error", err)
	}
	return c
}

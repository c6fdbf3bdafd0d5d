package gateway

import (
	"context"

	"github.com/fisaks/relexbox/internal/boxconn"
	"github.com/fisaks/relexbox/internal/config"
	"github.com/fisaks/relexbox/internal/protocol"
)

type ZeroSignal struct{}

// Zero is the canonical value to send on signal channels.
var Zero ZeroSignal

// BoxConnection is the part of *boxconn.Manager a gateway drives.
type BoxConnection interface {
	Connect(ctx context.Context) error
	Close() error
	Write(cmd string) bool
	AddListener(s boxconn.Subscriber)
	RemoveListener(s boxconn.Subscriber)
	State() boxconn.State
	Relays() protocol.ChannelVector
	Inputs() protocol.ChannelVector
}

var _ BoxConnection = (*boxconn.Manager)(nil)

// ConnectionFactory creates the connection for one configured box.
type ConnectionFactory func(box *config.BoxConfig) (BoxConnection, error)

// NewBoxConnection is the production ConnectionFactory.
func NewBoxConnection(box *config.BoxConfig) (BoxConnection, error) {
	m, err := boxconn.New(
		boxconn.Endpoint{Host: box.Host, Port: box.Port},
		boxconn.Options{
			Name:                 box.Name,
			ReconnectDelay:       box.ReconnectDelay(),
			MaxReconnectAttempts: box.MaxAttempts(),
			PingInterval:         box.PingInterval(),
			DialTimeout:          box.DialTimeout(),
			WriteTimeout:         box.WriteTimeout(),
			Debug:                box.Debug,
		},
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

package catalog

import (
	"github.com/fisaks/relexbox/internal/config"
	"github.com/fisaks/relexbox/internal/logging"
	"github.com/fisaks/relexbox/internal/messaging"
)

type Catalog struct {
	cfg *config.EdgeConfig
}

func NewEdgeCatalog(cfg *config.EdgeConfig) *Catalog {
	cat := Catalog{
		cfg: cfg,
	}
	return &cat
}

// OnConnectPublish builds the retained catalog sent on every broker
// (re)connect.
func (catalog *Catalog) OnConnectPublish() (messaging.PublishRequest, error) {
	msg, err := config.BuildEdgeCatalog(catalog.cfg)
	if err != nil {
		logging.Error("Failed to build catalog message", "error", err)
		return messaging.PublishRequest{}, err
	}
	logging.Info("Publishing edge catalog", "boxes", len(msg.Boxes))
	return messaging.PublishRequest{
		Topic:   "catalog",
		Qos:     messaging.AtLeastOnce,
		Retain:  true,
		Payload: msg,
	}, nil
}

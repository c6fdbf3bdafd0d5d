package config

import "github.com/fisaks/relexbox/internal/protocol"

type EdgeCatalogMessage struct {
	Boxes []BoxSummary `json:"boxes"`
}

type BoxSummary struct {
	Name   string `json:"name"`
	Host   string `json:"host"`
	Port   int    `json:"port"`
	Relays int    `json:"relays"`
	Inputs int    `json:"inputs"`
}

func BuildEdgeCatalog(cfg *EdgeConfig) (*EdgeCatalogMessage, error) {
	boxes := make([]BoxSummary, 0, len(cfg.Boxes))
	for _, b := range cfg.Boxes {
		boxes = append(boxes, BoxSummary{
			Name:   b.Name,
			Host:   b.Host,
			Port:   b.Port,
			Relays: protocol.Channels,
			Inputs: protocol.Channels,
		})
	}
	return &EdgeCatalogMessage{
		Boxes: boxes,
	}, nil
}

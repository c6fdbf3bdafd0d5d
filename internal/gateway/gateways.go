package gateway

import (
	"context"
	"log/slog"
	"sync"

	"github.com/fisaks/relexbox/internal/config"
	"github.com/fisaks/relexbox/internal/edge"
	"github.com/fisaks/relexbox/internal/logging"
)

type Gateways interface {
	edge.EdgeSubscriber
	StartAll(ctx context.Context)
	StopAll()
	Find(boxName string) *BoxGateway
}

type gateways struct {
	gateways      []*BoxGateway
	edgePublisher edge.EdgePublisher
	log           *slog.Logger
	wg            sync.WaitGroup
	cancel        context.CancelFunc
}

func NewGateways(cfg *config.EdgeConfig, edgePublisher edge.EdgePublisher, factory ConnectionFactory) (Gateways, error) {
	if factory == nil {
		factory = NewBoxConnection
	}
	gws := make([]*BoxGateway, len(cfg.Boxes))
	for i, box := range cfg.Boxes {
		conn, err := factory(box)
		if err != nil {
			for _, created := range gws[:i] {
				_ = created.conn.Close()
			}
			return nil, err
		}
		gws[i] = NewBoxGateway(box, conn, edgePublisher, cfg.CommandBufferSize, cfg.Heartbeat())
	}
	return &gateways{
		gateways:      gws,
		edgePublisher: edgePublisher,
		log:           logging.With("component", "gateways"),
	}, nil
}

func (p *gateways) StartAll(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for _, gw := range p.gateways {
		p.wg.Add(1)
		go func(gw *BoxGateway) {
			defer p.wg.Done()
			gw.Start(ctx)
		}(gw)
	}
}

// StopAll stops the workers started by StartAll, closes every connection
// and waits for the final state publish.
func (p *gateways) StopAll() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	for _, gw := range p.gateways {
		gw.Stop()
	}
}

func (p *gateways) Find(boxName string) *BoxGateway {
	for _, gw := range p.gateways {
		if gw.Box.Name == boxName {
			return gw
		}
	}
	return nil
}

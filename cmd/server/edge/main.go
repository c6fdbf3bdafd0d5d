package main

// cSpell:ignore mqtt
import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fisaks/relexbox/internal/catalog"
	"github.com/fisaks/relexbox/internal/config"
	"github.com/fisaks/relexbox/internal/gateway"
	"github.com/fisaks/relexbox/internal/logging"
	"github.com/fisaks/relexbox/internal/messaging"
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {

	mqttURL := getenv("MQTT_URL", "tcp://localhost:1883")
	path := getenv("EDGE_CONFIG_PATH", "/etc/relexbox/edge-config.json")
	edgeName := getenv("EDGE_NAME", "edge1")
	topicPrefix := "relexbox/" + edgeName

	logging.Init()
	cfg, err := config.LoadEdgeConfig(path)
	if err != nil {
		logging.Fatal("Edge config error", "error", err)
	}

	logging.Info("Loaded config",
		"boxes", len(cfg.Boxes),
		"heartbeat", cfg.Heartbeat(),
		"commandBuffer", cfg.CommandBufferSize,
	)
	catalog := catalog.NewEdgeCatalog(cfg)
	// Graceful shutdown context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	edgeBroker := messaging.NewEdgeBroker(messaging.BrokerConfig{
		BrokerURL:        mqttURL,
		ClientName:       edgeName,
		TopicPrefix:      topicPrefix,
		ConnectTimeout:   10 * time.Second,
		PublishTimeout:   5 * time.Second,
		SubscribeTimeout: 5 * time.Second,
	}, catalog.OnConnectPublish, cfg.Heartbeat())

	if err := edgeBroker.Connect(ctx); err != nil {
		logging.Fatal("MQTT connect", "broker", mqttURL, "error", err)
	}

	gateways, err := gateway.NewGateways(cfg, edgeBroker, gateway.NewBoxConnection)
	if err != nil {
		logging.Fatal("Gateway init", "error", err)
	}
	if err := edgeBroker.StartEdgeSubscriber(ctx, gateways); err != nil {
		logging.Fatal("MQTT subscribe", "error", err)
	}

	// One connection manager and worker per box
	gateways.StartAll(ctx)

	// Wait for SIGINT/SIGTERM
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	logging.Info("Shutting down", "signal", s)

	gateways.StopAll()
	cancel()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer closeCancel()
	if err := edgeBroker.Close(closeCtx); err != nil {
		logging.Warn("MQTT close", "error", err)
	}
	logging.Info("bye")
}

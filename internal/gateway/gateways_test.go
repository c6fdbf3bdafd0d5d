package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fisaks/relexbox/internal/config"
	"github.com/fisaks/relexbox/internal/edge"
)

func newTestGateways(t *testing.T, pub *fakePublisher, names ...string) (Gateways, map[string]*fakeConn) {
	t.Helper()
	cfg := &config.EdgeConfig{CommandBufferSize: 2}
	for _, n := range names {
		cfg.Boxes = append(cfg.Boxes, testBox(n))
	}
	conns := map[string]*fakeConn{}
	gws, err := NewGateways(cfg, pub, func(box *config.BoxConfig) (BoxConnection, error) {
		c := newFakeConn()
		conns[box.Name] = c
		return c, nil
	})
	require.NoError(t, err)
	return gws, conns
}

func TestOnBoxCommandRoutesByName(t *testing.T) {
	pub := &fakePublisher{}
	gws, conns := newTestGateways(t, pub, "garage", "pump")
	gws.StartAll(context.Background())
	defer gws.StopAll()

	err := gws.OnBoxCommand(context.Background(), edge.IncomingBoxCommand{
		Box: "pump", Action: "relay", Index: float64(2), Value: "1",
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return len(conns["pump"].written()) == 1 }, eventually, tick)
	assert.Equal(t, []string{"::CMDRL2ON\n"}, conns["pump"].written())
	assert.Empty(t, conns["garage"].written())
}

func TestOnBoxCommandErrors(t *testing.T) {
	pub := &fakePublisher{}
	gws, _ := newTestGateways(t, pub, "garage")

	err := gws.OnBoxCommand(context.Background(), edge.IncomingBoxCommand{Box: "shed", Action: "status"})
	assert.ErrorIs(t, err, ErrBoxNotFound)

	err = gws.OnBoxCommand(context.Background(), edge.IncomingBoxCommand{Box: "garage", Action: "relay", Index: "two"})
	assert.ErrorContains(t, err, "index")

	// not started: the buffer of 2 fills up
	for i := 0; i < 2; i++ {
		require.NoError(t, gws.OnBoxCommand(context.Background(), edge.IncomingBoxCommand{Box: "garage", Action: "status"}))
	}
	err = gws.OnBoxCommand(context.Background(), edge.IncomingBoxCommand{Box: "garage", Action: "status"})
	assert.ErrorIs(t, err, ErrBufferFull)
}

func TestToBoxCommandAssignsID(t *testing.T) {
	cmd, err := toBoxCommand(edge.IncomingBoxCommand{Box: "garage", Action: "relayOn", Index: 1, PulseMs: "250"})
	require.NoError(t, err)
	assert.NotEmpty(t, cmd.ID)
	assert.Equal(t, 250, cmd.PulseMs)

	cmd, err = toBoxCommand(edge.IncomingBoxCommand{ID: "mine", Action: "status"})
	require.NoError(t, err)
	assert.Equal(t, "mine", cmd.ID)
}

func TestResyncClearsAndRequestsStatus(t *testing.T) {
	pub := &fakePublisher{}
	gws, conns := newTestGateways(t, pub, "garage", "pump")
	gws.StartAll(context.Background())
	defer gws.StopAll()

	require.NoError(t, gws.OnCommand(context.Background(), edge.IncomingCommand{Action: "resync"}))

	pub.mu.Lock()
	assert.Equal(t, 1, pub.cleared)
	pub.mu.Unlock()
	for _, name := range []string{"garage", "pump"} {
		c := conns[name]
		assert.Eventually(t, func() bool { return len(c.written()) == 1 }, eventually, tick)
		assert.Equal(t, []string{"::CMD_STAT\n"}, c.written())
	}

	assert.ErrorIs(t, gws.OnCommand(context.Background(), edge.IncomingCommand{Action: "reboot"}), ErrUnknownAction)
}

func TestNewGatewaysFactoryFailure(t *testing.T) {
	cfg := &config.EdgeConfig{Boxes: []*config.BoxConfig{testBox("a"), testBox("b")}}
	first := newFakeConn()
	calls := 0
	_, err := NewGateways(cfg, &fakePublisher{}, func(*config.BoxConfig) (BoxConnection, error) {
		calls++
		if calls == 1 {
			return first, nil
		}
		return nil, errors.New("bad endpoint")
	})
	require.Error(t, err)
	assert.Equal(t, 1, first.closed)
}

func TestStopAllClosesEveryConnection(t *testing.T) {
	pub := &fakePublisher{}
	gws, conns := newTestGateways(t, pub, "garage", "pump")
	gws.StartAll(context.Background())
	time.Sleep(10 * time.Millisecond)
	gws.StopAll()

	for _, c := range conns {
		assert.Equal(t, 1, c.closed)
	}
	assert.NotNil(t, gws.Find("pump"))
	assert.Nil(t, gws.Find("shed"))
}

func TestNewBoxConnectionRejectsBadEndpoint(t *testing.T) {
	_, err := NewBoxConnection(&config.BoxConfig{Name: "x", Host: "", Port: 13013})
	assert.Error(t, err)

	conn, err := NewBoxConnection(&config.BoxConfig{Name: "x", Host: "127.0.0.1", Port: 13013})
	require.NoError(t, err)
	assert.False(t, conn.Write("::CMD_STAT\n"))
	require.NoError(t, conn.Close())
}

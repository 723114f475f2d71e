package core

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/encodeous/weft/mock"
	"github.com/encodeous/weft/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type runningNode struct {
	state *state.State
	errs  chan error
}

func startNode(t *testing.T, hub *mock.Hub, cfg state.NetworkCfg) runningNode {
	started := make(chan *state.State, 1)
	n := runningNode{errs: make(chan error, 1)}
	go func() {
		n.errs <- Start(cfg, slog.LevelWarn, func(local state.Address) state.Transport {
			return hub.Endpoint(local)
		}, func(s *state.State) {
			started <- s
		})
	}()
	select {
	case n.state = <-started:
	case err := <-n.errs:
		t.Fatal(err)
	case <-time.After(5 * time.Second):
		t.Fatal("node did not start")
	}
	return n
}

func localAddress(t *testing.T, s *state.State) state.Address {
	res, err := s.DispatchWait(func(s *state.State) (any, error) {
		return Get[*NeighbourDiscoveryService](s).Local(), nil
	})
	require.NoError(t, err)
	return res.(state.Address)
}

func TestStartStop(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	oldGossip, oldPump := state.GossipDelay, state.EventPumpDelay
	state.GossipDelay = 20 * time.Millisecond
	state.EventPumpDelay = 10 * time.Millisecond
	defer func() {
		state.GossipDelay, state.EventPumpDelay = oldGossip, oldPump
	}()

	hub := mock.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	pumped := make(chan struct{})
	go func() {
		hub.Pump(ctx, 5*time.Millisecond)
		close(pumped)
	}()

	a := startNode(t, hub, testNetworkCfg())
	b := startNode(t, hub, testNetworkCfg())
	bAddr := localAddress(t, b.state)
	aAddr := localAddress(t, a.state)

	res, err := a.state.DispatchWait(func(s *state.State) (any, error) {
		return Get[*NeighbourDiscoveryService](s).OpenLink(bAddr), nil
	})
	require.NoError(t, err)
	require.True(t, res.(bool))

	require.Eventually(t, func() bool {
		res, err := a.state.DispatchWait(func(s *state.State) (any, error) {
			_, ok := Get[*RouteDiscoveryService](s).Route(state.Route{From: bAddr, To: aAddr})
			return ok, nil
		})
		return err == nil && res.(bool)
	}, 5*time.Second, 10*time.Millisecond)

	stopped := make(chan state.Stopped, 1)
	_, err = a.state.DispatchWait(func(s *state.State) (any, error) {
		s.Watch("test", moduleName(Get[*RouteDiscoveryService](s)), func(msg state.Stopped) {
			stopped <- msg
		})
		return nil, nil
	})
	require.NoError(t, err)

	a.state.Cancel(context.Canceled)
	b.state.Cancel(context.Canceled)
	assert.NoError(t, <-a.errs)
	assert.NoError(t, <-b.errs)

	select {
	case msg := <-stopped:
		assert.Equal(t, []string{"test"}, msg.Watchers)
	default:
		t.Error("watcher was not notified")
	}

	cancel()
	<-pumped
}

func TestLoggerWritesFile(t *testing.T) {
	cfg := testNetworkCfg()
	cfg.LogPath = filepath.Join(t.TempDir(), "logs", "weft.log")
	log, rotator, err := NewLogger(cfg, slog.LevelInfo, "node")
	require.NoError(t, err)
	require.NotNil(t, rotator)
	log.Info("link transition", "status", state.LinkUpActive)
	require.NoError(t, rotator.Close())

	data, err := os.ReadFile(cfg.LogPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "LINK_UP_ACTIVE")

	_, rotator, err = NewLogger(testNetworkCfg(), slog.LevelInfo, "node")
	require.NoError(t, err)
	assert.Nil(t, rotator)
}

func TestReadNetworkConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weft.yaml")
	require.NoError(t, os.WriteFile(path, []byte("network_id: testnet\nallow_dynamic_routing: false\nmax_version: 64\n"), 0600))
	cfg, err := ReadNetworkConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "testnet", cfg.NetworkId)
	assert.False(t, cfg.AllowDynamicRouting)
	assert.Equal(t, uint64(64), cfg.MaxVersion)
	assert.Equal(t, uint16(state.DefaultPort), cfg.BindAddress.Port())

	require.NoError(t, os.WriteFile(path, []byte("network_id: testnet\nmin_version: 9\nmax_version: 3\n"), 0600))
	_, err = ReadNetworkConfig(path)
	assert.Error(t, err)
}

package client

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mx623303468/udprpc/internal/logging"
	"github.com/mx623303468/udprpc/internal/metrics"
	"github.com/mx623303468/udprpc/internal/packet"
	"github.com/mx623303468/udprpc/internal/server"
)

const waitTimeout = 2 * time.Second

func newMetrics() *metrics.Metrics {
	return metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
}

func startEchoServer(t *testing.T) *server.Router {
	t.Helper()

	registry := server.NewRegistry()
	registry.Register("udp:ping", func(ctx *server.Context, data any) (any, error) {
		return "pong", nil
	})
	registry.Register("udp:echo", func(ctx *server.Context, data any) (any, error) {
		return map[string]any{"data": data}, nil
	})
	registry.Register("udp:silent", func(ctx *server.Context, data any) (any, error) {
		return nil, nil
	})

	cfg := server.DefaultConfig()
	cfg.BindHost = "127.0.0.1"
	cfg.BindPort = 0

	router := server.New(cfg, registry, logging.NopLogger(), newMetrics())
	require.NoError(t, router.Listen())
	t.Cleanup(func() { router.Close() })
	return router
}

func newDispatcher(t *testing.T, host string, port int) *Dispatcher {
	t.Helper()

	d, err := New(Config{Family: "udp4", Host: host, Port: port}, logging.NopLogger(), newMetrics())
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func receive(t *testing.T, ch <-chan Response) Response {
	t.Helper()

	select {
	case resp, ok := <-ch:
		require.True(t, ok, "response stream closed unexpectedly")
		return resp
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for response")
		return Response{}
	}
}

func TestRequestResponse(t *testing.T) {
	router := startEchoServer(t)
	addr := router.LocalAddr()

	d := newDispatcher(t, "127.0.0.1", addr.Port)

	responses, cancel, err := d.Request(context.Background(), packet.Pattern{Cmd: "udp:echo"}, "hello")
	require.NoError(t, err)
	defer cancel()

	resp := receive(t, responses)
	require.NoError(t, resp.Err)
	assert.Equal(t, map[string]any{"data": "hello"}, resp.Data)
}

func TestConcurrentRequestsDoNotCrossDeliver(t *testing.T) {
	router := startEchoServer(t)
	addr := router.LocalAddr()

	d := newDispatcher(t, "127.0.0.1", addr.Port)

	pingResponses, cancelPing, err := d.Request(context.Background(), packet.Pattern{Cmd: "udp:ping"}, nil)
	require.NoError(t, err)
	defer cancelPing()

	echoResponses, cancelEcho, err := d.Request(context.Background(), packet.Pattern{Cmd: "udp:echo"}, "mine")
	require.NoError(t, err)
	defer cancelEcho()

	ping := receive(t, pingResponses)
	require.NoError(t, ping.Err)
	assert.Equal(t, "pong", ping.Data)

	echo := receive(t, echoResponses)
	require.NoError(t, echo.Err)
	assert.Equal(t, map[string]any{"data": "mine"}, echo.Data)

	// Neither stream sees the other's response.
	select {
	case extra := <-pingResponses:
		t.Fatalf("ping stream received an extra value: %+v", extra)
	case extra := <-echoResponses:
		t.Fatalf("echo stream received an extra value: %+v", extra)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestTargetedPatternOverridesDefaultDestination(t *testing.T) {
	router := startEchoServer(t)
	addr := router.LocalAddr()

	// The dispatcher's default destination is a black hole; only the
	// pattern's override points at the real server.
	blackhole, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer blackhole.Close()

	d := newDispatcher(t, "127.0.0.1", blackhole.LocalAddr().(*net.UDPAddr).Port)

	responses, cancel, err := d.Request(context.Background(), packet.Pattern{
		Cmd:  "udp:ping",
		Host: "127.0.0.1",
		Port: addr.Port,
	}, nil)
	require.NoError(t, err)
	defer cancel()

	resp := receive(t, responses)
	require.NoError(t, resp.Err)
	assert.Equal(t, "pong", resp.Data)
}

func TestCancelDetachesWithoutClosingSocket(t *testing.T) {
	router := startEchoServer(t)
	addr := router.LocalAddr()

	d := newDispatcher(t, "127.0.0.1", addr.Port)

	responses, cancel, err := d.Request(context.Background(), packet.Pattern{Cmd: "udp:silent"}, nil)
	require.NoError(t, err)
	cancel()

	// The stream is closed by cancellation.
	_, ok := <-responses
	assert.False(t, ok)

	// Cancelling twice is safe.
	cancel()

	// The socket is still usable for further requests.
	responses, cancel, err = d.Request(context.Background(), packet.Pattern{Cmd: "udp:ping"}, nil)
	require.NoError(t, err)
	defer cancel()

	resp := receive(t, responses)
	require.NoError(t, resp.Err)
	assert.Equal(t, "pong", resp.Data)
}

func TestContextExpiryCancelsRequest(t *testing.T) {
	router := startEchoServer(t)
	addr := router.LocalAddr()

	d := newDispatcher(t, "127.0.0.1", addr.Port)

	ctx, cancelCtx := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancelCtx()

	responses, cancel, err := d.Request(ctx, packet.Pattern{Cmd: "udp:silent"}, nil)
	require.NoError(t, err)
	defer cancel()

	select {
	case _, ok := <-responses:
		assert.False(t, ok, "stream should close without delivering a value")
	case <-time.After(waitTimeout):
		t.Fatal("stream not closed after context expiry")
	}
}

func TestUncorrelatedResponseFansOut(t *testing.T) {
	// A peer that answers without echoing the correlation id, like servers
	// that predate the id field.
	legacy, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer legacy.Close()

	go func() {
		buf := make([]byte, 65535)
		n, remote, err := legacy.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if _, err := packet.Decode(buf[:n]); err != nil {
			return
		}
		reply, _ := json.Marshal(map[string]any{"data": "legacy"})
		legacy.WriteToUDP(reply, remote)
	}()

	d := newDispatcher(t, "127.0.0.1", legacy.LocalAddr().(*net.UDPAddr).Port)

	responses, cancel, err := d.Request(context.Background(), packet.Pattern{Cmd: "udp:ping"}, nil)
	require.NoError(t, err)
	defer cancel()

	resp := receive(t, responses)
	require.NoError(t, resp.Err)
	assert.Equal(t, "legacy", resp.Data)
}

func TestNotify(t *testing.T) {
	received := make(chan any, 1)

	registry := server.NewRegistry()
	registry.Register("udp:event", func(ctx *server.Context, data any) (any, error) {
		received <- data
		return nil, nil
	})

	cfg := server.DefaultConfig()
	cfg.BindHost = "127.0.0.1"
	cfg.BindPort = 0
	router := server.New(cfg, registry, logging.NopLogger(), newMetrics())
	require.NoError(t, router.Listen())
	defer router.Close()

	d := newDispatcher(t, "127.0.0.1", router.LocalAddr().Port)

	require.NoError(t, d.Notify(packet.Pattern{Cmd: "udp:event"}, map[string]any{"n": float64(7)}))

	select {
	case data := <-received:
		assert.Equal(t, map[string]any{"n": float64(7)}, data)
	case <-time.After(waitTimeout):
		t.Fatal("notify never reached the handler")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	d := newDispatcher(t, "127.0.0.1", 41234)

	require.NoError(t, d.Close())
	require.NoError(t, d.Close())

	_, _, err := d.Request(context.Background(), packet.Pattern{Cmd: "udp:ping"}, nil)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, d.Notify(packet.Pattern{Cmd: "udp:ping"}, nil), ErrClosed)
}

func TestCloseCompletesPendingRequests(t *testing.T) {
	router := startEchoServer(t)
	d := newDispatcher(t, "127.0.0.1", router.LocalAddr().Port)

	responses, _, err := d.Request(context.Background(), packet.Pattern{Cmd: "udp:silent"}, nil)
	require.NoError(t, err)

	require.NoError(t, d.Close())

	select {
	case _, ok := <-responses:
		assert.False(t, ok, "pending stream should be closed by Close")
	case <-time.After(waitTimeout):
		t.Fatal("pending stream not closed")
	}
}

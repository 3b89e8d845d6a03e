package feed

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	server, err := natsserver.NewServer(&natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	})
	require.NoError(t, err)

	go server.Start()
	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})
	return server
}

func TestNATSTransportDeliversAndReportsLoss(t *testing.T) {
	server := startTestNATSServer(t)

	tr, err := NewTransport(TransportConfig{
		Kind:           "nats",
		URL:            server.ClientURL(),
		Topic:          "darwin.ts",
		ConnectTimeout: 2 * time.Second,
	}, zap.NewNop())
	require.NoError(t, err)

	got := make(chan []byte, 4)
	lost, err := tr.Connect(context.Background(), func(b []byte) { got <- b })
	require.NoError(t, err)

	pub, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer pub.Close()
	require.NoError(t, pub.Publish("darwin.ts", []byte(`{"rid":"a"}`)))
	require.NoError(t, pub.Flush())

	select {
	case b := <-got:
		assert.Equal(t, `{"rid":"a"}`, string(b))
	case <-time.After(2 * time.Second):
		t.Fatal("payload not delivered")
	}

	server.Shutdown()
	select {
	case err := <-lost:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("connection loss not reported")
	}
	assert.NoError(t, tr.Close())
}

func TestNATSTransportRuntimeIntegration(t *testing.T) {
	server := startTestNATSServer(t)

	tr := NewNATSTransport(TransportConfig{URL: server.ClientURL(), Topic: "darwin.ts", ConnectTimeout: time.Second}, zap.NewNop())
	pool := newFakePool()
	rt, _ := testRuntime(tr, pool, newFakeWriter(), -1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()
	require.Eventually(t, func() bool { return rt.State() == StateStreaming }, 2*time.Second, 5*time.Millisecond)

	pub, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer pub.Close()
	require.NoError(t, pub.Publish("darwin.ts", []byte(`{"events":[{"rid":"r1","ssd":"2025-01-15","tpl":"POOLE","type":"departure"}]}`)))
	require.NoError(t, pub.Flush())

	require.Eventually(t, func() bool { return pool.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestMQTTTransportConnectFailure(t *testing.T) {
	tr := NewMQTTTransport(TransportConfig{
		URL:            "tcp://127.0.0.1:1",
		Topic:          "darwin/pushport/ts",
		ClientPrefix:   "test",
		ConnectTimeout: 500 * time.Millisecond,
	}, zap.NewNop())

	_, err := tr.Connect(context.Background(), func([]byte) {})
	assert.Error(t, err)
	assert.NoError(t, tr.Close())
}

// pendingToken never completes.
type pendingToken struct {
	mqtt.Token
	done chan struct{}
}

func (p pendingToken) Done() <-chan struct{} { return p.done }

type stalledClient struct {
	mqtt.Client
	disconnects atomic.Int32
}

func (c *stalledClient) Connect() mqtt.Token {
	return pendingToken{done: make(chan struct{})}
}

func (c *stalledClient) Disconnect(uint) {
	c.disconnects.Add(1)
}

func TestMQTTTransportConnectTimeoutDisconnects(t *testing.T) {
	client := &stalledClient{}
	tr := NewMQTTTransport(TransportConfig{
		URL:            "tcp://broker.invalid:1883",
		Topic:          "darwin/pushport/ts",
		ClientPrefix:   "test",
		ConnectTimeout: 50 * time.Millisecond,
	}, zap.NewNop())
	tr.newClient = func(*mqtt.ClientOptions) mqtt.Client { return client }

	_, err := tr.Connect(context.Background(), func([]byte) {})
	require.Error(t, err)
	assert.Equal(t, int32(1), client.disconnects.Load())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = tr.Connect(ctx, func([]byte) {})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(2), client.disconnects.Load())
}

func TestNewTransportRejectsUnknownKind(t *testing.T) {
	_, err := NewTransport(TransportConfig{Kind: "stomp"}, zap.NewNop())
	assert.Error(t, err)

	tr, err := NewTransport(TransportConfig{URL: "tcp://localhost:1883"}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &MQTTTransport{}, tr)
}

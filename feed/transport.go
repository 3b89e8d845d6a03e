package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Transport is a single subscription to the movement feed. Connect delivers
// each payload to deliver in arrival order; the returned channel receives a
// value when the connection is lost. Transports never reconnect on their own.
type Transport interface {
	Connect(ctx context.Context, deliver func([]byte)) (<-chan error, error)
	Close() error
}

type TransportConfig struct {
	Kind           string
	URL            string
	Topic          string
	ClientPrefix   string
	ConnectTimeout time.Duration
}

func NewTransport(cfg TransportConfig, logger *zap.Logger) (Transport, error) {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.ClientPrefix == "" {
		cfg.ClientPrefix = "railflow"
	}
	switch cfg.Kind {
	case "mqtt", "":
		return NewMQTTTransport(cfg, logger), nil
	case "nats":
		return NewNATSTransport(cfg, logger), nil
	}
	return nil, fmt.Errorf("unknown feed transport %q", cfg.Kind)
}

func lostSignal() (chan error, func(error)) {
	ch := make(chan error, 1)
	var once sync.Once
	return ch, func(err error) {
		once.Do(func() {
			if err == nil {
				err = errors.New("connection closed")
			}
			ch <- err
		})
	}
}

type MQTTTransport struct {
	cfg       TransportConfig
	logger    *zap.Logger
	newClient func(*mqtt.ClientOptions) mqtt.Client

	mu     sync.Mutex
	client mqtt.Client
}

func NewMQTTTransport(cfg TransportConfig, logger *zap.Logger) *MQTTTransport {
	return &MQTTTransport{cfg: cfg, logger: logger.Named("mqtt"), newClient: mqtt.NewClient}
}

func (t *MQTTTransport) Connect(ctx context.Context, deliver func([]byte)) (<-chan error, error) {
	lost, signal := lostSignal()

	opts := mqtt.NewClientOptions()
	opts.AddBroker(t.cfg.URL)
	opts.SetClientID(t.cfg.ClientPrefix + "-" + uuid.NewString())
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetCleanSession(true)
	opts.SetOrderMatters(true)
	opts.SetConnectTimeout(t.cfg.ConnectTimeout)
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		t.logger.Warn("mqtt connection lost", zap.Error(err))
		signal(err)
	}

	client := t.newClient(opts)
	if err := wait(ctx, client.Connect(), t.cfg.ConnectTimeout); err != nil {
		// a connect still in flight may complete later
		client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connect %s: %w", t.cfg.URL, err)
	}
	token := client.Subscribe(t.cfg.Topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		deliver(msg.Payload())
	})
	if err := wait(ctx, token, t.cfg.ConnectTimeout); err != nil {
		client.Disconnect(250)
		return nil, fmt.Errorf("mqtt subscribe %s: %w", t.cfg.Topic, err)
	}

	t.mu.Lock()
	t.client = client
	t.mu.Unlock()
	t.logger.Info("subscribed", zap.String("broker", t.cfg.URL), zap.String("topic", t.cfg.Topic))
	return lost, nil
}

func (t *MQTTTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client != nil {
		t.client.Disconnect(250)
		t.client = nil
	}
	return nil
}

func wait(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return errors.New("timed out")
	case <-ctx.Done():
		return ctx.Err()
	}
}

type NATSTransport struct {
	cfg    TransportConfig
	logger *zap.Logger

	mu   sync.Mutex
	conn *nats.Conn
}

func NewNATSTransport(cfg TransportConfig, logger *zap.Logger) *NATSTransport {
	return &NATSTransport{cfg: cfg, logger: logger.Named("nats")}
}

func (t *NATSTransport) Connect(ctx context.Context, deliver func([]byte)) (<-chan error, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lost, signal := lostSignal()

	nc, err := nats.Connect(t.cfg.URL,
		nats.Name(t.cfg.ClientPrefix+"-"+uuid.NewString()),
		nats.NoReconnect(),
		nats.Timeout(t.cfg.ConnectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			t.logger.Warn("nats connection lost", zap.Error(err))
			signal(err)
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			signal(nil)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", t.cfg.URL, err)
	}
	if _, err := nc.Subscribe(t.cfg.Topic, func(m *nats.Msg) {
		deliver(m.Data)
	}); err != nil {
		nc.Close()
		return nil, fmt.Errorf("nats subscribe %s: %w", t.cfg.Topic, err)
	}
	if err := nc.FlushTimeout(t.cfg.ConnectTimeout); err != nil {
		nc.Close()
		return nil, fmt.Errorf("nats flush: %w", err)
	}

	t.mu.Lock()
	t.conn = nc
	t.mu.Unlock()
	t.logger.Info("subscribed", zap.String("server", t.cfg.URL), zap.String("subject", t.cfg.Topic))
	return lost, nil
}

func (t *NATSTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	return nil
}

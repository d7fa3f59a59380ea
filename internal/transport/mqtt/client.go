package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

const qosAtLeastOnce = 1

// Config holds broker connection settings.
type Config struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	UseTLS         bool
	CACertFile     string
	ConnectTimeout time.Duration
}

// MessageHandler receives a raw message.
type MessageHandler func(topic string, payload []byte)

// Status is a connection snapshot for health reporting.
type Status struct {
	Broker    string `json:"broker"`
	Connected bool   `json:"connected"`
	Received  int64  `json:"messages_received"`
	Published int64  `json:"messages_published"`
}

// Client owns the broker connection. Subscriptions are remembered and
// re-established on every (re)connect since the broker session is not
// persistent.
type Client struct {
	client paho.Client
	cfg    Config
	logger *log.Logger

	mu   sync.Mutex
	subs map[string]MessageHandler

	received  atomic.Int64
	published atomic.Int64
}

// NewClient connects to the broker.
func NewClient(cfg Config, logger *log.Logger) (*Client, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt: empty broker")
	}
	if logger == nil {
		logger = log.Default()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	c := &Client{cfg: cfg, logger: logger, subs: make(map[string]MessageHandler)}

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	if cfg.UseTLS {
		tlsCfg, err := loadTLS(cfg.CACertFile)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		c.logger.Printf("mqtt: connection lost: %v", err)
	})

	c.client = paho.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		return nil, fmt.Errorf("mqtt: connect to %s: timeout", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connect to %s: %w", cfg.Broker, err)
	}
	c.logger.Printf("mqtt: connected broker=%s tls=%t", cfg.Broker, cfg.UseTLS)
	return c, nil
}

// Subscribe registers handler for filter at QoS 1.
func (c *Client) Subscribe(filter string, handler MessageHandler) error {
	if handler == nil {
		return errors.New("mqtt: nil handler")
	}
	c.mu.Lock()
	c.subs[filter] = handler
	c.mu.Unlock()
	if !c.client.IsConnectionOpen() {
		return nil
	}
	return c.subscribe(filter, handler)
}

// Publish sends payload at QoS 1 and waits for the broker ack or ctx.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	token := c.client.Publish(topic, qosAtLeastOnce, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: publish %s: %w", topic, err)
	}
	c.published.Add(1)
	return nil
}

// Status reports connection health.
func (c *Client) Status() Status {
	return Status{
		Broker:    c.cfg.Broker,
		Connected: c.client.IsConnected(),
		Received:  c.received.Load(),
		Published: c.published.Load(),
	}
}

// Close disconnects from the broker.
func (c *Client) Close() {
	c.client.Disconnect(250)
	c.logger.Printf("mqtt: disconnected")
}

func (c *Client) onConnect(_ paho.Client) {
	c.mu.Lock()
	subs := make(map[string]MessageHandler, len(c.subs))
	for filter, handler := range c.subs {
		subs[filter] = handler
	}
	c.mu.Unlock()
	for filter, handler := range subs {
		if err := c.subscribe(filter, handler); err != nil {
			c.logger.Printf("mqtt: resubscribe %s: %v", filter, err)
		}
	}
}

func (c *Client) subscribe(filter string, handler MessageHandler) error {
	token := c.client.Subscribe(filter, qosAtLeastOnce, func(_ paho.Client, msg paho.Message) {
		c.received.Add(1)
		handler(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(c.cfg.ConnectTimeout) {
		return fmt.Errorf("mqtt: subscribe %s: timeout", filter)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: subscribe %s: %w", filter, err)
	}
	c.logger.Printf("mqtt: subscribed filter=%s qos=%d", filter, qosAtLeastOnce)
	return nil
}

func loadTLS(caFile string) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if caFile == "" {
		return cfg, nil
	}
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("mqtt: read ca cert: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("mqtt: no certificates in %s", caFile)
	}
	cfg.RootCAs = pool
	return cfg, nil
}

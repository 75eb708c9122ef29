package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/alexisml/evbalance/core/charger"
	"github.com/alexisml/evbalance/infra/logger"
)

// ChargerTopics maps one charger to its MQTT topics. AckTopic may be
// empty for chargers that do not acknowledge commands; commands are then
// fire-and-forget.
type ChargerTopics struct {
	ID            string `json:"id"`
	CommandTopic  string `json:"command_topic"`
	AckTopic      string `json:"ack_topic"`
	ActivityTopic string `json:"activity_topic"`
}

// Config defines the connection parameters for the Paho MQTT client.
type Config struct {
	Broker     string          `json:"broker"`
	ClientID   string          `json:"client_id"`
	Username   string          `json:"username"`
	Password   string          `json:"password"`
	UseTLS     bool            `json:"use_tls"`
	ClientCert string          `json:"client_cert"`
	ClientKey  string          `json:"client_key"`
	CABundle   string          `json:"ca_bundle"`
	AuthMethod string          `json:"auth_method"`
	QoS        map[string]byte `json:"qos"`
	LWTTopic   string          `json:"lwt_topic"`
	LWTPayload string          `json:"lwt_payload"`
	LWTQoS     byte            `json:"lwt_qos"`
	LWTRetain  bool            `json:"lwt_retain"`
	MaxRetries int             `json:"max_retries"`
	BackoffMS  int             `json:"backoff_ms"`

	// MeterTopic carries the raw household power readings in watts.
	MeterTopic string `json:"meter_topic"`
	// StateTopicPrefix roots the published per-charger state topics.
	StateTopicPrefix string `json:"state_topic_prefix"`
	// CommandTimeoutSeconds bounds the wait for a charger ack.
	CommandTimeoutSeconds int `json:"command_timeout_seconds"`

	Chargers []ChargerTopics `json:"chargers"`

	TLSConfig *tls.Config `json:"-"`
}

// SetDefaults applies sane defaults.
func (c *Config) SetDefaults() {
	if c.ClientID == "" {
		c.ClientID = "evbalance"
	}
	if c.StateTopicPrefix == "" {
		c.StateTopicPrefix = "evbalance"
	}
	if c.CommandTimeoutSeconds == 0 {
		c.CommandTimeoutSeconds = 10
	}
}

// Validate checks mandatory fields.
func (c Config) Validate() error {
	if c.Broker == "" {
		return fmt.Errorf("broker is required")
	}
	if c.MeterTopic == "" {
		return fmt.Errorf("meter_topic is required")
	}
	for _, ch := range c.Chargers {
		if ch.ID == "" {
			return fmt.Errorf("charger topic mapping requires an id")
		}
		if ch.CommandTopic == "" {
			return fmt.Errorf("charger %s requires a command_topic", ch.ID)
		}
	}
	return nil
}

// Receiver consumes inbound meter and charger-activity readings.
type Receiver interface {
	HandleMeterValue(raw string)
	HandleActivity(chargerID, raw string)
}

type pahoClient interface {
	IsConnected() bool
	Connect() paho.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
}

// PahoClient is the MQTT transport shared by the inbound topic sources,
// the charger actuators and the state publisher.
type PahoClient struct {
	cli      pahoClient
	cfg      Config
	receiver Receiver
	logger   logger.Logger

	mu       sync.Mutex
	ackChans map[string]chan struct{}

	maxRetries int
	backoff    time.Duration
}

var newMQTTClient = func(opts *paho.ClientOptions) pahoClient {
	return paho.NewClient(opts)
}

// NewPahoClient connects to the broker and subscribes to the meter
// topic, every charger activity topic and every charger ack topic.
// Inbound readings are forwarded to the receiver.
func NewPahoClient(cfg Config, receiver Receiver) (*PahoClient, error) {
	opts, err := NewClientOptions(cfg)
	if err != nil {
		return nil, err
	}

	log := logger.New("mqtt_client")
	pc := &PahoClient{
		cfg:        cfg,
		receiver:   receiver,
		logger:     log,
		ackChans:   make(map[string]chan struct{}),
		maxRetries: cfg.MaxRetries,
		backoff:    time.Duration(cfg.BackoffMS) * time.Millisecond,
	}

	opts.OnConnect = func(c paho.Client) {
		log.Infof("MQTT connected")
		pc.subscribeAll(c)
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		log.Errorf("connection lost: %v", err)
	}
	opts.OnReconnecting = func(_ paho.Client, _ *paho.ClientOptions) {
		log.Warnf("reconnecting to MQTT broker")
	}
	c := newMQTTClient(opts)
	if token := c.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	pc.cli = c
	return pc, nil
}

func (p *PahoClient) subscribeAll(c paho.Client) {
	sub := func(topic string, qosKey string, handler paho.MessageHandler) {
		if topic == "" {
			return
		}
		qos := byte(0)
		if q, ok := p.cfg.QoS[qosKey]; ok {
			qos = q
		}
		if token := c.Subscribe(topic, qos, handler); token.Wait() && token.Error() != nil {
			p.logger.Errorf("subscribe %s error: %v", topic, token.Error())
		}
	}
	sub(p.cfg.MeterTopic, "meter", p.onMeter)
	for _, ch := range p.cfg.Chargers {
		id := ch.ID
		sub(ch.ActivityTopic, "activity", func(_ paho.Client, msg paho.Message) {
			p.receiver.HandleActivity(id, string(msg.Payload()))
		})
		sub(ch.AckTopic, "ack", p.onAck)
	}
}

// NewClientOptions builds mqtt client options from Config.
func NewClientOptions(cfg Config) (*paho.ClientOptions, error) {
	opts := paho.NewClientOptions().AddBroker(cfg.Broker).SetClientID(cfg.ClientID)
	opts.AutoReconnect = true
	if cfg.AuthMethod == "username_password" || cfg.AuthMethod == "both" || cfg.AuthMethod == "" {
		if cfg.Username != "" {
			opts.SetUsername(cfg.Username)
		}
		if cfg.Password != "" {
			opts.SetPassword(cfg.Password)
		}
	}
	if cfg.UseTLS {
		tlsCfg, err := cfg.LoadTLSConfig()
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
	}
	if cfg.LWTTopic != "" {
		opts.SetWill(cfg.LWTTopic, cfg.LWTPayload, cfg.LWTQoS, cfg.LWTRetain)
	}
	return opts, nil
}

// LoadTLSConfig loads the TLS configuration from the file paths in the config.
func (c Config) LoadTLSConfig() (*tls.Config, error) {
	if c.TLSConfig != nil {
		return c.TLSConfig, nil
	}
	if c.ClientCert == "" || c.ClientKey == "" || c.CABundle == "" {
		return nil, fmt.Errorf("tls config requires client_cert, client_key and ca_bundle")
	}
	cert, err := tls.LoadX509KeyPair(c.ClientCert, c.ClientKey)
	if err != nil {
		return nil, fmt.Errorf("load cert: %w", err)
	}
	caBytes, err := os.ReadFile(c.CABundle)
	if err != nil {
		return nil, fmt.Errorf("read ca: %w", err)
	}
	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(caBytes)
	cfg := &tls.Config{Certificates: []tls.Certificate{cert}, RootCAs: pool, MinVersion: tls.VersionTLS12}
	return cfg, nil
}

func (p *PahoClient) onMeter(_ paho.Client, msg paho.Message) {
	p.receiver.HandleMeterValue(string(msg.Payload()))
}

func (p *PahoClient) onAck(_ paho.Client, msg paho.Message) {
	var m struct {
		CommandID string `json:"command_id"`
	}
	if err := json.Unmarshal(msg.Payload(), &m); err != nil {
		p.logger.Errorf("failed to decode ack: %v", err)
		return
	}
	p.mu.Lock()
	ch, ok := p.ackChans[m.CommandID]
	if ok {
		select {
		case ch <- struct{}{}:
		default:
		}
		p.logger.Debugf("received ack %s", m.CommandID)
	}
	p.mu.Unlock()
}

// publish sends a payload with bounded retries on transport errors.
func (p *PahoClient) publish(topic string, qosKey string, retained bool, payload []byte) error {
	qos := byte(0)
	if q, ok := p.cfg.QoS[qosKey]; ok {
		qos = q
	}
	retries := p.maxRetries
	if retries <= 0 {
		retries = 3
	}
	backoff := p.backoff
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}
	var publishErr error
	for attempt := 0; attempt <= retries; attempt++ {
		token := p.cli.Publish(topic, qos, retained, payload)
		token.Wait()
		publishErr = token.Error()
		if publishErr == nil {
			return nil
		}
		p.logger.Errorf("publish to %s attempt %d failed: %v", topic, attempt+1, publishErr)
		time.Sleep(backoff * time.Duration(1<<attempt))
	}
	return publishErr
}

// registerAck reserves an ack channel for the command identifier. Must be
// called before publishing so an early ack is never lost.
func (p *PahoClient) registerAck(commandID string) {
	p.mu.Lock()
	p.ackChans[commandID] = make(chan struct{}, 1)
	p.mu.Unlock()
}

func (p *PahoClient) unregisterAck(commandID string) {
	p.mu.Lock()
	delete(p.ackChans, commandID)
	p.mu.Unlock()
}

// waitForAck blocks until the ack for the command arrives, the timeout
// elapses or the context is cancelled.
func (p *PahoClient) waitForAck(ctx context.Context, commandID string, timeout time.Duration) error {
	p.mu.Lock()
	ch := p.ackChans[commandID]
	p.mu.Unlock()
	if ch == nil {
		return fmt.Errorf("unknown command %s", commandID)
	}
	defer p.unregisterAck(commandID)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return nil
	case <-timer.C:
		return fmt.Errorf("ack for %s: %w", commandID, charger.ErrCommandTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect gracefully closes the MQTT connection.
func (p *PahoClient) Disconnect() {
	if p.cli != nil && p.cli.IsConnected() {
		p.cli.Disconnect(250)
	}
}

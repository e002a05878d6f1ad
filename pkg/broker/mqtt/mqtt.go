package mqtt

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/bizflycloud/krista-backup/pkg/broker"
)

const (
	clientDisconnectWaitTimeout = 250
	lastWillStatement           = `{"status": "OFFLINE"}`
)

var _ broker.Broker = (*MQTTBroker)(nil)

var (
	ErrNoConnection = errors.New("no connection to broker server")
	ErrTimeout      = errors.New("broker operation timed out")
	ErrNoTopics     = errors.New("no topics provided")
)

// MQTTBroker implements broker.Broker interface.
type MQTTBroker struct {
	uri      *url.URL
	username string
	password string
	clientID string
	client   mqtt.Client
	qos      byte
	retained bool
	timeout  time.Duration
	logger   *zap.Logger
}

// NewBroker creates new mqtt broker.
func NewBroker(opts ...Option) (*MQTTBroker, error) {
	m := &MQTTBroker{qos: 1, timeout: 5 * time.Second}
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, err
		}
	}
	if m.uri == nil {
		return nil, errors.New("empty broker url")
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	return m, nil
}

func (m *MQTTBroker) opts() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	scheme := "tcp"
	if m.uri.Scheme == "mqtts" || m.uri.Scheme == "ssl" {
		scheme = "ssl"
	}
	opts.AddBroker(scheme + "://" + m.uri.Host)
	username := m.username
	if u := m.uri.User.Username(); u != "" {
		username = u
	}
	opts.SetUsername(username)
	password := m.password
	if p, isSet := m.uri.User.Password(); isSet {
		password = p
	}
	opts.SetPassword(password)
	opts.SetClientID(m.clientID)
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(m.timeout)

	opts.OnConnect = func(client mqtt.Client) {
		m.logger.Debug("Connected to broker", zap.String("broker", m.uri.Host))
	}
	opts.OnConnectionLost = func(client mqtt.Client, err error) {
		m.logger.Warn("Connection lost with broker", zap.Error(err))
	}

	opts.SetWill("krista-backup/"+m.clientID, lastWillStatement, 0, false)
	return opts
}

func (m *MQTTBroker) wait(token mqtt.Token) error {
	if !token.WaitTimeout(m.timeout) {
		return ErrTimeout
	}
	return token.Error()
}

func (m *MQTTBroker) Connect() error {
	client := mqtt.NewClient(m.opts())
	if err := m.wait(client.Connect()); err != nil {
		return fmt.Errorf("connect %s: %w", m.uri.Host, err)
	}
	m.client = client
	return nil
}

func (m *MQTTBroker) Disconnect() error {
	if m.client == nil {
		return ErrNoConnection
	}
	m.client.Disconnect(clientDisconnectWaitTimeout)
	m.client = nil
	return nil
}

func (m *MQTTBroker) Publish(topic string, payload interface{}) error {
	if m.client == nil {
		return ErrNoConnection
	}
	return m.wait(m.client.Publish(topic, m.qos, m.retained, payload))
}

func (m *MQTTBroker) Subscribe(topics []string, h broker.Handler) error {
	if m.client == nil {
		return ErrNoConnection
	}
	if len(topics) == 0 {
		return ErrNoTopics
	}
	filters := make(map[string]byte, len(topics))
	for _, topic := range topics {
		filters[topic] = m.qos
	}

	token := m.client.SubscribeMultiple(filters, func(client mqtt.Client, msg mqtt.Message) {
		if err := h(broker.Event{
			Topic:     msg.Topic(),
			Payload:   msg.Payload(),
			Duplicate: msg.Duplicate(),
			Qos:       msg.Qos(),
			Retained:  msg.Retained(),
			Ack:       msg.Ack,
		}); err != nil {
			m.logger.Error("handle broker event", zap.String("topic", msg.Topic()), zap.Error(err))
		}
	})
	return m.wait(token)
}

func (m *MQTTBroker) String() string {
	return fmt.Sprintf("Broker [%s]", m.clientID)
}

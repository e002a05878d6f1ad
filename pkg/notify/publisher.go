package notify

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/bizflycloud/krista-backup/pkg/broker"
)

// Publisher sends run events to a broker topic. The connection is opened
// on Started and closed on Finished.
type Publisher struct {
	broker broker.Broker
	topic  string
	host   string
	logger *zap.Logger

	connected bool
}

// NewPublisher creates a Publisher sending on topic.
func NewPublisher(b broker.Broker, topic string, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	host, _ := os.Hostname()
	return &Publisher{broker: b, topic: topic, host: host, logger: logger}
}

func (p *Publisher) Started(unit string, at time.Time) error {
	if err := p.broker.Connect(); err != nil {
		return fmt.Errorf("%s: %w", p.broker, err)
	}
	p.connected = true
	return p.publish(broker.Message{
		EventType: broker.RunStarted,
		Unit:      unit,
		CreatedAt: at.Format(time.RFC3339),
	})
}

func (p *Publisher) Finished(o Outcome) (err error) {
	if !p.connected {
		if err := p.broker.Connect(); err != nil {
			return fmt.Errorf("%s: %w", p.broker, err)
		}
	}
	defer func() {
		p.connected = false
		err = multierr.Append(err, p.broker.Disconnect())
	}()
	msg := broker.Message{
		EventType: broker.RunFinished,
		Unit:      o.Unit,
		CreatedAt: o.Finished.Format(time.RFC3339),
		Status:    o.Status.String(),
		Duration:  o.Finished.Sub(o.Started).Seconds(),
	}
	if o.Err != nil {
		msg.Error = o.Err.Error()
	}
	for _, s := range o.Steps {
		step := broker.StepResult{Action: s.Action, Status: s.Status.String()}
		if s.Err != nil {
			step.Error = s.Err.Error()
		}
		msg.Steps = append(msg.Steps, step)
	}
	return p.publish(msg)
}

func (p *Publisher) publish(msg broker.Message) error {
	msg.Host = p.host
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := p.broker.Publish(p.topic, payload); err != nil {
		return fmt.Errorf("publish %s: %w", msg.EventType, err)
	}
	p.logger.Debug("run event published", zap.String("event", msg.EventType), zap.String("topic", p.topic))
	return nil
}

// Multi fans events out to several notifiers. Every notifier is called,
// failures are combined.
type Multi []Notifier

func (m Multi) Started(unit string, at time.Time) error {
	var err error
	for _, n := range m {
		err = multierr.Append(err, n.Started(unit, at))
	}
	return err
}

func (m Multi) Finished(o Outcome) error {
	var err error
	for _, n := range m {
		err = multierr.Append(err, n.Finished(o))
	}
	return err
}

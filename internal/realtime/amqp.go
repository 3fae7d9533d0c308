package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"deskbot/internal/retry"
	logx "deskbot/pkg/logx"
)

type AMQPConfig struct {
	URL      string
	Exchange string
	// DialAttempts and DialDelay shape the initial connection backoff.
	DialAttempts int
	DialDelay    time.Duration
}

// envelope is the JSON body published for every event.
type envelope struct {
	ID      string    `json:"id"`
	Topic   string    `json:"topic"`
	Event   string    `json:"event"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload,omitempty"`
}

// AMQPPublisher publishes events to a topic exchange. Topic "agent:42"
// becomes routing key "agent.42".
type AMQPPublisher struct {
	cfg AMQPConfig
	log logx.Logger

	mu   sync.Mutex
	conn *amqp.Connection
}

// DialAMQP connects with backoff and declares the exchange.
func DialAMQP(ctx context.Context, cfg AMQPConfig, log logx.Logger) (*AMQPPublisher, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("amqp url is empty")
	}
	if cfg.Exchange == "" {
		cfg.Exchange = "deskbot.events"
	}
	if cfg.DialAttempts <= 0 {
		cfg.DialAttempts = 5
	}
	if cfg.DialDelay <= 0 {
		cfg.DialDelay = time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &AMQPPublisher{cfg: cfg, log: log}
	if err := p.connect(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *AMQPPublisher) connect(ctx context.Context) error {
	policy := retry.Policy{MaxAttempts: p.cfg.DialAttempts, BaseDelay: p.cfg.DialDelay, MaxDelay: time.Minute, Jitter: 0.2}
	var conn *amqp.Connection
	_, err := retry.Do(ctx, policy, func(ctx context.Context, attempt int) error {
		c, err := amqp.Dial(p.cfg.URL)
		if err != nil {
			return err
		}
		conn = c
		if attempt > 1 {
			p.log.Info("amqp connected", logx.Int("attempt", attempt))
		}
		return nil
	}, retry.OnRetry(func(attempt int, delay time.Duration, err error) {
		p.log.Warn("amqp dial failed", logx.Int("attempt", attempt), logx.Duration("sleep", delay), logx.Err(err))
	}))
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return err
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(p.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return err
	}

	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()
	return nil
}

func routingKey(topic string) string { return strings.ReplaceAll(topic, ":", ".") }

func (p *AMQPPublisher) Publish(ctx context.Context, topic, event string, payload any) error {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil || conn.IsClosed() {
		if err := p.connect(ctx); err != nil {
			return err
		}
		p.mu.Lock()
		conn = p.conn
		p.mu.Unlock()
	}

	now := time.Now()
	env := envelope{ID: uuid.NewString(), Topic: topic, Event: event, Time: now, Payload: payload}
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	return ch.PublishWithContext(ctx, p.cfg.Exchange, routingKey(topic), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Transient,
		MessageId:    env.ID,
		Type:         event,
		Timestamp:    now,
		Body:         body,
	})
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

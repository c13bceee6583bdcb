package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
)

// Message is the queued job body.
type Message struct {
	SessionID  string    `json:"session_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// AMQPConfig names the broker and durable queue shared by server and workers.
type AMQPConfig struct {
	URL      string
	Queue    string
	Prefetch int
}

type amqpConn struct {
	conn    *amqp.Connection
	channel *amqp.Channel
}

func dialAMQP(cfg AMQPConfig) (*amqpConn, error) {
	if cfg.URL == "" || cfg.Queue == "" {
		return nil, fmt.Errorf("AMQP URL or queue name not configured")
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to AMQP server: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open AMQP channel: %w", err)
	}
	_, err = ch.QueueDeclare(
		cfg.Queue,
		true,  // Durable
		false, // Delete when unused
		false, // Exclusive
		false, // No-wait
		nil,   // Arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue %s: %w", cfg.Queue, err)
	}
	return &amqpConn{conn: conn, channel: ch}, nil
}

func (c *amqpConn) close() {
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}

// AMQPPublisher enqueues jobs on a durable queue for cmd/worker to consume.
// Duplicate triggers are not filtered here; the store's status guard makes a
// second delivery a no-op.
type AMQPPublisher struct {
	cfg AMQPConfig
	log *logrus.Logger

	mu sync.Mutex
	c  *amqpConn
}

func NewAMQPPublisher(cfg AMQPConfig, log *logrus.Logger) (*AMQPPublisher, error) {
	c, err := dialAMQP(cfg)
	if err != nil {
		return nil, err
	}
	return &AMQPPublisher{cfg: cfg, log: log, c: c}, nil
}

func (p *AMQPPublisher) Enqueue(_ context.Context, sessionID string) error {
	body, err := json.Marshal(Message{SessionID: sessionID, EnqueuedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.c == nil {
		// reconnect once after a dropped connection
		c, err := dialAMQP(p.cfg)
		if err != nil {
			jobsRejected.WithLabelValues("broker").Inc()
			return err
		}
		p.c = c
	}
	err = p.c.channel.Publish(
		"",          // Exchange
		p.cfg.Queue, // Routing key
		false,       // Mandatory
		false,       // Immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			Body:         body,
		},
	)
	if err != nil {
		p.c.close()
		p.c = nil
		jobsRejected.WithLabelValues("broker").Inc()
		return fmt.Errorf("publish job: %w", err)
	}
	jobsEnqueued.WithLabelValues("amqp").Inc()
	p.log.WithField("session_id", sessionID).Debug("analysis job published")
	return nil
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.c != nil {
		p.c.close()
		p.c = nil
	}
	return nil
}

// AMQPConsumer pulls jobs and runs them one per delivery, acking after the
// analyzer returns. Malformed bodies are rejected without requeue.
type AMQPConsumer struct {
	cfg        AMQPConfig
	analyzer   Analyzer
	log        *logrus.Logger
	jobTimeout time.Duration
}

func NewAMQPConsumer(cfg AMQPConfig, a Analyzer, log *logrus.Logger, jobTimeout time.Duration) *AMQPConsumer {
	if cfg.Prefetch < 1 {
		cfg.Prefetch = 1
	}
	return &AMQPConsumer{cfg: cfg, analyzer: a, log: log, jobTimeout: jobTimeout}
}

// Run consumes until ctx is done or the connection drops. It returns nil
// only on ctx cancellation.
func (c *AMQPConsumer) Run(ctx context.Context) error {
	conn, err := dialAMQP(c.cfg)
	if err != nil {
		return err
	}
	defer conn.close()

	if err := conn.channel.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := conn.channel.Consume(
		c.cfg.Queue,
		"",    // Consumer
		false, // Auto-ack
		false, // Exclusive
		false, // No-local
		false, // No-wait
		nil,   // Args
	)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.cfg.Queue, err)
	}
	closed := conn.conn.NotifyClose(make(chan *amqp.Error, 1))

	sem := make(chan struct{}, c.cfg.Prefetch)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case aerr := <-closed:
			if aerr == nil {
				return fmt.Errorf("amqp connection closed")
			}
			return fmt.Errorf("amqp connection closed: %w", aerr)
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("amqp delivery channel closed")
			}
			sem <- struct{}{}
			wg.Add(1)
			go func(d amqp.Delivery) {
				defer wg.Done()
				defer func() { <-sem }()
				c.handle(ctx, d)
			}(d)
		}
	}
}

// RunWithRetry keeps Run going across broker disconnects, waiting backoff
// between attempts, until ctx is done.
func (c *AMQPConsumer) RunWithRetry(ctx context.Context, backoff time.Duration) {
	for {
		err := c.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		c.log.WithError(err).WithField("retry_in", backoff.String()).Warn("analysis consumer stopped")
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

func (c *AMQPConsumer) handle(ctx context.Context, d amqp.Delivery) {
	var msg Message
	if err := json.Unmarshal(d.Body, &msg); err != nil || msg.SessionID == "" {
		c.log.WithError(err).Warn("dropping malformed analysis job")
		_ = d.Reject(false)
		return
	}
	log := c.log.WithField("session_id", msg.SessionID)
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("analysis job panicked")
			_ = d.Ack(false)
		}
	}()

	jobCtx := context.WithoutCancel(ctx)
	var cancel context.CancelFunc = func() {}
	if c.jobTimeout > 0 {
		jobCtx, cancel = context.WithTimeout(jobCtx, c.jobTimeout)
	}
	defer cancel()

	jobsRunning.Inc()
	defer jobsRunning.Dec()
	out := c.analyzer.Generate(jobCtx, msg.SessionID)
	log.WithFields(logrus.Fields{"outcome": out, "queued_for": time.Since(msg.EnqueuedAt).String()}).Info("analysis job finished")
	if err := d.Ack(false); err != nil {
		log.WithError(err).Error("ack analysis job")
	}
}

package modules

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nathanielvictory/VirtualConsultantTwo/internal/config"
	"github.com/nathanielvictory/VirtualConsultantTwo/internal/logger"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/sync/semaphore"
)

// Delivery is the part of a JetStream message the consumer uses.
// jetstream.Msg satisfies it.
type Delivery interface {
	Subject() string
	Data() []byte
	Ack() error
	Term() error
	InProgress() error
}

type deliverySource interface {
	Next() (Delivery, error)
	Stop()
}

type messagesSource struct {
	it jetstream.MessagesContext
}

func (s messagesSource) Next() (Delivery, error) {
	msg, err := s.it.Next()
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func (s messagesSource) Stop() {
	s.it.Stop()
}

// Topology is the slice of jetstream.JetStream the consumer needs to
// declare its stream and durable consumer.
type Topology interface {
	CreateOrUpdateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
	CreateOrUpdateConsumer(ctx context.Context, stream string, cfg jetstream.ConsumerConfig) (jetstream.Consumer, error)
}

// Consumer pulls task messages from a durable JetStream consumer and runs
// at most Concurrency handlers at a time.
type Consumer struct {
	js     Topology
	cfg    config.WorkerConfig
	routes *RoutingTable
	logger *logger.Logger

	inFlight atomic.Int64
	mu       sync.Mutex
	cancel   context.CancelFunc
}

func NewConsumer(js Topology, cfg config.WorkerConfig, routes *RoutingTable, log *logger.Logger) *Consumer {
	return &Consumer{
		js:     js,
		cfg:    cfg,
		routes: routes,
		logger: log.Named("consumer"),
	}
}

// Setup declares the stream and a durable consumer bound to the stream's
// subjects before anything is consumed. Every routing key must fall under
// one of those subjects. Messages for keys without a handler are still
// delivered so they can be dropped.
func (c *Consumer) Setup(ctx context.Context) (jetstream.Consumer, error) {
	for _, key := range c.routes.Keys() {
		if !coveredBy(key, c.cfg.Subjects) {
			return nil, fmt.Errorf("routing key %s is not bound by stream subjects %v", key, c.cfg.Subjects)
		}
	}

	_, err := c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      c.cfg.Stream,
		Subjects:  c.cfg.Subjects,
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to declare stream %s: %w", c.cfg.Stream, err)
	}

	cons, err := c.js.CreateOrUpdateConsumer(ctx, c.cfg.Stream, jetstream.ConsumerConfig{
		Durable:        c.cfg.Durable,
		FilterSubjects: c.cfg.Subjects,
		AckPolicy:      jetstream.AckExplicitPolicy,
		AckWait:        c.cfg.AckWait,
		MaxDeliver:     c.cfg.MaxDeliver,
		MaxAckPending:  c.cfg.Concurrency,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to declare consumer %s: %w", c.cfg.Durable, err)
	}

	c.logger.Infow("consumer bound",
		"stream", c.cfg.Stream,
		"durable", c.cfg.Durable,
		"subjects", c.cfg.Subjects,
		"routing_keys", c.routes.Keys(),
		"concurrency", c.cfg.Concurrency,
	)
	return cons, nil
}

// coveredBy reports whether subject matches any of the patterns, using
// NATS wildcard rules: "*" matches one token and a trailing ">" matches
// one or more.
func coveredBy(subject string, patterns []string) bool {
	for _, p := range patterns {
		if subjectMatches(p, subject) {
			return true
		}
	}
	return false
}

func subjectMatches(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, tok := range pt {
		if tok == ">" {
			return i == len(pt)-1 && len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if tok != "*" && tok != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}

// Start consumes until ctx is cancelled or Stop is called, then waits for
// in-flight handlers to finish.
func (c *Consumer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	defer cancel()

	cons, err := c.Setup(ctx)
	if err != nil {
		return err
	}

	it, err := cons.Messages(jetstream.PullMaxMessages(c.cfg.Concurrency))
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}
	return c.run(ctx, messagesSource{it: it})
}

func (c *Consumer) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

// InFlight is the number of handlers currently executing.
func (c *Consumer) InFlight() int64 {
	return c.inFlight.Load()
}

func (c *Consumer) run(ctx context.Context, src deliverySource) error {
	sem := semaphore.NewWeighted(int64(c.cfg.Concurrency))

	var stopOnce sync.Once
	stop := func() { stopOnce.Do(src.Stop) }
	loopDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			c.logger.Info("shutdown requested, no longer accepting messages")
			stop()
		case <-loopDone:
		}
	}()

	// Handlers outlive the consumer context so shutdown never interrupts
	// a task midway.
	handlerCtx := context.WithoutCancel(ctx)

	var loopErr error
	for {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}

		msg, err := src.Next()
		if err != nil {
			sem.Release(1)
			if errors.Is(err, jetstream.ErrMsgIteratorClosed) || ctx.Err() != nil {
				break
			}
			if errors.Is(err, jetstream.ErrConsumerDeleted) || errors.Is(err, nats.ErrConnectionClosed) {
				loopErr = fmt.Errorf("consumer stopped: %w", err)
				break
			}
			c.logger.Warnw("error while waiting for messages", "error", err)
			continue
		}

		c.inFlight.Add(1)
		go func(msg Delivery) {
			defer sem.Release(1)
			defer c.inFlight.Add(-1)
			c.dispatch(handlerCtx, msg)
		}(msg)
	}
	close(loopDone)
	stop()

	if err := c.drain(sem); err != nil {
		return errors.Join(loopErr, err)
	}
	return loopErr
}

// drain waits until every admitted handler has released its slot.
func (c *Consumer) drain(sem *semaphore.Weighted) error {
	if n := c.inFlight.Load(); n > 0 {
		c.logger.Infow("draining in-flight handlers", "in_flight", n)
	}

	ctx := context.Background()
	if c.cfg.DrainTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.DrainTimeout)
		defer cancel()
	}

	if err := sem.Acquire(ctx, int64(c.cfg.Concurrency)); err != nil {
		n := c.inFlight.Load()
		c.logger.Errorw("drain timed out, abandoning handlers", "in_flight", n, "timeout", c.cfg.DrainTimeout)
		return fmt.Errorf("drain timed out with %d handlers in flight", n)
	}
	sem.Release(int64(c.cfg.Concurrency))
	c.logger.Info("consumer drained")
	return nil
}

func (c *Consumer) dispatch(ctx context.Context, msg Delivery) {
	key := msg.Subject()
	log := c.logger.With("routing_key", key)

	handler, ok := c.routes.Lookup(key)
	if !ok {
		log.Warnw("no handler for routing key, dropping message", "bytes", len(msg.Data()))
		if err := msg.Ack(); err != nil {
			log.Errorw("failed to ack message", "error", err)
		}
		return
	}

	start := time.Now()
	stopHeartbeat := c.heartbeat(msg)
	err := c.invoke(ctx, handler, msg.Data())
	stopHeartbeat()

	if err != nil {
		log.Errorw("handler failed, rejecting message", "error", err, "duration", time.Since(start))
		if err := msg.Term(); err != nil {
			log.Errorw("failed to reject message", "error", err)
		}
		return
	}

	log.Infow("handler finished", "duration", time.Since(start))
	if err := msg.Ack(); err != nil {
		log.Errorw("failed to ack message", "error", err)
	}
}

func (c *Consumer) invoke(ctx context.Context, h Handler, body []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	if c.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.TaskTimeout)
		defer cancel()
	}
	return h(ctx, body)
}

// heartbeat keeps a long-running message from being redelivered by
// extending its ack deadline every AckWait/2.
func (c *Consumer) heartbeat(msg Delivery) (stop func()) {
	interval := c.cfg.AckWait / 2
	if interval <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := msg.InProgress(); err != nil {
					c.logger.Warnw("failed to extend ack deadline", "routing_key", msg.Subject(), "error", err)
				}
			}
		}
	}()

	return func() {
		close(done)
		<-exited
	}
}

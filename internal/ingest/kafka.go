// Package ingest feeds ad-hoc crawl requests from Kafka into the engine.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/JakeFAU/spider-engine/internal/config"
	"github.com/JakeFAU/spider-engine/internal/crawler"
)

const fetchRetryDelay = 500 * time.Millisecond

// MessageReader abstracts kafka.Reader.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// SubmitFunc hands a decoded request to the engine.
type SubmitFunc func(ctx context.Context, req crawler.Request) (bool, error)

// Consumer reads JSON-encoded crawler.Request messages and submits each one.
// Messages that cannot be decoded or submitted are logged and committed so a
// bad payload never blocks the partition.
type Consumer struct {
	reader MessageReader
	submit SubmitFunc
	logger *zap.Logger

	mu        sync.Mutex
	started   bool
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewKafkaConsumer builds a consumer-group reader from cfg.
func NewKafkaConsumer(cfg config.KafkaConfig, submit SubmitFunc, logger *zap.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: cfg.Brokers,
		Topic:   cfg.Topic,
		GroupID: cfg.GroupID,
	})
	return NewConsumer(reader, submit, logger)
}

// NewConsumer wraps an existing reader.
func NewConsumer(reader MessageReader, submit SubmitFunc, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{
		reader: reader,
		submit: submit,
		logger: logger.Named("ingest"),
		done:   make(chan struct{}),
	}
}

// Start launches the read loop. It returns immediately.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return errors.New("consumer already started")
	}
	if c.submit == nil {
		return errors.New("consumer has no submit func")
	}
	c.started = true
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go c.run(loopCtx)
	return nil
}

// Close stops the read loop and closes the reader.
func (c *Consumer) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		cancel, started := c.cancel, c.started
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		if started {
			<-c.done
		}
		if err := c.reader.Close(); err != nil {
			c.closeErr = fmt.Errorf("close kafka reader: %w", err)
		}
	})
	return c.closeErr
}

func (c *Consumer) run(ctx context.Context) {
	defer close(c.done)
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("fetch failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(fetchRetryDelay):
			}
			continue
		}
		if stop := c.handle(ctx, msg); stop {
			return
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.Warn("commit failed", zap.Int64("offset", msg.Offset), zap.Error(err))
		}
	}
}

// handle submits one message. It reports true when the engine can no longer
// accept work and the loop should exit without committing.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) bool {
	req, err := Decode(msg.Value)
	if err != nil {
		c.logger.Warn("invalid request payload",
			zap.Int64("offset", msg.Offset),
			zap.Error(err),
		)
		return false
	}
	accepted, err := c.submit(ctx, req)
	switch {
	case errors.Is(err, crawler.ErrQueueClosed), ctx.Err() != nil:
		return true
	case err != nil:
		c.logger.Warn("request rejected",
			zap.String("spider", req.Spider),
			zap.String("url", req.URL),
			zap.Error(err),
		)
	case !accepted:
		c.logger.Debug("duplicate request dropped", zap.String("spider", req.Spider), zap.String("url", req.URL))
	}
	return false
}

// Decode parses a request payload. Duplicate checking defaults to on when the
// payload omits it.
func Decode(data []byte) (crawler.Request, error) {
	req := crawler.Request{CheckDuplicate: true}
	if err := json.Unmarshal(data, &req); err != nil {
		return crawler.Request{}, fmt.Errorf("decode request: %w", err)
	}
	if strings.TrimSpace(req.URL) == "" {
		return crawler.Request{}, errors.New("decode request: url required")
	}
	if strings.TrimSpace(req.Spider) == "" {
		return crawler.Request{}, errors.New("decode request: spider required")
	}
	return req, nil
}

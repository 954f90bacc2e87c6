package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/document-pipeline/internal/core/ports"
	"github.com/kirillkom/document-pipeline/internal/infrastructure/resilience"
)

const workerQueueGroup = "pipeline-workers"

// message is the wire payload published for every queued run.
type message struct {
	ProcessingID string    `json:"processing_id"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
}

type Queue struct {
	conn     *nats.Conn
	subject  string
	executor *resilience.Executor
	logger   *slog.Logger
}

type Options struct {
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	ResilienceExecutor   *resilience.Executor
	Logger               *slog.Logger
}

func NewWithOptions(url, subject string, options Options) (*Queue, error) {
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := nats.Connect(
		url,
		nats.Name("document-pipeline"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Queue{
		conn:     conn,
		subject:  subject,
		executor: options.ResilienceExecutor,
		logger:   logger,
	}, nil
}

func (q *Queue) Close() {
	if q.conn != nil {
		q.conn.Close()
	}
}

// Enqueue publishes the processing id for any worker in the queue group.
func (q *Queue) Enqueue(ctx context.Context, processingID string) error {
	payload, err := encodeMessage(processingID, time.Now().UTC())
	if err != nil {
		return err
	}
	call := func(_ context.Context) error {
		if err := q.conn.Publish(q.subject, payload); err != nil {
			return fmt.Errorf("nats publish: %w", err)
		}
		return nil
	}

	if q.executor != nil {
		err = q.executor.Execute(ctx, "nats_publish", call, classifyNATSError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return wrapTemporaryIfNeeded(err)
	}
	return nil
}

// Consume queue-subscribes and calls handler for every delivered run until
// ctx is done, then drains the subscription.
func (q *Queue) Consume(ctx context.Context, handler ports.JobHandler) error {
	sub, err := q.conn.QueueSubscribe(q.subject, workerQueueGroup, func(msg *nats.Msg) {
		// Messages dropped while draining leave their records non-terminal;
		// the worker's recovery sweep requeues them.
		if ctx.Err() != nil {
			return
		}
		m, err := decodeMessage(msg.Data)
		if err != nil {
			q.logger.Error("nats_message_invalid", "subject", msg.Subject, "error", err)
			return
		}
		if err := handler(ctx, m.ProcessingID, m.EnqueuedAt); err != nil {
			q.logger.Error("nats_handler_failed", "processing_id", m.ProcessingID, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}

	if err := q.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}
	q.logger.Info("nats_consumer_started", "subject", q.subject, "queue_group", workerQueueGroup)

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("nats drain subscription: %w", err)
	}
	if err := q.conn.FlushTimeout(5 * time.Second); err != nil {
		return fmt.Errorf("nats flush after drain: %w", err)
	}
	return nil
}

func encodeMessage(processingID string, at time.Time) ([]byte, error) {
	payload, err := json.Marshal(message{ProcessingID: processingID, EnqueuedAt: at})
	if err != nil {
		return nil, fmt.Errorf("marshal queue message: %w", err)
	}
	return payload, nil
}

// decodeMessage also accepts a bare processing id.
func decodeMessage(data []byte) (message, error) {
	var m message
	if len(data) > 0 && data[0] == '{' {
		if err := json.Unmarshal(data, &m); err != nil {
			return message{}, fmt.Errorf("unmarshal queue message: %w", err)
		}
	} else {
		m.ProcessingID = string(data)
	}
	if m.ProcessingID == "" {
		return message{}, fmt.Errorf("queue message without processing id")
	}
	return m, nil
}

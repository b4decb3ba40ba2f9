// Package pubsub implements the job queue on Google Cloud Pub/Sub. The
// subscription's own retry and dead-letter policy provides at-least-once
// delivery with backoff.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/marberlow/newsmill/internal/pipeline"
)

type delivery struct {
	job pipeline.Job
	msg *pubsub.Message
}

// Queue adapts a Pub/Sub topic + subscription pair to pipeline.Queue.
// Dequeue pulls from a background Receive loop; Ack and Nack settle the
// underlying message so the subscription's policy governs redelivery.
type Queue struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	logger *zap.Logger

	deliveries chan delivery
	cancelRecv context.CancelFunc
	recvDone   chan struct{}

	mu       sync.Mutex
	inFlight map[string]*pubsub.Message
}

// NewQueue connects to Pub/Sub and starts receiving from the subscription.
func NewQueue(ctx context.Context, projectID, topicID, subID string, logger *zap.Logger) (*Queue, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	topic := client.Topic(topicID)
	ok, err := topic.Exists(ctx)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("check topic %q: %w", topicID, err)
	}
	if !ok {
		_ = client.Close()
		return nil, fmt.Errorf("pubsub topic %q does not exist in project %q", topicID, projectID)
	}
	sub := client.Subscription(subID)
	ok, err = sub.Exists(ctx)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("check subscription %q: %w", subID, err)
	}
	if !ok {
		_ = client.Close()
		return nil, fmt.Errorf("pubsub subscription %q does not exist in project %q", subID, projectID)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	recvCtx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		client:     client,
		topic:      topic,
		sub:        sub,
		logger:     logger,
		deliveries: make(chan delivery),
		cancelRecv: cancel,
		recvDone:   make(chan struct{}),
		inFlight:   make(map[string]*pubsub.Message),
	}
	go q.receive(recvCtx)
	return q, nil
}

func (q *Queue) receive(ctx context.Context) {
	defer close(q.recvDone)
	err := q.sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		var job pipeline.Job
		if err := json.Unmarshal(msg.Data, &job); err != nil {
			q.logger.Warn("discarding malformed job message", zap.Error(err))
			msg.Ack()
			return
		}
		select {
		case q.deliveries <- delivery{job: job, msg: msg}:
		case <-ctx.Done():
			msg.Nack()
		}
	})
	if err != nil && ctx.Err() == nil {
		q.logger.Error("pubsub receive stopped", zap.Error(err))
	}
}

// Enqueue publishes the job to the topic and waits for the server ack.
func (q *Queue) Enqueue(ctx context.Context, job pipeline.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	result := q.topic.Publish(ctx, &pubsub.Message{Data: data})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish job: %w", err)
	}
	return nil
}

// Dequeue returns the next delivered job. The underlying message stays
// outstanding until Ack or Nack.
func (q *Queue) Dequeue(ctx context.Context) (pipeline.Job, error) {
	select {
	case <-ctx.Done():
		return pipeline.Job{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case d, ok := <-q.deliveries:
		if !ok {
			return pipeline.Job{}, pipeline.ErrQueueClosed
		}
		q.mu.Lock()
		q.inFlight[d.job.ID] = d.msg
		q.mu.Unlock()
		return d.job, nil
	}
}

// Ack acknowledges the message behind the job.
func (q *Queue) Ack(_ context.Context, job pipeline.Job) error {
	msg := q.take(job.ID)
	if msg == nil {
		return fmt.Errorf("no in-flight message for job %s", job.ID)
	}
	msg.Ack()
	return nil
}

// Nack rejects the message; Pub/Sub redelivers per subscription policy.
func (q *Queue) Nack(_ context.Context, job pipeline.Job, reason error) error {
	msg := q.take(job.ID)
	if msg == nil {
		return fmt.Errorf("no in-flight message for job %s", job.ID)
	}
	q.logger.Debug("job nacked",
		zap.String("job_id", job.ID),
		zap.NamedError("reason", reason),
	)
	msg.Nack()
	return nil
}

func (q *Queue) take(jobID string) *pubsub.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	msg := q.inFlight[jobID]
	delete(q.inFlight, jobID)
	return msg
}

// Close stops receiving and releases the client.
func (q *Queue) Close() error {
	q.cancelRecv()
	<-q.recvDone
	q.topic.Stop()
	if err := q.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}

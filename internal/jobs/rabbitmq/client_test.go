package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dvloznov/billscan/internal/jobs"
	"github.com/dvloznov/billscan/internal/jobs/inmemory"
	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChannel struct {
	mu         sync.Mutex
	published  []amqp091.Publishing
	deliveries chan amqp091.Delivery
	cancelled  bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{deliveries: make(chan amqp091.Delivery, 8)}
}

func (f *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp091.Table) (<-chan amqp091.Delivery, error) {
	return f.deliveries, nil
}

func (f *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error { return nil }

func (f *fakeChannel) Cancel(consumer string, noWait bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.cancelled {
		f.cancelled = true
		close(f.deliveries)
	}
	return nil
}

func (f *fakeChannel) Close() error { return nil }

// ackRecorder implements amqp091.Acknowledger.
type ackRecorder struct {
	mu      sync.Mutex
	acks    int
	nacks   int
	requeue bool
}

func (a *ackRecorder) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks++
	return nil
}

func (a *ackRecorder) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacks++
	a.requeue = a.requeue || requeue
	return nil
}

func (a *ackRecorder) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *ackRecorder) counts() (int, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acks, a.nacks
}

func TestPublishProcessDocument(t *testing.T) {
	ch := newFakeChannel()
	store := inmemory.NewStore()
	c := newClient(ch, Options{ExchangeName: "billscan", QueueName: "documents", Store: store, Log: zerolog.Nop()})

	job := &jobs.ProcessDocumentJob{DocumentID: "doc-1"}
	require.NoError(t, c.PublishProcessDocument(context.Background(), job))

	require.Len(t, ch.published, 1)
	msg := ch.published[0]
	assert.Equal(t, amqp091.Persistent, msg.DeliveryMode)
	assert.Equal(t, job.JobID, msg.MessageId)

	var decoded jobs.ProcessDocumentJob
	require.NoError(t, json.Unmarshal(msg.Body, &decoded))
	assert.Equal(t, "doc-1", decoded.DocumentID)

	saved, err := store.GetJob(context.Background(), job.JobID)
	require.NoError(t, err)
	assert.Equal(t, jobs.JobStatusPending, saved.Status)
}

func TestConsumer_AckAndNack(t *testing.T) {
	ch := newFakeChannel()
	store := inmemory.NewStore()
	c := newClient(ch, Options{QueueName: "documents", WorkerCount: 2, Store: store, Log: zerolog.Nop()})

	handler := func(ctx context.Context, job jobs.Job) error {
		if job.(*jobs.ProcessDocumentJob).DocumentID == "bad" {
			return errors.New("unreadable")
		}
		return nil
	}
	require.NoError(t, c.Start(context.Background(), handler))

	acker := &ackRecorder{}
	send := func(body string) {
		ch.deliveries <- amqp091.Delivery{Acknowledger: acker, Body: []byte(body)}
	}
	send(`{"job_id":"j1","document_id":"good"}`)
	send(`{"job_id":"j2","document_id":"bad"}`)
	send(`not json`)

	require.Eventually(t, func() bool {
		acks, nacks := acker.counts()
		return acks == 1 && nacks == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, acker.requeue)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Stop(ctx))

	good, err := store.GetJob(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, jobs.JobStatusCompleted, good.Status)

	bad, err := store.GetJob(context.Background(), "j2")
	require.NoError(t, err)
	assert.Equal(t, jobs.JobStatusFailed, bad.Status)
	assert.Equal(t, "unreadable", bad.Error)
}

func TestConsumer_StartTwice(t *testing.T) {
	c := newClient(newFakeChannel(), Options{Log: zerolog.Nop()})
	noop := func(context.Context, jobs.Job) error { return nil }
	require.NoError(t, c.Start(context.Background(), noop))
	assert.Error(t, c.Start(context.Background(), noop))
	require.NoError(t, c.Stop(context.Background()))
}

package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// runs before all tests and configures the test environment
func TestMain(m *testing.M) {
	// we do not need logging during the tests
	zerolog.SetGlobalLevel(zerolog.Disabled)

	code := m.Run()

	os.Exit(code)
}

type MockBackend struct {
	mock.Mock
}

func (m *MockBackend) Send(ctx context.Context, queue, body string, attrs map[string]string) (string, error) {
	args := m.Called(ctx, queue, body, attrs)
	return args.String(0), args.Error(1)
}

func (m *MockBackend) Receive(ctx context.Context, queue string, max int, wait time.Duration) ([]Message, error) {
	args := m.Called(ctx, queue, max, wait)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]Message), args.Error(1)
}

func (m *MockBackend) Delete(ctx context.Context, queue, handle string) error {
	args := m.Called(ctx, queue, handle)
	return args.Error(0)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingObserver struct {
	batches       []BatchReport
	receiveErrors int
}

func (o *recordingObserver) ObserveBatch(queue string, report BatchReport) {
	o.batches = append(o.batches, report)
}

func (o *recordingObserver) ObserveReceiveError(queue string, err error) {
	o.receiveErrors++
}

const testQueue = "test-queue"

func newMemoryProcessor(opts ...MemoryOption) (*Processor, *MemoryBackend) {
	backend := NewMemoryBackend(opts...)
	return NewProcessor(backend, testQueue, WithWaitTime(0)), backend
}

func TestSendReturnsMessageID(t *testing.T) {
	p, backend := newMemoryProcessor()
	ctx := context.Background()

	id, err := p.Send(ctx, map[string]any{"id": "email-001", "type": "email"}, map[string]string{"priority": "high"})

	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, 1, backend.Len(testQueue))

	msgs, err := p.Receive(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, id, msgs[0].ID)
	assert.Equal(t, "high", msgs[0].Attributes["priority"])
}

func TestSendSerializesDeterministically(t *testing.T) {
	backend := new(MockBackend)
	p := NewProcessor(backend, testQueue)

	backend.On("Send", mock.Anything, testQueue, `{"a":1,"b":"two","c":[3]}`, map[string]string(nil)).Return("msg-1", nil)

	id, err := p.Send(context.Background(), map[string]any{"c": []int{3}, "b": "two", "a": 1}, nil)

	require.NoError(t, err)
	assert.Equal(t, "msg-1", id)
	backend.AssertExpectations(t)
}

func TestSendFailures(t *testing.T) {
	tests := []struct {
		name    string
		payload any
		setup   func(b *MockBackend)
	}{
		{
			name:    "backend error",
			payload: map[string]string{"k": "v"},
			setup: func(b *MockBackend) {
				b.On("Send", mock.Anything, testQueue, mock.Anything, mock.Anything).Return("", assert.AnError)
			},
		},
		{
			name:    "empty message id",
			payload: map[string]string{"k": "v"},
			setup: func(b *MockBackend) {
				b.On("Send", mock.Anything, testQueue, mock.Anything, mock.Anything).Return("", nil)
			},
		},
		{
			name:    "backend panic",
			payload: map[string]string{"k": "v"},
			setup: func(b *MockBackend) {
				b.On("Send", mock.Anything, testQueue, mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
					panic("connection reset")
				})
			},
		},
		{
			name:    "unserializable payload",
			payload: make(chan int),
			setup:   func(b *MockBackend) {},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := new(MockBackend)
			tt.setup(backend)
			p := NewProcessor(backend, testQueue)

			id, err := p.Send(context.Background(), tt.payload, nil)

			assert.Error(t, err)
			assert.Empty(t, id)
		})
	}
}

func TestReceiveRespectsMax(t *testing.T) {
	p, _ := newMemoryProcessor()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := p.Send(ctx, map[string]int{"n": i}, nil)
		require.NoError(t, err)
	}

	for _, max := range []int{1, 3, 10} {
		msgs, err := p.Receive(ctx, max, 0)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(msgs), max)
	}
}

func TestReceiveTruncatesOversizedBatch(t *testing.T) {
	backend := new(MockBackend)
	p := NewProcessor(backend, testQueue)

	backend.On("Receive", mock.Anything, testQueue, 2, time.Second).Return([]Message{
		{ID: "1", ReceiptHandle: "h1"},
		{ID: "2", ReceiptHandle: "h2"},
		{ID: "3", ReceiptHandle: "h3"},
	}, nil)

	msgs, err := p.Receive(context.Background(), 2, time.Second)

	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestReceiveInvalidMax(t *testing.T) {
	backend := new(MockBackend)
	p := NewProcessor(backend, testQueue)

	_, err := p.Receive(context.Background(), 0, 0)

	assert.ErrorIs(t, err, ErrInvalidMax)
	backend.AssertNotCalled(t, "Receive", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestReceiveEmptyIsNotAnError(t *testing.T) {
	p, _ := newMemoryProcessor()

	msgs, err := p.Receive(context.Background(), 10, 0)

	assert.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestDeleteMessageTwice(t *testing.T) {
	p, backend := newMemoryProcessor()
	ctx := context.Background()

	_, err := p.Send(ctx, "hello", nil)
	require.NoError(t, err)

	msgs, err := p.Receive(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	assert.NoError(t, p.DeleteMessage(ctx, msgs[0].ReceiptHandle))
	err = p.DeleteMessage(ctx, msgs[0].ReceiptHandle)
	assert.ErrorIs(t, err, ErrStaleHandle)
	assert.Equal(t, 0, backend.Len(testQueue))
}

func TestDeleteMessageBackendPanic(t *testing.T) {
	backend := new(MockBackend)
	p := NewProcessor(backend, testQueue)

	backend.On("Delete", mock.Anything, testQueue, "h1").Run(func(args mock.Arguments) {
		panic("boom")
	})

	assert.Error(t, p.DeleteMessage(context.Background(), "h1"))
}

func TestProcessMessagesEmptyQueue(t *testing.T) {
	p, _ := newMemoryProcessor()
	calls := 0

	report, err := p.ProcessMessages(context.Background(), func(ctx context.Context, d Delivery) error {
		calls++
		return nil
	}, 10)

	require.NoError(t, err)
	assert.Equal(t, 0, report.Received)
	assert.Equal(t, "No messages received", report.Summary())
	assert.Equal(t, 0, calls)
}

func TestProcessMessagesReceiveFailure(t *testing.T) {
	backend := new(MockBackend)
	observer := &recordingObserver{}
	p := NewProcessor(backend, testQueue, WithObserver(observer))
	calls := 0

	backend.On("Receive", mock.Anything, testQueue, 10, DefaultWaitTime).Return(nil, assert.AnError)

	_, err := p.ProcessMessages(context.Background(), func(ctx context.Context, d Delivery) error {
		calls++
		return nil
	}, 10)

	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 0, calls)
	assert.Equal(t, 1, observer.receiveErrors)
	backend.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything, mock.Anything)
}

func TestProcessMessagesMalformedBody(t *testing.T) {
	p, backend := newMemoryProcessor()
	ctx := context.Background()

	_, err := p.Send(ctx, map[string]string{"n": "1"}, nil)
	require.NoError(t, err)
	badID, err := p.SendRaw(ctx, `{"n": "2"`, nil)
	require.NoError(t, err)
	_, err = p.Send(ctx, map[string]string{"n": "3"}, nil)
	require.NoError(t, err)

	var handled []string
	report, err := p.ProcessMessages(ctx, func(ctx context.Context, d Delivery) error {
		var body map[string]string
		require.NoError(t, d.Decode(&body))
		handled = append(handled, body["n"])
		return nil
	}, 10)

	require.NoError(t, err)
	assert.Equal(t, 3, report.Received)
	assert.Equal(t, "Processed 3 messages", report.Summary())
	assert.Equal(t, []string{"1", "3"}, handled)
	assert.Equal(t, 2, report.Count(OutcomeDeleted))
	assert.Equal(t, 1, report.Count(OutcomeDecodeFailed))
	assert.Equal(t, badID, report.Results[1].MessageID)

	// the malformed message is still held by the queue
	assert.Equal(t, 1, backend.Len(testQueue))
}

func TestProcessMessagesHandlerFailure(t *testing.T) {
	tests := []struct {
		name    string
		handler func(n string) error
	}{
		{
			name: "handler returns error",
			handler: func(n string) error {
				if n == "2" {
					return errors.New("downstream unavailable")
				}
				return nil
			},
		},
		{
			name: "handler panics",
			handler: func(n string) error {
				if n == "2" {
					panic("nil map")
				}
				return nil
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, backend := newMemoryProcessor()
			ctx := context.Background()

			var failedID string
			for i := 1; i <= 4; i++ {
				id, err := p.Send(ctx, map[string]string{"n": fmt.Sprint(i)}, nil)
				require.NoError(t, err)
				if i == 2 {
					failedID = id
				}
			}

			attempted := 0
			report, err := p.ProcessMessages(ctx, func(ctx context.Context, d Delivery) error {
				attempted++
				payload := d.Payload.(map[string]any)
				return tt.handler(payload["n"].(string))
			}, 10)

			require.NoError(t, err)
			assert.Equal(t, 4, report.Received)
			assert.Equal(t, 4, attempted)
			assert.Equal(t, 3, report.Count(OutcomeDeleted))
			assert.Equal(t, 1, report.Count(OutcomeHandlerFailed))
			assert.Equal(t, 1, backend.Len(testQueue))

			for _, res := range report.Results {
				if res.MessageID == failedID {
					assert.Equal(t, OutcomeHandlerFailed, res.Outcome)
					assert.Error(t, res.Err)
				}
			}
		})
	}
}

func TestProcessMessagesDeleteFailure(t *testing.T) {
	backend := new(MockBackend)
	observer := &recordingObserver{}
	p := NewProcessor(backend, testQueue, WithWaitTime(0), WithObserver(observer))

	backend.On("Receive", mock.Anything, testQueue, 10, time.Duration(0)).Return([]Message{
		{ID: "1", Body: `{"n":1}`, ReceiptHandle: "h1"},
		{ID: "2", Body: `{"n":2}`, ReceiptHandle: "h2"},
	}, nil)
	backend.On("Delete", mock.Anything, testQueue, "h1").Return(assert.AnError)
	backend.On("Delete", mock.Anything, testQueue, "h2").Return(nil)

	report, err := p.ProcessMessages(context.Background(), func(ctx context.Context, d Delivery) error {
		return nil
	}, 10)

	require.NoError(t, err)
	assert.Equal(t, 2, report.Received)
	assert.Equal(t, OutcomeDeleteFailed, report.Results[0].Outcome)
	assert.Equal(t, OutcomeDeleted, report.Results[1].Outcome)
	require.Len(t, observer.batches, 1)
	assert.Equal(t, 2, observer.batches[0].Received)
	backend.AssertExpectations(t)
}

func TestProcessMessagesNeverDeletesBeforeHandler(t *testing.T) {
	backend := new(MockBackend)
	p := NewProcessor(backend, testQueue, WithWaitTime(0))

	handlerDone := false
	backend.On("Receive", mock.Anything, testQueue, 1, time.Duration(0)).Return([]Message{
		{ID: "1", Body: `{}`, ReceiptHandle: "h1"},
	}, nil)
	backend.On("Delete", mock.Anything, testQueue, "h1").Run(func(args mock.Arguments) {
		assert.True(t, handlerDone, "delete called before handler completed")
	}).Return(nil)

	_, err := p.ProcessMessages(context.Background(), func(ctx context.Context, d Delivery) error {
		handlerDone = true
		return nil
	}, 1)

	require.NoError(t, err)
	backend.AssertExpectations(t)
}

func TestProcessMessagesRedelivery(t *testing.T) {
	clock := newFakeClock()
	p, backend := newMemoryProcessor(withClock(clock.Now), WithVisibilityTimeout(30*time.Second))
	ctx := context.Background()

	_, err := p.Send(ctx, map[string]string{"k": "v"}, nil)
	require.NoError(t, err)

	var counts []int
	fail := true
	handler := func(ctx context.Context, d Delivery) error {
		counts = append(counts, d.ReceiveCount)
		if fail {
			return errors.New("not yet")
		}
		return nil
	}

	report, err := p.ProcessMessages(ctx, handler, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Count(OutcomeHandlerFailed))

	// still invisible
	report, err = p.ProcessMessages(ctx, handler, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Received)

	clock.Advance(31 * time.Second)
	fail = false

	report, err = p.ProcessMessages(ctx, handler, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Count(OutcomeDeleted))
	assert.Equal(t, []int{1, 2}, counts)
	assert.Equal(t, 0, backend.Len(testQueue))
}

func TestProcessMessagesRetryDelay(t *testing.T) {
	clock := newFakeClock()
	backend := NewMemoryBackend(withClock(clock.Now), WithVisibilityTimeout(time.Hour))
	p := NewProcessor(backend, testQueue, WithWaitTime(0), WithRetryDelay(5*time.Second))
	ctx := context.Background()

	_, err := p.Send(ctx, map[string]string{"k": "v"}, nil)
	require.NoError(t, err)

	_, err = p.ProcessMessages(ctx, func(ctx context.Context, d Delivery) error {
		return errors.New("try again")
	}, 1)
	require.NoError(t, err)

	clock.Advance(6 * time.Second)

	msgs, err := p.Receive(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, 2, msgs[0].ReceiveCount)
}

package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/drluca/shopstream/orderprocessing/config"
	"github.com/drluca/shopstream/orderprocessing/internal/contracts"
	"github.com/drluca/shopstream/orderprocessing/internal/database"
	"github.com/drluca/shopstream/orderprocessing/internal/idempotency"
	"github.com/drluca/shopstream/orderprocessing/internal/metrics"
	"github.com/drluca/shopstream/orderprocessing/internal/models"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore keeps orders in memory with the same replay semantics as the
// Postgres store.
type fakeStore struct {
	mu      sync.Mutex
	calls   []models.OrderRecord
	orders  map[string]models.OrderRecord
	err     error
	blockOn bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{orders: map[string]models.OrderRecord{}}
}

func (s *fakeStore) InsertOrder(ctx context.Context, rec models.OrderRecord) (database.InsertResult, error) {
	s.mu.Lock()
	s.calls = append(s.calls, rec)
	err, block := s.err, s.blockOn
	s.mu.Unlock()

	if block {
		<-ctx.Done()
		return database.InsertResult{}, fmt.Errorf("%w: %w", contracts.ErrStoreUnavailable, ctx.Err())
	}
	if err != nil {
		return database.InsertResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.orders[rec.OrderKey]; ok {
		if !existing.SameOrder(rec) {
			return database.InsertResult{}, fmt.Errorf("%w: key %s reused", contracts.ErrConstraintViolation, rec.OrderKey)
		}
		return database.InsertResult{Record: existing, Inserted: false}, nil
	}
	s.orders[rec.OrderKey] = rec
	return database.InsertResult{Record: rec, Inserted: true}, nil
}

type published struct {
	routingKey string
	messageID  string
	payload    models.StockCheckMessage
}

type fakePublisher struct {
	mu        sync.Mutex
	sent      []published
	deadlines []time.Time
	err       error
}

func (p *fakePublisher) PublishMessage(ctx context.Context, routingKey, messageID string, payload interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		p.deadlines = append(p.deadlines, deadline)
	}
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, published{routingKey: routingKey, messageID: messageID, payload: payload.(models.StockCheckMessage)})
	return nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}

func testConfig() config.Config {
	return config.Config{
		IncomingQueueName:  "New_Order",
		OutgoingQueueName:  "CheckStock",
		OutgoingRoutingKey: "CheckStock",
		StoreTimeout:       time.Second,
		PublishTimeout:     time.Second,
	}
}

func msg(body string) amqp.Delivery {
	return amqp.Delivery{Body: []byte(body), DeliveryTag: 1, RoutingKey: "New_Order"}
}

const validOrder = `{"Order_ID":"O1","Customer_ID":"C1","Product_ID":"P0001","Quantity":2}`

func TestRelayPersistsThenPublishes(t *testing.T) {
	store, bus := newFakeStore(), &fakePublisher{}
	p := New(store, bus, idempotency.Nop{}, testConfig())

	err := p.MessageHandler(context.Background(), msg(validOrder))
	require.NoError(t, err)

	require.Len(t, store.calls, 1)
	rec := store.calls[0]
	assert.Equal(t, "O1", rec.OrderKey)
	assert.Equal(t, "C1", rec.CustomerID)
	assert.Equal(t, "P0001", rec.ProductID)
	assert.Equal(t, 2, rec.Quantity)
	assert.Equal(t, models.StatusInProgress, rec.Status)

	require.Equal(t, 1, bus.count())
	assert.Equal(t, "CheckStock", bus.sent[0].routingKey)
	assert.Equal(t, "O1", bus.sent[0].messageID)
	assert.Equal(t, models.StockCheckMessage{OrderID: "O1", ProductID: "P0001", Quantity: 2}, bus.sent[0].payload)
}

func TestStoreFailureNeverPublishes(t *testing.T) {
	store, bus := newFakeStore(), &fakePublisher{}
	store.err = fmt.Errorf("%w: connection refused", contracts.ErrStoreUnavailable)
	p := New(store, bus, idempotency.Nop{}, testConfig())

	err := p.MessageHandler(context.Background(), msg(validOrder))
	require.Error(t, err)
	assert.Equal(t, contracts.Requeue, contracts.Classify(err))
	assert.Len(t, store.calls, 1)
	assert.Zero(t, bus.count())
}

func TestStoreTimeoutNeverPublishes(t *testing.T) {
	store, bus := newFakeStore(), &fakePublisher{}
	store.blockOn = true
	cfg := testConfig()
	cfg.StoreTimeout = 30 * time.Millisecond
	p := New(store, bus, idempotency.Nop{}, cfg)

	start := time.Now()
	err := p.MessageHandler(context.Background(), msg(validOrder))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, contracts.Requeue, contracts.Classify(err))
	assert.Less(t, time.Since(start), time.Second)
	assert.Zero(t, bus.count())
}

func TestConstraintViolationIsDeadLettered(t *testing.T) {
	store, bus := newFakeStore(), &fakePublisher{}
	p := New(store, bus, idempotency.Nop{}, testConfig())

	require.NoError(t, p.MessageHandler(context.Background(), msg(validOrder)))
	err := p.MessageHandler(context.Background(),
		msg(`{"Order_ID":"O1","Customer_ID":"C2","Product_ID":"P0005","Quantity":1}`))

	require.Error(t, err)
	assert.Equal(t, contracts.DeadLetter, contracts.Classify(err))
	assert.Equal(t, 1, bus.count())
}

func TestMalformedMessage(t *testing.T) {
	store, bus := newFakeStore(), &fakePublisher{}
	p := New(store, bus, idempotency.Nop{}, testConfig())
	before := testutil.ToFloat64(metrics.Malformed)

	for _, body := range []string{`not json`, `[]`, `{"Quantity":"lots"}`} {
		err := p.MessageHandler(context.Background(), msg(body))
		require.Error(t, err, body)
		assert.ErrorIs(t, err, contracts.ErrMalformedMessage)
		assert.Equal(t, contracts.Drop, contracts.Classify(err))
	}

	assert.Empty(t, store.calls)
	assert.Zero(t, bus.count())
	assert.Equal(t, before+3, testutil.ToFloat64(metrics.Malformed))
}

func TestUnstorableOrderIsDroppedBeforeStore(t *testing.T) {
	store, bus := newFakeStore(), &fakePublisher{}
	p := New(store, bus, idempotency.Nop{}, testConfig())

	for _, body := range []string{
		`{"Order_ID":"O7","Customer_ID":"C1","Product_ID":"P0006","Quantity":3000000000}`,
		`{"Order_ID":"O8","Customer_ID":"C\u0000","Product_ID":"P0006","Quantity":3}`,
		`{"Order_ID":"O9","Customer_ID":"C1","Product_ID":"` + strings.Repeat("P", models.MaxIDLength+1) + `","Quantity":3}`,
	} {
		err := p.MessageHandler(context.Background(), msg(body))
		require.Error(t, err, body)
		assert.Equal(t, contracts.Drop, contracts.Classify(err), body)
	}

	assert.Empty(t, store.calls)
	assert.Zero(t, bus.count())
}

func TestPublishIsBoundedByPublishTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.PublishTimeout = 250 * time.Millisecond
	store, bus := newFakeStore(), &fakePublisher{}
	p := New(store, bus, idempotency.Nop{}, cfg)

	start := time.Now()
	require.NoError(t, p.MessageHandler(context.Background(), msg(validOrder)))

	require.Len(t, bus.deadlines, 1)
	assert.WithinDuration(t, start.Add(cfg.PublishTimeout), bus.deadlines[0], 100*time.Millisecond)
}

func TestLenientParsingKeepsMissingFields(t *testing.T) {
	store, bus := newFakeStore(), &fakePublisher{}
	p := New(store, bus, idempotency.Nop{}, testConfig())

	require.NoError(t, p.MessageHandler(context.Background(), msg(`{"Order_ID":"O9","Customer_ID":"C1"}`)))
	require.Equal(t, 1, bus.count())
	assert.Equal(t, models.StockCheckMessage{OrderID: "O9"}, bus.sent[0].payload)
}

func TestStrictParsingRejectsMissingFields(t *testing.T) {
	store, bus := newFakeStore(), &fakePublisher{}
	cfg := testConfig()
	cfg.RequireOrderFields = true
	p := New(store, bus, idempotency.Nop{}, cfg)

	err := p.MessageHandler(context.Background(), msg(`{"Order_ID":"O9","Customer_ID":"C1"}`))
	assert.ErrorIs(t, err, contracts.ErrMalformedMessage)
	assert.Empty(t, store.calls)
}

func TestPublishFailureIsRetryableAndLeavesNoMarker(t *testing.T) {
	mr := miniredis.RunT(t)
	marker, err := idempotency.Dial(context.Background(), mr.Addr(), "", 0, time.Hour)
	require.NoError(t, err)
	defer marker.Close()

	store, bus := newFakeStore(), &fakePublisher{err: errors.New("broker gone")}
	p := New(store, bus, marker, testConfig())

	err = p.MessageHandler(context.Background(), msg(validOrder))
	require.Error(t, err)
	assert.ErrorIs(t, err, contracts.ErrPublishFailure)
	assert.Equal(t, contracts.Requeue, contracts.Classify(err))
	assert.False(t, mr.Exists(marker.Key("O1")))

	// Redelivery after the broker recovers: no second order, one stock check.
	bus.err = nil
	require.NoError(t, p.MessageHandler(context.Background(), msg(validOrder)))
	assert.Len(t, store.orders, 1)
	assert.Equal(t, 1, bus.count())
	assert.True(t, mr.Exists(marker.Key("O1")))
}

func TestRedeliveryAfterPublishIsNotRepublished(t *testing.T) {
	mr := miniredis.RunT(t)
	marker, err := idempotency.Dial(context.Background(), mr.Addr(), "", 0, time.Hour)
	require.NoError(t, err)
	defer marker.Close()

	store, bus := newFakeStore(), &fakePublisher{}
	p := New(store, bus, marker, testConfig())
	dupes := testutil.ToFloat64(metrics.Duplicates)

	require.NoError(t, p.MessageHandler(context.Background(), msg(validOrder)))
	require.NoError(t, p.MessageHandler(context.Background(), msg(validOrder)))

	assert.Len(t, store.orders, 1)
	assert.Equal(t, 1, bus.count())
	assert.Equal(t, dupes+1, testutil.ToFloat64(metrics.Duplicates))
}

func TestRedeliveryWithoutMarkerRepublishes(t *testing.T) {
	store, bus := newFakeStore(), &fakePublisher{}
	p := New(store, bus, idempotency.Nop{}, testConfig())

	require.NoError(t, p.MessageHandler(context.Background(), msg(validOrder)))
	require.NoError(t, p.MessageHandler(context.Background(), msg(validOrder)))

	assert.Len(t, store.orders, 1, "replay must not create a second order")
	assert.Equal(t, 2, bus.count())
}

func TestMissingOrderIDUsesBodyKey(t *testing.T) {
	store, bus := newFakeStore(), &fakePublisher{}
	p := New(store, bus, idempotency.Nop{}, testConfig())
	body := `{"Customer_ID":"C1","Product_ID":"P0003","Quantity":1}`

	require.NoError(t, p.MessageHandler(context.Background(), msg(body)))
	require.NoError(t, p.MessageHandler(context.Background(), msg(body)))

	require.Len(t, store.calls, 2)
	assert.Equal(t, store.calls[0].OrderKey, store.calls[1].OrderKey)
	assert.NotEmpty(t, store.calls[0].OrderKey)
	assert.Len(t, store.orders, 1)
	assert.Equal(t, store.calls[0].OrderKey, bus.sent[0].messageID)
	assert.Empty(t, bus.sent[0].payload.OrderID)
}

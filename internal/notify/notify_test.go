package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xenking/aromaticus/internal/domain/order"
)

func testOrder() *order.Order {
	return &order.Order{
		ID: "b7e1c2d3-0000-4000-8000-00000042a9f1",
		Shipping: order.ShippingInfo{
			FullName:     "Ada <Lovelace>",
			Email:        "ada@example.com",
			AddressLine1: "1 Harbour Street",
			City:         "Canterbury",
			Postcode:     "CT1 1AA",
			Country:      "United Kingdom",
		},
		Items: []order.Item{
			{ProductID: "rose", Name: "Rose Noir", Size: 10, Quantity: 2, Price: decimal.RequireFromString("18")},
		},
		ShippingPrice: decimal.RequireFromString("4"),
		TotalPrice:    decimal.RequireFromString("40"),
		Status:        order.StatusPaid,
		CreatedAt:     time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC),
	}
}

type recordingSender struct {
	mu   sync.Mutex
	msgs []Message
	err  error
}

func (s *recordingSender) Send(_ context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return s.err
}

func TestRenderOrderConfirmation(t *testing.T) {
	msg, err := RenderOrderConfirmation(testOrder())
	require.NoError(t, err)

	assert.Equal(t, []string{"ada@example.com"}, msg.To)
	assert.Equal(t, "Order #42a9f1 confirmed", msg.Subject)
	assert.Contains(t, msg.HTML, "<strong>42a9f1</strong>")
	assert.Contains(t, msg.HTML, "Rose Noir (10ml) x 2 - £18.00")
	assert.Contains(t, msg.HTML, "Shipping: £4.00")
	assert.Contains(t, msg.HTML, "£40.00")
	assert.Contains(t, msg.HTML, "Ada &lt;Lovelace&gt;")
	assert.NotContains(t, msg.HTML, "<Lovelace>")
}

func TestRenderOrderConfirmation_FreeShipping(t *testing.T) {
	o := testOrder()
	o.ShippingPrice = decimal.Zero

	msg, err := RenderOrderConfirmation(o)
	require.NoError(t, err)
	assert.Contains(t, msg.HTML, "Shipping: free")
}

func TestMailer(t *testing.T) {
	ctx := context.Background()

	t.Run("sends rendered message", func(t *testing.T) {
		sender := &recordingSender{}
		require.NoError(t, NewMailer(sender).OrderConfirmed(ctx, testOrder()))
		require.Len(t, sender.msgs, 1)
		assert.Equal(t, "Order #42a9f1 confirmed", sender.msgs[0].Subject)
	})

	t.Run("send failure is returned", func(t *testing.T) {
		sender := &recordingSender{err: errors.New("421 try later")}
		err := NewMailer(sender).OrderConfirmed(ctx, testOrder())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "421 try later")
	})

	t.Run("missing email", func(t *testing.T) {
		o := testOrder()
		o.Shipping.Email = ""
		require.Error(t, NewMailer(&recordingSender{}).OrderConfirmed(ctx, o))
	})
}

func TestAsync_DetachesFromCaller(t *testing.T) {
	sender := &recordingSender{err: errors.New("smtp down")}
	a := NewAsync(NewMailer(sender), time.Second)

	ctx, cancel := context.WithCancel(zctx.Base(context.Background(), zaptest.NewLogger(t)))
	require.NoError(t, a.OrderConfirmed(ctx, testOrder()), "failures never reach the caller")
	cancel()
	a.Wait()

	assert.Len(t, sender.msgs, 1)
}

func TestNewSMTPSender(t *testing.T) {
	_, err := NewSMTPSender(SMTPConfig{})
	require.Error(t, err)

	s, err := NewSMTPSender(SMTPConfig{Host: "smtp.example.com"})
	require.NoError(t, err)
	assert.Equal(t, 587, s.cfg.Port)
	assert.Equal(t, "no-reply@aromaticus.com", s.from.Address)

	raw := string(s.compose(Message{To: []string{"ada@example.com"}, Subject: "Order #1 confirmed", HTML: "<p>hi</p>"}))
	assert.Contains(t, raw, "To: ada@example.com\r\n")
	assert.Contains(t, raw, "Subject: Order #1 confirmed\r\n")
	assert.Contains(t, raw, "Content-Type: text/html; charset=\"utf-8\"\r\n\r\n<p>hi</p>")
}

// --- queue ---

type fakeChannel struct {
	mu         sync.Mutex
	published  []amqp.Publishing
	keys       []string
	publishErr error
	deliveries chan amqp.Delivery
}

func (f *fakeChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.keys = append(f.keys, key)
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeChannel) ConsumeWithContext(context.Context, string, string, bool, bool, bool, bool, amqp.Table) (<-chan amqp.Delivery, error) {
	return f.deliveries, nil
}

type ackRecorder struct {
	acked   bool
	nacked  bool
	requeue bool
}

func (a *ackRecorder) Ack(uint64, bool) error { a.acked = true; return nil }

func (a *ackRecorder) Nack(_ uint64, _ bool, requeue bool) error {
	a.nacked = true
	a.requeue = requeue
	return nil
}

func (a *ackRecorder) Reject(_ uint64, requeue bool) error {
	a.nacked = true
	a.requeue = requeue
	return nil
}

func delivery(t *testing.T, body []byte, retries int32) (amqp.Delivery, *ackRecorder) {
	t.Helper()
	ack := &ackRecorder{}
	d := amqp.Delivery{Acknowledger: ack, Body: body, MessageId: "m1"}
	if retries > 0 {
		d.Headers = amqp.Table{retryHeader: retries}
	}
	return d, ack
}

func newTestWorker(ch *fakeChannel, sender Sender) *Worker {
	return NewWorker(ch, ch, QueueConfig{Queue: "confirmations", MaxRetries: 3, RetryBackoff: time.Millisecond}, NewMailer(sender))
}

func TestPublisher(t *testing.T) {
	ch := &fakeChannel{}
	p := NewPublisher(ch, "confirmations")

	require.NoError(t, p.OrderConfirmed(context.Background(), testOrder()))
	require.Len(t, ch.published, 1)
	msg := ch.published[0]
	assert.Equal(t, "confirmations", ch.keys[0])
	assert.Equal(t, amqp.Persistent, msg.DeliveryMode)
	assert.Equal(t, "application/json", msg.ContentType)
	assert.Equal(t, testOrder().ID, msg.MessageId)

	o, err := decodeOrder(msg.Body)
	require.NoError(t, err)
	assert.Equal(t, "42a9f1", o.Number())
	assert.Equal(t, "ada@example.com", o.Shipping.Email)
	assert.True(t, decimal.RequireFromString("40").Equal(o.TotalPrice))
	require.Len(t, o.Items, 1)
	assert.Equal(t, "Rose Noir", o.Items[0].Name)
}

func TestWorker_Handle(t *testing.T) {
	body, err := encodeOrder(testOrder())
	require.NoError(t, err)
	ctx := zctx.Base(context.Background(), zaptest.NewLogger(t))

	t.Run("success acks", func(t *testing.T) {
		ch := &fakeChannel{}
		sender := &recordingSender{}
		d, ack := delivery(t, body, 0)

		newTestWorker(ch, sender).handle(ctx, d)
		assert.True(t, ack.acked)
		assert.Len(t, sender.msgs, 1)
		assert.Empty(t, ch.published)
	})

	t.Run("failure requeues with retry count", func(t *testing.T) {
		ch := &fakeChannel{}
		d, ack := delivery(t, body, 1)

		newTestWorker(ch, &recordingSender{err: errors.New("timeout")}).handle(ctx, d)
		assert.True(t, ack.acked)
		require.Len(t, ch.published, 1)
		assert.Equal(t, int32(2), ch.published[0].Headers[retryHeader])
		assert.Equal(t, body, ch.published[0].Body)
	})

	t.Run("exhausted retries dead-letter", func(t *testing.T) {
		ch := &fakeChannel{}
		d, ack := delivery(t, body, 2)

		newTestWorker(ch, &recordingSender{err: errors.New("timeout")}).handle(ctx, d)
		assert.True(t, ack.nacked)
		assert.False(t, ack.requeue)
		assert.Empty(t, ch.published)
	})

	t.Run("undecodable message dead-letters", func(t *testing.T) {
		ch := &fakeChannel{}
		sender := &recordingSender{}
		d, ack := delivery(t, []byte("{"), 0)

		newTestWorker(ch, sender).handle(ctx, d)
		assert.True(t, ack.nacked)
		assert.False(t, ack.requeue)
		assert.Empty(t, sender.msgs)
	})

	t.Run("requeue failure returns message to broker", func(t *testing.T) {
		ch := &fakeChannel{publishErr: errors.New("channel closed")}
		d, ack := delivery(t, body, 0)

		newTestWorker(ch, &recordingSender{err: errors.New("timeout")}).handle(ctx, d)
		assert.True(t, ack.nacked)
		assert.True(t, ack.requeue)
	})
}

func TestWorker_Run(t *testing.T) {
	body, err := encodeOrder(testOrder())
	require.NoError(t, err)

	ch := &fakeChannel{deliveries: make(chan amqp.Delivery, 1)}
	sender := &recordingSender{}
	d, ack := delivery(t, body, 0)
	ch.deliveries <- d
	close(ch.deliveries)

	err = newTestWorker(ch, sender).Run(zctx.Base(context.Background(), zaptest.NewLogger(t)))
	require.Error(t, err)
	assert.True(t, ack.acked)
	assert.Len(t, sender.msgs, 1)
}

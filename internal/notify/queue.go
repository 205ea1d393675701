package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/aromaticus/internal/domain/fulfillment"
	"github.com/xenking/aromaticus/internal/domain/order"
)

const retryHeader = "x-retry-count"

// QueueConfig names the confirmation email queue.
type QueueConfig struct {
	URL        string
	Queue      string
	MaxRetries int
	// RetryBackoff is multiplied by the attempt number before a failed
	// delivery is requeued.
	RetryBackoff time.Duration
}

func (c *QueueConfig) setDefaults() {
	if c.Queue == "" {
		c.Queue = "order-confirmations"
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 2 * time.Second
	}
}

func (c QueueConfig) deadLetterQueue() string    { return c.Queue + ".dlq" }
func (c QueueConfig) deadLetterExchange() string { return c.Queue + ".dlx" }

// Queue is a connection to the broker with the confirmation queues declared.
type Queue struct {
	cfg  QueueConfig
	conn *amqp.Connection
	ch   *amqp.Channel
}

// DialQueue connects to the broker and declares the work queue and its
// dead-letter queue.
func DialQueue(cfg QueueConfig) (*Queue, error) {
	cfg.setDefaults()
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, "dial amqp")
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "open channel")
	}
	q := &Queue{cfg: cfg, conn: conn, ch: ch}
	if err := q.setup(); err != nil {
		q.Close()
		return nil, err
	}
	return q, nil
}

func (q *Queue) setup() error {
	dlx, dlq := q.cfg.deadLetterExchange(), q.cfg.deadLetterQueue()
	if err := q.ch.ExchangeDeclare(dlx, "direct", true, false, false, false, nil); err != nil {
		return errors.Wrap(err, "declare dead-letter exchange")
	}
	if _, err := q.ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return errors.Wrap(err, "declare dead-letter queue")
	}
	if err := q.ch.QueueBind(dlq, dlq, dlx, false, nil); err != nil {
		return errors.Wrap(err, "bind dead-letter queue")
	}
	if _, err := q.ch.QueueDeclare(q.cfg.Queue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    dlx,
		"x-dead-letter-routing-key": dlq,
	}); err != nil {
		return errors.Wrap(err, "declare queue")
	}
	return nil
}

// Publisher returns a Notifier that enqueues confirmations.
func (q *Queue) Publisher() *Publisher {
	return NewPublisher(q.ch, q.cfg.Queue)
}

// Worker returns a consumer that sends queued confirmations through next.
func (q *Queue) Worker(next fulfillment.Notifier) *Worker {
	return NewWorker(q.ch, q.ch, q.cfg, next)
}

// Ping fails once the broker connection or channel has been closed.
func (q *Queue) Ping(context.Context) error {
	if q.conn == nil || q.conn.IsClosed() {
		return errors.New("amqp connection closed")
	}
	if q.ch == nil || q.ch.IsClosed() {
		return errors.New("amqp channel closed")
	}
	return nil
}

// Close closes the channel and connection.
func (q *Queue) Close() {
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil {
		_ = q.conn.Close()
	}
}

// orderMessage is the queued form of an order.
type orderMessage struct {
	ID            string             `json:"id"`
	Shipping      order.ShippingInfo `json:"shipping"`
	Items         []order.Item       `json:"items"`
	ShippingPrice decimal.Decimal    `json:"shipping_price"`
	TotalPrice    decimal.Decimal    `json:"total_price"`
	Status        order.Status       `json:"status"`
	CreatedAt     time.Time          `json:"created_at"`
}

func encodeOrder(o *order.Order) ([]byte, error) {
	return json.Marshal(orderMessage{
		ID:            o.ID,
		Shipping:      o.Shipping,
		Items:         o.Items,
		ShippingPrice: o.ShippingPrice,
		TotalPrice:    o.TotalPrice,
		Status:        o.Status,
		CreatedAt:     o.CreatedAt,
	})
}

func decodeOrder(body []byte) (*order.Order, error) {
	var m orderMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, err
	}
	if m.ID == "" {
		return nil, errors.New("order id is missing")
	}
	return &order.Order{
		ID:            m.ID,
		Shipping:      m.Shipping,
		Items:         m.Items,
		ShippingPrice: m.ShippingPrice,
		TotalPrice:    m.TotalPrice,
		Status:        m.Status,
		CreatedAt:     m.CreatedAt,
	}, nil
}

type publishChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

var _ fulfillment.Notifier = (*Publisher)(nil)

// Publisher enqueues order confirmations as persistent messages.
type Publisher struct {
	mu    sync.Mutex
	ch    publishChannel
	queue string
}

// NewPublisher creates a Publisher for the named queue.
func NewPublisher(ch publishChannel, queue string) *Publisher {
	return &Publisher{ch: ch, queue: queue}
}

func (p *Publisher) OrderConfirmed(ctx context.Context, o *order.Order) error {
	body, err := encodeOrder(o)
	if err != nil {
		return errors.Wrap(err, "encode order")
	}
	return p.publish(ctx, o.ID, body, 0)
}

func (p *Publisher) publish(ctx context.Context, id string, body []byte, retries int32) error {
	msg := amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		ContentType:  "application/json",
		MessageId:    id,
		Body:         body,
	}
	if retries > 0 {
		msg.Headers = amqp.Table{retryHeader: retries}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ch.PublishWithContext(ctx, "", p.queue, false, false, msg); err != nil {
		return errors.Wrap(err, "publish")
	}
	return nil
}

type consumeChannel interface {
	ConsumeWithContext(ctx context.Context, queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
}

// Worker consumes queued confirmations. A failed send is requeued with an
// incremented retry count; after MaxRetries attempts, or when the message
// cannot be decoded, it is dead-lettered.
type Worker struct {
	consume    consumeChannel
	requeue    *Publisher
	queue      string
	maxRetries int
	backoff    time.Duration
	next       fulfillment.Notifier
}

// NewWorker creates a Worker.
func NewWorker(consume consumeChannel, publish publishChannel, cfg QueueConfig, next fulfillment.Notifier) *Worker {
	cfg.setDefaults()
	return &Worker{
		consume:    consume,
		requeue:    NewPublisher(publish, cfg.Queue),
		queue:      cfg.Queue,
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.RetryBackoff,
		next:       next,
	}
}

// Run consumes until ctx is cancelled or the delivery channel closes.
func (w *Worker) Run(ctx context.Context) error {
	deliveries, err := w.consume.ConsumeWithContext(ctx, w.queue, "mail-worker", false, false, false, false, nil)
	if err != nil {
		return errors.Wrap(err, "consume")
	}
	zctx.From(ctx).Info("Consuming", zap.String("queue", w.queue))
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			w.handle(ctx, d)
		}
	}
}

func (w *Worker) handle(ctx context.Context, d amqp.Delivery) {
	lg := zctx.From(ctx).With(zap.String("message_id", d.MessageId))

	o, err := decodeOrder(d.Body)
	if err != nil {
		lg.Error("Undecodable message, dead-lettering", zap.Error(err))
		_ = d.Nack(false, false)
		return
	}

	err = w.next.OrderConfirmed(ctx, o)
	if err == nil {
		lg.Info("Confirmation sent", zap.String("order_id", o.ID))
		_ = d.Ack(false)
		return
	}

	attempt := retryCount(d.Headers) + 1
	lg = lg.With(zap.String("order_id", o.ID), zap.Int32("attempt", attempt), zap.Error(err))
	if int(attempt) >= w.maxRetries {
		lg.Error("Confirmation failed, dead-lettering")
		_ = d.Nack(false, false)
		return
	}

	lg.Warn("Confirmation failed, retrying")
	select {
	case <-ctx.Done():
		_ = d.Nack(false, true)
		return
	case <-time.After(w.backoff * time.Duration(attempt)):
	}
	if err := w.requeue.publish(ctx, d.MessageId, d.Body, attempt); err != nil {
		lg.Error("Requeue failed", zap.NamedError("requeue_error", err))
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

func retryCount(h amqp.Table) int32 {
	switch v := h[retryHeader].(type) {
	case int32:
		return v
	case int64:
		return int32(v)
	case int:
		return int32(v)
	default:
		return 0
	}
}

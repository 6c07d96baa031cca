package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/pagecarbon/pagecarbon/pkg/types"
)

const (
	backoffInitial    = 1 * time.Second
	backoffMax        = 60 * time.Second
	backoffMultiplier = 2.0
	sendTimeout       = 10 * time.Second

	defaultBufferSize = 1000
)

// Config configures the Kafka publisher.
type Config struct {
	Brokers    []string
	Topic      string
	BufferSize int
}

// Event is the JSON value of each Kafka message.
type Event struct {
	SessionID   string      `json:"session_id"`
	Phase       types.Phase `json:"phase"`
	State       string      `json:"state"`
	WeightBytes int64       `json:"weight"`
	CO2Grams    float64     `json:"co2weight"`
	Resources   int         `json:"resources"`
	PublishedAt time.Time   `json:"published_at"`
}

// MessageWriter is the subset of *kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Stats counts delivery outcomes.
type Stats struct {
	Sent    uint64
	Failed  uint64
	Evicted uint64
}

// Publisher buffers updates and writes them to Kafka.
type Publisher struct {
	cfg  Config
	w    MessageWriter
	buf  chan types.Update
	wait func(ctx context.Context, d time.Duration) error // injectable for tests

	sent, failed, evicted atomic.Uint64
}

// New returns a Publisher writing to cfg.Topic on cfg.Brokers.
func New(cfg Config) *Publisher {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: false,
		BatchTimeout:           50 * time.Millisecond,
	}
	return newWithWriter(cfg, w)
}

func newWithWriter(cfg Config, w MessageWriter) *Publisher {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	return &Publisher{
		cfg:  cfg,
		w:    w,
		buf:  make(chan types.Update, cfg.BufferSize),
		wait: sleepCtx,
	}
}

// Publish enqueues u. If the buffer is full the oldest update is evicted to
// make room.
func (p *Publisher) Publish(u types.Update) {
	for {
		select {
		case p.buf <- u:
			return
		default:
		}
		select {
		case <-p.buf:
			p.evicted.Add(1)
			slog.Warn("publish: buffer full, evicted oldest update",
				"session", u.SessionID, "buffer_cap", cap(p.buf))
		default:
		}
	}
}

// Run writes buffered updates until ctx is cancelled, then closes the
// writer. A failed write is retried with exponential backoff; updates
// published meanwhile wait in the buffer.
func (p *Publisher) Run(ctx context.Context) {
	defer func() {
		if err := p.w.Close(); err != nil {
			slog.Error("publish: close writer", "err", err)
		}
	}()

	slog.Info("publish: started", "brokers", p.cfg.Brokers, "topic", p.cfg.Topic)
	bo := newBackoff()

	for {
		var u types.Update
		select {
		case <-ctx.Done():
			return
		case u = <-p.buf:
		}

		msg, err := message(u)
		if err != nil {
			slog.Error("publish: encode update, discarding", "session", u.SessionID, "err", err)
			continue
		}

		for {
			sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
			err := p.w.WriteMessages(sendCtx, msg)
			cancel()
			if err == nil {
				p.sent.Add(1)
				bo.reset()
				slog.Debug("publish: update delivered", "session", u.SessionID, "phase", u.Phase)
				break
			}

			p.failed.Add(1)
			wait := bo.next()
			slog.Warn("publish: write failed, will retry",
				"topic", p.cfg.Topic, "err", err, "retry_in", wait)
			if p.wait(ctx, wait) != nil {
				return
			}
		}
	}
}

// Stats returns delivery counters.
func (p *Publisher) Stats() Stats {
	return Stats{Sent: p.sent.Load(), Failed: p.failed.Load(), Evicted: p.evicted.Load()}
}

// Pending returns the number of buffered updates.
func (p *Publisher) Pending() int { return len(p.buf) }

func message(u types.Update) (kafka.Message, error) {
	value, err := json.Marshal(Event{
		SessionID:   u.SessionID,
		Phase:       u.Phase,
		State:       u.State.String(),
		WeightBytes: u.Estimate.WeightBytes,
		CO2Grams:    u.Estimate.CO2Grams,
		Resources:   u.Resources,
		PublishedAt: u.At,
	})
	if err != nil {
		return kafka.Message{}, fmt.Errorf("publish: marshal event: %w", err)
	}
	return kafka.Message{
		Key:     []byte(u.SessionID),
		Value:   value,
		Time:    u.At,
		Headers: []kafka.Header{{Key: "content-type", Value: []byte("application/json")}},
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// backoff implements truncated exponential backoff with jitter.
type backoff struct {
	current time.Duration
}

func newBackoff() *backoff {
	return &backoff{current: backoffInitial}
}

// next returns the current wait with ±25% jitter and doubles the base, up to
// backoffMax.
func (b *backoff) next() time.Duration {
	d := b.current
	jitter := time.Duration(float64(b.current) * 0.25 * (rand.Float64()*2 - 1)) //nolint:gosec // not crypto
	d += jitter
	if d < 0 {
		d = 0
	}

	b.current = time.Duration(float64(b.current) * backoffMultiplier)
	if b.current > backoffMax {
		b.current = backoffMax
	}
	return d
}

func (b *backoff) reset() {
	b.current = backoffInitial
}

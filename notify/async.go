package notify

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultBuffer  = 1024
	publishTimeout = 2 * time.Second
)

type pending struct {
	topic   string
	event   string
	payload interface{}
}

// AsyncPublisher decouples callers from the transport. Publish never blocks:
// events are buffered and sent by Run, and dropped when the buffer is full.
type AsyncPublisher struct {
	next    Publisher
	events  chan pending
	logger  logrus.FieldLogger
	dropped atomic.Uint64
}

func NewAsyncPublisher(next Publisher, buffer int, logger logrus.FieldLogger) *AsyncPublisher {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &AsyncPublisher{
		next:   next,
		events: make(chan pending, buffer),
		logger: logger,
	}
}

func (p *AsyncPublisher) Publish(_ context.Context, topic, event string, payload interface{}) error {
	select {
	case p.events <- pending{topic: topic, event: event, payload: payload}:
	default:
		p.dropped.Add(1)
		p.logger.WithFields(logrus.Fields{
			"topic": topic,
			"event": event,
		}).Warn("Progress buffer full, dropping event")
	}
	return nil
}

// Run delivers buffered events until ctx is done, then flushes what is left.
func (p *AsyncPublisher) Run(ctx context.Context) {
	for {
		select {
		case ev := <-p.events:
			p.deliver(ev)
		case <-ctx.Done():
			for {
				select {
				case ev := <-p.events:
					p.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

// Dropped is the number of events discarded because the buffer was full.
func (p *AsyncPublisher) Dropped() uint64 {
	return p.dropped.Load()
}

func (p *AsyncPublisher) deliver(ev pending) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := p.next.Publish(ctx, ev.topic, ev.event, ev.payload); err != nil {
		p.logger.WithFields(logrus.Fields{
			"topic": ev.topic,
			"event": ev.event,
			"error": err,
		}).Warn("Failed to publish event")
	}
}

// LogPublisher writes events to the log. It stands in when no broker is
// configured.
type LogPublisher struct {
	Logger logrus.FieldLogger
}

func (p LogPublisher) Publish(_ context.Context, topic, event string, payload interface{}) error {
	p.Logger.WithFields(logrus.Fields{
		"topic":   topic,
		"event":   event,
		"payload": payload,
	}).Debug("Event")
	return nil
}

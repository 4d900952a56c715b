// Package progress fans out job progress events to any number of
// subscribers. Every topic (one per job) keeps an ordered history so a
// subscriber that arrives late first replays what it missed, then follows
// live events until the topic's final event closes it.
package progress

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrTopicClosed is returned when publishing to a topic whose final event
// has already been published.
var ErrTopicClosed = errors.New("progress: topic is closed")

const (
	defaultHistoryLimit = 1024
	subscriberBuffer    = 256
)

// Event is one progress notification for a job.
type Event struct {
	Topic           string    `json:"jobId"`
	Seq             int       `json:"seq"`
	Step            string    `json:"step"`
	Message         string    `json:"message"`
	ProgressPercent int       `json:"progressPercent"`
	Status          string    `json:"status"`
	Index           *int      `json:"index,omitempty"`
	PatientUUID     string    `json:"patientUuid,omitempty"`
	Final           bool      `json:"final"`
	Timestamp       time.Time `json:"timestamp"`
}

// Subscription receives live events for one topic. C is closed after the
// topic's final event, on Close, or when the topic is forgotten.
type Subscription struct {
	C      <-chan Event
	ch     chan Event
	topic  string
	broker *Broker
	closed bool
}

// Close detaches the subscription. A topic left with no subscribers and no
// events is dropped. Safe to call more than once.
func (s *Subscription) Close() {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	if t, ok := s.broker.topics[s.topic]; ok {
		delete(t.subs, s)
		if len(t.subs) == 0 && len(t.history) == 0 && !t.closed {
			delete(s.broker.topics, s.topic)
		}
	}
	s.closeLocked()
}

func (s *Subscription) closeLocked() {
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

type topic struct {
	seq     int
	history []Event
	subs    map[*Subscription]struct{}
	closed  bool
}

// Broker is the per-job broadcast hub.
type Broker struct {
	mu           sync.RWMutex
	topics       map[string]*topic
	historyLimit int
	now          func() time.Time
	logger       zerolog.Logger
}

// NewBroker creates an empty Broker.
func NewBroker(logger zerolog.Logger) *Broker {
	return &Broker{
		topics:       make(map[string]*topic),
		historyLimit: defaultHistoryLimit,
		now:          time.Now,
		logger:       logger.With().Str("component", "progress").Logger(),
	}
}

func (b *Broker) topicLocked(name string) *topic {
	t, ok := b.topics[name]
	if !ok {
		t = &topic{subs: make(map[*Subscription]struct{})}
		b.topics[name] = t
	}
	return t
}

// Publish records e on its topic and delivers it to current subscribers
// without blocking. A subscriber whose buffer is full misses the event but
// can recover it from History. Publishing a Final event closes the topic.
func (b *Broker) Publish(_ context.Context, e Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topicLocked(e.Topic)
	if t.closed {
		return ErrTopicClosed
	}

	t.seq++
	e.Seq = t.seq
	if e.Timestamp.IsZero() {
		e.Timestamp = b.now().UTC()
	}

	t.history = append(t.history, e)
	if len(t.history) > b.historyLimit {
		t.history = t.history[len(t.history)-b.historyLimit:]
	}

	for sub := range t.subs {
		select {
		case sub.ch <- e:
		default:
			b.logger.Warn().Str("topic", e.Topic).Int("seq", e.Seq).Msg("subscriber buffer full, event dropped")
		}
	}

	if e.Final {
		t.closed = true
		for sub := range t.subs {
			sub.closeLocked()
		}
		t.subs = make(map[*Subscription]struct{})
	}
	return nil
}

// Subscribe returns the topic's history so far and a subscription for the
// events that follow. If the topic is already closed the subscription's
// channel is closed immediately and the replay ends with the final event.
func (b *Broker) Subscribe(name string) (*Subscription, []Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topicLocked(name)
	replay := make([]Event, len(t.history))
	copy(replay, t.history)

	ch := make(chan Event, subscriberBuffer)
	sub := &Subscription{C: ch, ch: ch, topic: name, broker: b}
	if t.closed {
		sub.closeLocked()
		return sub, replay
	}
	t.subs[sub] = struct{}{}
	return sub, replay
}

// History returns a copy of the recorded events for a topic.
func (b *Broker) History(name string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.topics[name]
	if !ok {
		return nil
	}
	out := make([]Event, len(t.history))
	copy(out, t.history)
	return out
}

// Last returns the most recent event for a topic.
func (b *Broker) Last(name string) (Event, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.topics[name]
	if !ok || len(t.history) == 0 {
		return Event{}, false
	}
	return t.history[len(t.history)-1], true
}

// Forget drops a topic and closes its subscriptions.
func (b *Broker) Forget(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name]
	if !ok {
		return
	}
	for sub := range t.subs {
		sub.closeLocked()
	}
	delete(b.topics, name)
}

// SubscriberCount returns the number of live subscriptions on a topic.
func (b *Broker) SubscriberCount(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if t, ok := b.topics[name]; ok {
		return len(t.subs)
	}
	return 0
}

// TopicCount returns the number of known topics.
func (b *Broker) TopicCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics)
}

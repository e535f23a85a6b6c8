// Package feed publishes session lifecycle events on a watermill topic:
// an in-process gochannel by default, Redis Streams when configured.
package feed

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/dkeye/Streamer/internal/config"
	"github.com/dkeye/Streamer/internal/core"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const queueSize = 256

var ErrNoLocalSubscriber = errors.New("feed is not in-process")

// Event is the payload of every published message.
type Event struct {
	Event string            `json:"event"`
	Conn  string            `json:"conn"`
	Attrs map[string]string `json:"attrs,omitempty"`
	At    time.Time         `json:"at"`
}

// Feed implements app.Notifier. Notify never blocks the caller; a single
// goroutine publishes in order.
type Feed struct {
	pub   message.Publisher
	local *gochannel.GoChannel
	redis *redis.Client
	topic string

	mu     sync.Mutex
	closed bool
	queue  chan Event
	done   chan struct{}
}

func New(cfg config.FeedConfig) (*Feed, error) {
	logger := NewWatermillLogger(log.With().Str("module", "feed").Logger())
	topic := cfg.Topic
	if topic == "" {
		topic = "streamer.sessions"
	}

	if cfg.RedisAddr == "" {
		ch := gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: queueSize,
			// one message in flight per subscriber keeps delivery in publish order
			BlockPublishUntilSubscriberAck: true,
		}, logger)
		f := newFeed(ch, topic)
		f.local = ch
		log.Info().Str("module", "feed").Str("topic", topic).Msg("in-process lifecycle feed")
		return f, nil
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: rstream.DefaultMarshallerUnmarshaller{},
	}, logger)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	f := newFeed(pub, topic)
	f.redis = client
	log.Info().Str("module", "feed").Str("topic", topic).Str("redis", cfg.RedisAddr).Msg("redis lifecycle feed")
	return f, nil
}

// NewWithPublisher wraps an existing publisher.
func NewWithPublisher(pub message.Publisher, topic string) *Feed {
	return newFeed(pub, topic)
}

func newFeed(pub message.Publisher, topic string) *Feed {
	f := &Feed{
		pub:   pub,
		topic: topic,
		queue: make(chan Event, queueSize),
		done:  make(chan struct{}),
	}
	go f.loop()
	return f
}

func (f *Feed) Topic() string { return f.topic }

func (f *Feed) Notify(event string, id core.ConnectionID, attrs map[string]string) {
	ev := Event{Event: event, Conn: string(id), Attrs: attrs, At: time.Now().UTC()}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	select {
	case f.queue <- ev:
	default:
		log.Warn().Str("module", "feed").Str("event", event).Str("conn", string(id)).Msg("feed queue full, dropping")
	}
}

func (f *Feed) loop() {
	defer close(f.done)
	for ev := range f.queue {
		payload, err := json.Marshal(ev)
		if err != nil {
			log.Error().Err(err).Str("module", "feed").Msg("marshal event")
			continue
		}
		msg := message.NewMessage(watermill.NewUUID(), payload)
		msg.Metadata.Set("event", ev.Event)
		msg.Metadata.Set("conn", ev.Conn)
		if err := f.pub.Publish(f.topic, msg); err != nil {
			log.Error().Err(err).Str("module", "feed").Str("event", ev.Event).Msg("publish")
		}
	}
}

// Subscribe reads the in-process topic. Redis-backed feeds are consumed
// from Redis directly.
func (f *Feed) Subscribe(ctx context.Context) (<-chan *message.Message, error) {
	if f.local == nil {
		return nil, ErrNoLocalSubscriber
	}
	return f.local.Subscribe(ctx, f.topic)
}

// LogEvents logs every in-process event until ctx ends.
func (f *Feed) LogEvents(ctx context.Context) error {
	msgs, err := f.Subscribe(ctx)
	if err != nil {
		return err
	}
	for msg := range msgs {
		var ev Event
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			log.Warn().Err(err).Str("module", "feed").Msg("bad event payload")
		} else {
			log.Debug().Str("module", "feed").Str("event", ev.Event).Str("conn", ev.Conn).Interface("attrs", ev.Attrs).Msg("lifecycle")
		}
		msg.Ack()
	}
	return nil
}

// Close drains queued events, then closes the publisher.
func (f *Feed) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	close(f.queue)
	f.mu.Unlock()

	<-f.done
	err := f.pub.Close()
	if f.redis != nil {
		err = errors.Join(err, f.redis.Close())
	}
	return err
}

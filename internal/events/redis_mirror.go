package events

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisMirror republishes every committed event onto a Redis channel so
// external consumers can tail the world without touching the kernel.
// It is advisory: publish failures are logged and skipped, never
// propagated back into the commit path.
type RedisMirror struct {
	client  *redis.Client
	channel string
	sub     <-chan Event
	busID   string
	bus     *Bus
	doneCh  chan struct{}
	logger  *log.Logger
}

// StartRedisMirror connects, verifies the server with a ping, and
// begins draining a firehose subscription in the background.
func StartRedisMirror(addr, password string, db int, channel string, bus *Bus) (*RedisMirror, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	m := &RedisMirror{
		client:  client,
		channel: channel,
		busID:   "redis-mirror",
		bus:     bus,
		doneCh:  make(chan struct{}),
		logger:  log.New(log.Writer(), "[RedisMirror] ", log.LstdFlags),
	}
	m.sub = bus.Subscribe(m.busID, 256)
	go m.run()
	m.logger.Printf("🔌 mirroring events to redis %s channel %q", addr, channel)
	return m, nil
}

func (m *RedisMirror) run() {
	defer close(m.doneCh)
	for ev := range m.sub {
		payload, err := json.Marshal(ev)
		if err != nil {
			m.logger.Printf("⚠️  marshal event %d: %v", ev.Seq, err)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := m.client.Publish(ctx, m.channel, payload).Err(); err != nil {
			m.logger.Printf("⚠️  publish event %d: %v", ev.Seq, err)
		}
		cancel()
	}
}

// Close detaches from the bus and closes the connection.
func (m *RedisMirror) Close() error {
	m.bus.Unsubscribe(m.busID)
	<-m.doneCh
	return m.client.Close()
}

package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"paygate/pkg/logger"
)

// Hub fans a request's final status out to whoever is waiting on it.
type Hub interface {
	Publish(ctx context.Context, p *Payload) error
	Subscribe(ctx context.Context, requestID uuid.UUID) (*Subscription, error)
}

// Subscription delivers the final status on C. Callers read one value
// and Close.
type Subscription struct {
	C     <-chan *Payload
	close func()
	once  sync.Once
}

func (s *Subscription) Close() {
	s.once.Do(s.close)
}

func channelKey(id uuid.UUID) string { return "live:" + id.String() }
func lastKey(id uuid.UUID) string    { return "live:last:" + id.String() }

// RedisHub publishes over Redis pub/sub so any gateway instance can serve a
// subscriber. The last status is also stored for ttl, so a subscriber that
// connects just after publication still gets it.
type RedisHub struct {
	client *redis.Client
	ttl    time.Duration
	logger logger.Logger
}

func NewRedisHub(client *redis.Client, ttl time.Duration, log logger.Logger) *RedisHub {
	return &RedisHub{client: client, ttl: ttl, logger: log}
}

var _ Hub = (*RedisHub)(nil)

func (h *RedisHub) Publish(ctx context.Context, p *Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if err := h.client.Set(ctx, lastKey(p.RequestID), body, h.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store last status: %w", err)
	}
	if err := h.client.Publish(ctx, channelKey(p.RequestID), body).Err(); err != nil {
		return fmt.Errorf("failed to publish status: %w", err)
	}
	return nil
}

func (h *RedisHub) Subscribe(ctx context.Context, requestID uuid.UUID) (*Subscription, error) {
	ps := h.client.Subscribe(ctx, channelKey(requestID))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	out := make(chan *Payload, 1)
	done := make(chan struct{})
	sub := &Subscription{C: out, close: func() {
		close(done)
		ps.Close()
	}}

	// subscribed first, so a publish between here and the GET is not lost
	if raw, err := h.client.Get(ctx, lastKey(requestID)).Bytes(); err == nil {
		var p Payload
		if json.Unmarshal(raw, &p) == nil {
			out <- &p
			close(out)
			return sub, nil
		}
	}

	go func() {
		defer close(out)
		select {
		case msg, ok := <-ps.Channel():
			if !ok {
				return
			}
			var p Payload
			if err := json.Unmarshal([]byte(msg.Payload), &p); err != nil {
				h.logger.Warn("dropping malformed live status", map[string]interface{}{
					"request_id": requestID.String(),
					"error":      err.Error(),
				})
				return
			}
			out <- &p
		case <-done:
		case <-ctx.Done():
		}
	}()
	return sub, nil
}

// MemoryHub is a single-process Hub. Like RedisHub it keeps the last
// status of a request for ttl only.
type MemoryHub struct {
	mu   sync.Mutex
	subs map[uuid.UUID][]chan *Payload
	last map[uuid.UUID]lastStatus
	ttl  time.Duration
	now  func() time.Time
}

type lastStatus struct {
	payload *Payload
	expires time.Time
}

const defaultLastStatusTTL = 10 * time.Minute

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		subs: make(map[uuid.UUID][]chan *Payload),
		last: make(map[uuid.UUID]lastStatus),
		ttl:  defaultLastStatusTTL,
		now:  time.Now,
	}
}

var _ Hub = (*MemoryHub)(nil)

func (h *MemoryHub) Publish(_ context.Context, p *Payload) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.now()
	for id, l := range h.last {
		if !now.Before(l.expires) {
			delete(h.last, id)
		}
	}
	h.last[p.RequestID] = lastStatus{payload: p, expires: now.Add(h.ttl)}
	for _, ch := range h.subs[p.RequestID] {
		select {
		case ch <- p:
		default:
		}
	}
	return nil
}

// lastLocked returns the unexpired last status of requestID. h.mu must be held.
func (h *MemoryHub) lastLocked(requestID uuid.UUID) (*Payload, bool) {
	l, ok := h.last[requestID]
	if !ok {
		return nil, false
	}
	if !h.now().Before(l.expires) {
		delete(h.last, requestID)
		return nil, false
	}
	return l.payload, true
}

func (h *MemoryHub) Subscribe(_ context.Context, requestID uuid.UUID) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan *Payload, 1)
	if p, ok := h.lastLocked(requestID); ok {
		ch <- p
	}
	h.subs[requestID] = append(h.subs[requestID], ch)

	return &Subscription{C: ch, close: func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		list := h.subs[requestID]
		for i, c := range list {
			if c == ch {
				h.subs[requestID] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(h.subs[requestID]) == 0 {
			delete(h.subs, requestID)
		}
	}}, nil
}

// Published returns the last payload seen for requestID.
func (h *MemoryHub) Published(requestID uuid.UUID) (*Payload, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastLocked(requestID)
}

package notifier

import (
	"sync"
	"time"

	"github.com/nkkko/ply/internal/metrics"
	"github.com/rs/zerolog/log"
)

// Frame is a notification as it travels to stream clients
type Frame struct {
	Event   string    `json:"event"`
	Sender  string    `json:"sender,omitempty"`
	Payload any       `json:"payload,omitempty"`
	Time    time.Time `json:"time"`
}

// BroadcastBuffer batches frames and fans them out to subscriber channels
type BroadcastBuffer struct {
	bufferSize    int
	flushInterval time.Duration

	subscribers     map[string]chan *Frame
	subscribersLock sync.RWMutex

	currentBuffer     []*Frame
	currentBufferLock sync.Mutex

	forceFlush chan struct{}
	close      chan struct{}
	done       chan struct{}
	closeOnce  sync.Once

	metrics *metrics.Metrics
}

// NewBroadcastBuffer creates a broadcast buffer and starts its flush loop
func NewBroadcastBuffer(bufferSize int, flushInterval time.Duration) *BroadcastBuffer {
	b := &BroadcastBuffer{
		bufferSize:    bufferSize,
		flushInterval: flushInterval,
		subscribers:   make(map[string]chan *Frame),
		currentBuffer: make([]*Frame, 0, bufferSize),
		forceFlush:    make(chan struct{}, 1),
		close:         make(chan struct{}),
		done:          make(chan struct{}),
		metrics:       metrics.GetMetrics(),
	}

	go b.bufferFlushLoop()

	return b
}

// Subscribe adds a subscriber with the given channel capacity
func (b *BroadcastBuffer) Subscribe(id string, buffer int) chan *Frame {
	b.subscribersLock.Lock()
	defer b.subscribersLock.Unlock()

	channel := make(chan *Frame, buffer)
	b.subscribers[id] = channel

	b.metrics.StreamConnectionsActive.Inc()

	return channel
}

// Unsubscribe removes a subscriber and closes its channel
func (b *BroadcastBuffer) Unsubscribe(id string) {
	b.subscribersLock.Lock()
	defer b.subscribersLock.Unlock()

	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)

		b.metrics.StreamConnectionsActive.Dec()
	}
}

// Subscribers returns the number of current subscribers
func (b *BroadcastBuffer) Subscribers() int {
	b.subscribersLock.RLock()
	defer b.subscribersLock.RUnlock()
	return len(b.subscribers)
}

// Publish queues a frame for the next flush
func (b *BroadcastBuffer) Publish(frame *Frame) {
	b.currentBufferLock.Lock()
	defer b.currentBufferLock.Unlock()

	b.currentBuffer = append(b.currentBuffer, frame)

	if len(b.currentBuffer) >= b.bufferSize {
		select {
		case b.forceFlush <- struct{}{}:
		default:
			// a flush is already pending
		}
	}
}

func (b *BroadcastBuffer) bufferFlushLoop() {
	defer close(b.done)

	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.flush()
		case <-b.forceFlush:
			b.flush()
		case <-b.close:
			b.flush()
			return
		}
	}
}

// flush sends buffered frames to all subscribers without blocking
func (b *BroadcastBuffer) flush() {
	b.currentBufferLock.Lock()
	buffer := b.currentBuffer
	if len(buffer) == 0 {
		b.currentBufferLock.Unlock()
		return
	}
	b.currentBuffer = make([]*Frame, 0, b.bufferSize)
	b.currentBufferLock.Unlock()

	// Sends are non-blocking, so holding the read lock is short. It keeps
	// Unsubscribe from closing a channel mid-send.
	b.subscribersLock.RLock()
	defer b.subscribersLock.RUnlock()

	if len(b.subscribers) == 0 {
		return
	}

	start := time.Now()
	delivered := 0
	skipped := 0

	for id, ch := range b.subscribers {
		sent := 0
		for _, frame := range buffer {
			select {
			case ch <- frame:
				sent++
			default:
				skipped++
				if skipped > 100 {
					log.Warn().
						Str("subscriber_id", id).
						Int("dropped", skipped).
						Msg("Subscriber channel is full, dropping frames")
				}
			}
		}
		delivered += sent

		b.metrics.StreamFramesPublished.WithLabelValues("broadcast").Add(float64(sent))
	}

	delay := time.Since(start).Seconds()
	b.metrics.StreamFlushDelay.Observe(delay)

	if delay > 0.1 {
		log.Warn().
			Float64("delay_seconds", delay).
			Int("frames", len(buffer)).
			Int("subscribers", len(b.subscribers)).
			Int("delivered", delivered).
			Int("skipped", skipped).
			Msg("High latency in broadcast buffer flush")
	}
}

// Close flushes what is pending, stops the flush loop and closes every
// subscriber channel. It is safe to call more than once.
func (b *BroadcastBuffer) Close() error {
	b.closeOnce.Do(func() {
		close(b.close)
		<-b.done

		b.subscribersLock.Lock()
		defer b.subscribersLock.Unlock()

		for id, ch := range b.subscribers {
			close(ch)
			delete(b.subscribers, id)
			b.metrics.StreamConnectionsActive.Dec()
		}
	})
	return nil
}

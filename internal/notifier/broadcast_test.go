package notifier

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBroadcastBuffer(t *testing.T) {
	flushInterval := 50 * time.Millisecond
	buffer := NewBroadcastBuffer(10, flushInterval)
	defer buffer.Close()

	frame := &Frame{Event: "cart-updated", Sender: "cart", Payload: map[string]int{"items": 2}, Time: time.Now()}

	const numSubscribers = 5
	channels := make([]chan *Frame, numSubscribers)
	for i := 0; i < numSubscribers; i++ {
		channels[i] = buffer.Subscribe(fmt.Sprintf("subscriber-%d", i), 10)
	}
	assert.Equal(t, numSubscribers, buffer.Subscribers())

	buffer.Publish(frame)

	for i, ch := range channels {
		select {
		case received := <-ch:
			assert.Same(t, frame, received, "Subscriber %d should receive the frame", i)
		case <-time.After(flushInterval * 4):
			t.Errorf("Timeout waiting for subscriber %d", i)
		}
	}

	buffer.Unsubscribe("subscriber-0")
	_, open := <-channels[0]
	assert.False(t, open, "unsubscribed channel should be closed")

	second := &Frame{Event: "cart-cleared", Time: time.Now()}
	buffer.Publish(second)

	for i := 1; i < numSubscribers; i++ {
		select {
		case received := <-channels[i]:
			assert.Equal(t, "cart-cleared", received.Event, "Subscriber %d should receive second frame", i)
		case <-time.After(flushInterval * 4):
			t.Errorf("Timeout waiting for subscriber %d for second frame", i)
		}
	}
}

func TestBufferFlushTriggers(t *testing.T) {
	bufferSize := 5
	flushInterval := 50 * time.Millisecond
	buffer := NewBroadcastBuffer(bufferSize, flushInterval)
	defer buffer.Close()

	ch := buffer.Subscribe("test-client", 10)

	buffer.Publish(&Frame{Event: "interval"})
	select {
	case received := <-ch:
		assert.Equal(t, "interval", received.Event)
	case <-time.After(flushInterval * 3):
		t.Fatal("Timeout waiting for interval-based flush")
	}

	want := map[string]bool{}
	for i := 0; i < bufferSize; i++ {
		name := fmt.Sprintf("full-%d", i)
		want[name] = true
		buffer.Publish(&Frame{Event: name})
	}

	for i := 0; i < bufferSize; i++ {
		select {
		case received := <-ch:
			assert.True(t, want[received.Event], "unexpected frame %q", received.Event)
		case <-time.After(flushInterval * 3):
			t.Fatalf("Timeout waiting for buffer-full flush after receiving %d/%d frames", i, bufferSize)
		}
	}
}

func TestBufferChannelFull(t *testing.T) {
	flushInterval := 10 * time.Millisecond
	buffer := NewBroadcastBuffer(5, flushInterval)
	defer buffer.Close()

	ch := buffer.Subscribe("subscriber", 1)

	for i := 0; i < 5; i++ {
		buffer.Publish(&Frame{Event: fmt.Sprintf("overflow-%d", i)})
	}

	// The buffer must not block on a full subscriber; whatever fits arrives.
	select {
	case <-ch:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Should receive at least one frame")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	buffer := NewBroadcastBuffer(5, 10*time.Millisecond)
	ch := buffer.Subscribe("a", 1)

	assert.NoError(t, buffer.Close())
	assert.NoError(t, buffer.Close())

	_, open := <-ch
	assert.False(t, open)
	assert.Zero(t, buffer.Subscribers())
}

func BenchmarkBroadcastBuffer(b *testing.B) {
	frame := &Frame{Event: "bench", Payload: "payload", Time: time.Now()}

	benchCases := []struct {
		name         string
		bufferSize   int
		flushMs      int
		subscribers  int
		channelDepth int
	}{
		{"Small_1Sub", 10, 20, 1, 10},
		{"Small_10Subs", 10, 20, 10, 10},
		{"Medium_10Subs", 100, 50, 10, 100},
		{"Large_10Subs", 500, 100, 10, 500},
	}

	for _, bc := range benchCases {
		b.Run(bc.name, func(b *testing.B) {
			buffer := NewBroadcastBuffer(bc.bufferSize, time.Duration(bc.flushMs)*time.Millisecond)
			defer buffer.Close()

			var received int64
			var wg sync.WaitGroup
			for i := 0; i < bc.subscribers; i++ {
				ch := buffer.Subscribe(fmt.Sprintf("bench-sub-%d", i), bc.channelDepth)
				wg.Add(1)
				go func(ch <-chan *Frame) {
					defer wg.Done()
					for range ch {
						atomic.AddInt64(&received, 1)
					}
				}(ch)
			}

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				buffer.Publish(frame)
			}
			b.StopTimer()

			time.Sleep(time.Duration(bc.flushMs*2) * time.Millisecond)
			for i := 0; i < bc.subscribers; i++ {
				buffer.Unsubscribe(fmt.Sprintf("bench-sub-%d", i))
			}
			wg.Wait()

			total := int64(b.N * bc.subscribers)
			b.Logf("Received %d/%d frames (%.2f%%)", received, total, float64(received)/float64(total)*100)
		})
	}
}

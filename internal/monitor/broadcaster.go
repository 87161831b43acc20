package monitor

import (
	"sync"
	"sync/atomic"

	"github.com/satindergrewal/duplex/internal/audio"
)

// Broadcaster fans decoded frames out to any number of listeners.
// Publish never blocks: a listener that falls behind loses frames.
type Broadcaster struct {
	mu        sync.RWMutex
	listeners map[*Listener]struct{}
	closed    bool
}

// Listener receives frames from the broadcaster.
type Listener struct {
	C       chan audio.Frame
	done    chan struct{}
	once    sync.Once
	dropped atomic.Uint64
}

// Done is closed when the listener is unsubscribed or the broadcaster closes.
func (l *Listener) Done() <-chan struct{} { return l.done }

// Dropped counts frames skipped because C was full.
func (l *Listener) Dropped() uint64 { return l.dropped.Load() }

func (l *Listener) stop() { l.once.Do(func() { close(l.done) }) }

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{listeners: make(map[*Listener]struct{})}
}

// Subscribe registers a listener buffering up to depth frames. A closed
// broadcaster returns a listener that is already done.
func (b *Broadcaster) Subscribe(depth int) *Listener {
	l := &Listener{C: make(chan audio.Frame, depth), done: make(chan struct{})}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		l.stop()
		return l
	}
	b.listeners[l] = struct{}{}
	return l
}

// Unsubscribe removes l. It is safe to call more than once.
func (b *Broadcaster) Unsubscribe(l *Listener) {
	b.mu.Lock()
	delete(b.listeners, l)
	b.mu.Unlock()
	l.stop()
}

func (b *Broadcaster) ListenerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

// Publish hands frame to every listener. Listeners share the frame and
// must not modify it.
func (b *Broadcaster) Publish(frame audio.Frame) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for l := range b.listeners {
		select {
		case l.C <- frame:
		default:
			l.dropped.Add(1)
		}
	}
}

// Close ends every listener and rejects new ones.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for l := range b.listeners {
		l.stop()
		delete(b.listeners, l)
	}
}

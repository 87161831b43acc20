package device

import (
	"sync/atomic"

	"github.com/satindergrewal/duplex/internal/audio"
	"github.com/satindergrewal/duplex/internal/queue"
)

// Null is a device with no hardware behind it. As a source it produces
// nothing; as a sink it leaves frames in its queue for someone else to read.
// Headless peers and tests use it.
type Null struct {
	format  audio.Format
	queue   atomic.Pointer[queue.Queue[audio.Frame]]
	running atomic.Bool
}

var (
	_ Source = (*Null)(nil)
	_ Sink   = (*Null)(nil)
)

func NewNull(f audio.Format) *Null { return &Null{format: f} }

func (n *Null) Start() error {
	if n.queue.Load() == nil {
		return ErrNoQueue
	}
	n.running.Store(true)
	return nil
}

func (n *Null) Stop() error {
	n.running.Store(false)
	return nil
}

func (n *Null) Running() bool { return n.running.Load() }

func (n *Null) Format() audio.Format { return n.format }

func (n *Null) SetQueue(q *queue.Queue[audio.Frame]) { n.queue.Store(q) }

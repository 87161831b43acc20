// Package transport moves compressed audio packets over UDP. Sends and
// receive completions are serialized through a Loop; the socket is read by a
// single goroutine that is re-armed by each completion.
package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/satindergrewal/duplex/internal/audio"
	"github.com/satindergrewal/duplex/internal/metrics"
	"github.com/satindergrewal/duplex/internal/queue"
)

// Stats is a snapshot of transport counters.
type Stats struct {
	PacketsSent     uint64 `json:"packets_sent"`
	PacketsReceived uint64 `json:"packets_received"`
	BytesSent       uint64 `json:"bytes_sent"`
	BytesReceived   uint64 `json:"bytes_received"`
	SendErrors      uint64 `json:"send_errors"`
	ReceiveErrors   uint64 `json:"receive_errors"`
	Dropped         uint64 `json:"dropped"`
}

// Option configures a Transport.
type Option func(*Transport)

func WithLogger(l *slog.Logger) Option { return func(t *Transport) { t.logger = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(t *Transport) { t.metrics = m } }

// Transport is a fire-and-forget UDP endpoint for one remote peer.
type Transport struct {
	loop    *Loop
	logger  *slog.Logger
	metrics *metrics.Metrics

	conn     *net.UDPConn
	remote   atomic.Pointer[netip.AddrPort]
	incoming atomic.Pointer[queue.Queue[audio.Packet]]

	running   atomic.Bool
	receiving atomic.Bool
	closed    chan struct{}
	rearm     chan struct{}
	readers   sync.WaitGroup

	bufs     sync.Pool
	inflight atomic.Int64

	packetsSent     atomic.Uint64
	packetsReceived atomic.Uint64
	bytesSent       atomic.Uint64
	bytesReceived   atomic.Uint64
	sendErrors      atomic.Uint64
	receiveErrors   atomic.Uint64
	dropped         atomic.Uint64

	warn rate.Sometimes
}

// New creates an unbound transport whose completions run on loop.
func New(loop *Loop, opts ...Option) *Transport {
	t := &Transport{
		loop:   loop,
		logger: slog.Default(),
		closed: make(chan struct{}),
		rearm:  make(chan struct{}, 1),
		warn:   rate.Sometimes{First: 3, Interval: 5 * time.Second},
	}
	t.bufs.New = func() any {
		b := make([]byte, 0, audio.MaxPacketSize)
		return &b
	}
	for _, o := range opts {
		o(t)
	}
	t.metrics = metrics.OrNop(t.metrics)
	t.logger = t.logger.With("component", "transport")
	return t
}

// Bind opens the local socket on port. Port 0 picks a free port.
func (t *Transport) Bind(port int) error {
	if t.conn != nil {
		return &BindError{Port: port, Err: errors.New("already bound")}
	}
	if port < 0 || port > 65535 {
		return &BindError{Port: port, Err: errors.New("port out of range")}
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return &BindError{Port: port, Err: err}
	}
	t.conn = conn
	t.running.Store(true)
	t.logger.Info("udp socket bound", "addr", conn.LocalAddr().String())
	return nil
}

// LocalPort is the bound port, or 0 before Bind.
func (t *Transport) LocalPort() int {
	if t.conn == nil {
		return 0
	}
	return t.conn.LocalAddr().(*net.UDPAddr).Port
}

// SetRemote sets the destination for Send. A malformed address is logged
// and returned; the previous destination stays in effect.
func (t *Transport) SetRemote(host string, port int) error {
	addr, err := netip.ParseAddr(host)
	if err == nil && (port <= 0 || port > 65535) {
		err = errors.New("port out of range")
	}
	if err != nil {
		aerr := &AddressError{Host: host, Port: port, Err: err}
		t.logger.Error("invalid remote endpoint", "error", aerr)
		return aerr
	}
	ap := netip.AddrPortFrom(addr.Unmap(), uint16(port))
	t.remote.Store(&ap)
	t.logger.Info("remote endpoint set", "remote", ap.String())
	return nil
}

// Remote is the current destination, if any.
func (t *Transport) Remote() (netip.AddrPort, bool) {
	ap := t.remote.Load()
	if ap == nil {
		return netip.AddrPort{}, false
	}
	return *ap, true
}

// SetIncomingQueue sets where received datagrams are delivered.
func (t *Transport) SetIncomingQueue(q *queue.Queue[audio.Packet]) {
	t.incoming.Store(q)
}

func (t *Transport) Running() bool { return t.running.Load() }

// Send queues pkt for transmission and returns immediately. The transport
// works on its own copy, so the caller may reuse pkt at once. Failures are
// counted and logged, never returned.
func (t *Transport) Send(pkt audio.Packet) {
	if !t.running.Load() {
		return
	}
	to, ok := t.Remote()
	if !ok {
		t.warn.Do(func() { t.logger.Warn("send without remote endpoint, dropping packet") })
		return
	}

	buf := t.bufs.Get().(*[]byte)
	*buf = append((*buf)[:0], pkt...)
	t.inflight.Add(1)
	if !t.loop.Post(func() { t.handleSend(buf, to) }) {
		t.release(buf)
	}
}

func (t *Transport) handleSend(buf *[]byte, to netip.AddrPort) {
	defer t.release(buf)
	if !t.running.Load() {
		return
	}

	n, err := t.conn.WriteToUDPAddrPort(*buf, to)
	if err != nil {
		if t.cancelled(err) {
			t.logger.Debug("send cancelled", "error", err)
			return
		}
		t.sendErrors.Add(1)
		t.metrics.SendErrors.Inc()
		t.warn.Do(func() { t.logger.Warn("udp send failed", "remote", to.String(), "error", err) })
		return
	}
	t.packetsSent.Add(1)
	t.bytesSent.Add(uint64(n))
	t.metrics.PacketsSent.Inc()
	t.metrics.BytesSent.Add(float64(n))
}

// release returns a send buffer to the pool. Each buffer taken in Send
// reaches here exactly once.
func (t *Transport) release(buf *[]byte) {
	t.inflight.Add(-1)
	t.bufs.Put(buf)
}

// StartReceive arms the receive loop. Each completed receive re-arms it
// until Stop.
func (t *Transport) StartReceive() {
	if !t.running.Load() || !t.receiving.CompareAndSwap(false, true) {
		return
	}
	t.readers.Add(1)
	go t.readLoop()
	t.arm()
}

func (t *Transport) arm() {
	select {
	case t.rearm <- struct{}{}:
	default:
	}
}

// readLoop performs one read per arm and hands the result to the loop.
// The buffer is reused only after the completion has copied it out.
func (t *Transport) readLoop() {
	defer t.readers.Done()

	buf := make([]byte, audio.MaxPacketSize)
	for {
		select {
		case <-t.closed:
			return
		default:
		}
		select {
		case <-t.closed:
			return
		case <-t.rearm:
		}

		n, from, err := t.conn.ReadFromUDPAddrPort(buf)
		data := buf[:n]
		if !t.loop.Post(func() { t.handleReceive(data, from, err) }) {
			return
		}
	}
}

func (t *Transport) handleReceive(data []byte, from netip.AddrPort, err error) {
	if err != nil {
		if t.cancelled(err) {
			t.logger.Debug("receive cancelled", "error", err)
			return
		}
		t.receiveErrors.Add(1)
		t.metrics.ReceiveErrors.Inc()
		t.warn.Do(func() { t.logger.Warn("udp receive failed", "error", err) })
		t.arm()
		return
	}

	t.packetsReceived.Add(1)
	t.bytesReceived.Add(uint64(len(data)))
	t.metrics.PacketsReceived.Inc()
	t.metrics.BytesReceived.Add(float64(len(data)))

	pkt := make(audio.Packet, len(data))
	copy(pkt, data)

	if q := t.incoming.Load(); q == nil {
		t.dropped.Add(1)
		t.metrics.FramesDropped.WithLabelValues(metrics.DropNoQueue).Inc()
		t.warn.Do(func() { t.logger.Warn("no incoming queue, dropping packet", "from", from.String()) })
	} else if !q.Push(pkt) {
		t.dropped.Add(1)
		t.metrics.FramesDropped.WithLabelValues(metrics.DropShutdown).Inc()
	}

	if t.running.Load() {
		t.arm()
	}
}

// cancelled reports whether err is the result of Stop rather than an I/O fault.
func (t *Transport) cancelled(err error) bool {
	return !t.running.Load() || errors.Is(err, net.ErrClosed)
}

// Stop closes the socket and stops re-arming. It does not wait for
// in-flight completions; see Wait.
func (t *Transport) Stop() {
	if !t.running.CompareAndSwap(true, false) {
		return
	}
	close(t.closed)
	if err := t.conn.Close(); err != nil {
		t.logger.Warn("close udp socket", "error", err)
	}
	s := t.Stats()
	t.logger.Info("transport stopped",
		slog.Uint64("packets_sent", s.PacketsSent),
		slog.Uint64("packets_received", s.PacketsReceived),
		slog.Uint64("send_errors", s.SendErrors),
		slog.Uint64("receive_errors", s.ReceiveErrors),
		slog.Uint64("dropped", s.Dropped),
	)
}

// Wait blocks until the socket reader has exited. Call after Stop.
func (t *Transport) Wait() {
	t.readers.Wait()
}

// Stats returns a snapshot of the counters.
func (t *Transport) Stats() Stats {
	return Stats{
		PacketsSent:     t.packetsSent.Load(),
		PacketsReceived: t.packetsReceived.Load(),
		BytesSent:       t.bytesSent.Load(),
		BytesReceived:   t.bytesReceived.Load(),
		SendErrors:      t.sendErrors.Load(),
		ReceiveErrors:   t.receiveErrors.Load(),
		Dropped:         t.dropped.Load(),
	}
}

func (s Stats) String() string {
	return fmt.Sprintf("sent=%d/%dB recv=%d/%dB errors=%d/%d dropped=%d",
		s.PacketsSent, s.BytesSent, s.PacketsReceived, s.BytesReceived,
		s.SendErrors, s.ReceiveErrors, s.Dropped)
}

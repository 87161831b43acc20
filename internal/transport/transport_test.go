package transport

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/satindergrewal/duplex/internal/audio"
	"github.com/satindergrewal/duplex/internal/metrics"
	"github.com/satindergrewal/duplex/internal/queue"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestLoopRunsJobsInOrder(t *testing.T) {
	l := NewLoop()
	var got []int
	for i := range 10 {
		require.True(t, l.Post(func() { got = append(got, i) }))
	}
	assert.Equal(t, 10, l.Pending())

	l.Release()
	done := make(chan struct{})
	go func() {
		l.Run()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop did not exit after release")
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
}

func TestLoopStopRefusesPosts(t *testing.T) {
	l := NewLoop()
	ran := false
	require.True(t, l.Post(func() { ran = true }))
	l.Stop()
	assert.False(t, l.Post(func() { t.Error("posted after stop") }))

	l.Run()
	assert.True(t, ran, "queued job still runs")
}

func TestLoopBlocksWhileIdle(t *testing.T) {
	l := NewLoop()
	done := make(chan struct{})
	go func() {
		l.Run()
		close(done)
	}()

	ran := make(chan struct{})
	l.Post(func() { close(ran) })
	<-ran

	select {
	case <-done:
		t.Fatal("loop exited while kept alive")
	case <-time.After(20 * time.Millisecond):
	}
	l.Release()
	<-done
}

// peer is a bound transport with a running loop.
type peer struct {
	*Transport
	loop *Loop
	in   *queue.Queue[audio.Packet]
	wg   sync.WaitGroup
}

func newPeer(t *testing.T, opts ...Option) *peer {
	t.Helper()
	p := &peer{loop: NewLoop(), in: queue.New[audio.Packet]()}
	p.Transport = New(p.loop, append([]Option{WithLogger(discard)}, opts...)...)
	require.NoError(t, p.Bind(0))
	p.SetIncomingQueue(p.in)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.loop.Run()
	}()
	t.Cleanup(p.close)
	return p
}

func (p *peer) close() {
	p.in.Shutdown()
	p.Stop()
	p.loop.Release()
	p.loop.Stop()
	p.wg.Wait()
	p.Wait()
}

func connect(t *testing.T, a, b *peer) {
	t.Helper()
	require.NoError(t, a.SetRemote("127.0.0.1", b.LocalPort()))
	require.NoError(t, b.SetRemote("127.0.0.1", a.LocalPort()))
}

func TestBindConflict(t *testing.T) {
	a := newPeer(t)

	b := New(NewLoop(), WithLogger(discard))
	err := b.Bind(a.LocalPort())
	var bindErr *BindError
	require.ErrorAs(t, err, &bindErr)
	assert.Equal(t, a.LocalPort(), bindErr.Port)
	assert.NotNil(t, errors.Unwrap(err))
	assert.False(t, b.Running())

	assert.Error(t, a.Bind(0), "second bind on the same transport")
	assert.Error(t, New(NewLoop()).Bind(70000))
}

func TestSetRemoteKeepsPreviousOnError(t *testing.T) {
	tr := New(NewLoop(), WithLogger(discard))
	_, ok := tr.Remote()
	assert.False(t, ok)

	require.NoError(t, tr.SetRemote("127.0.0.1", 4000))
	for _, tc := range []struct {
		host string
		port int
	}{
		{"not-an-ip", 4000},
		{"300.1.1.1", 4000},
		{"", 4000},
		{"127.0.0.1", 0},
		{"127.0.0.1", 65536},
	} {
		err := tr.SetRemote(tc.host, tc.port)
		var addrErr *AddressError
		require.ErrorAs(t, err, &addrErr, "%s:%d", tc.host, tc.port)
		assert.Equal(t, tc.host, addrErr.Host)
	}

	got, ok := tr.Remote()
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1:4000", got.String())
}

func TestSendReceive(t *testing.T) {
	a, b := newPeer(t), newPeer(t)
	connect(t, a, b)
	b.StartReceive()

	const n = 50
	for i := range n {
		a.Send(audio.Packet{byte(i), 0xaa, 0xbb})
	}
	for i := range n {
		pkt, status := b.in.PopTimeout(2 * time.Second)
		require.Equal(t, queue.Popped, status, "packet %d", i)
		assert.Equal(t, audio.Packet{byte(i), 0xaa, 0xbb}, pkt)
	}

	require.Eventually(t, func() bool { return a.Stats().PacketsSent == n }, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(n*3), a.Stats().BytesSent)
	assert.Equal(t, uint64(n), b.Stats().PacketsReceived)
	assert.Zero(t, a.inflight.Load())
}

func TestSendCopiesPacket(t *testing.T) {
	a, b := newPeer(t), newPeer(t)
	connect(t, a, b)
	b.StartReceive()

	pkt := audio.Packet{1, 2, 3, 4}
	a.Send(pkt)
	pkt[0] = 9

	got, status := b.in.PopTimeout(2 * time.Second)
	require.Equal(t, queue.Popped, status)
	assert.Equal(t, audio.Packet{1, 2, 3, 4}, got)
}

func TestReceivedPacketsAreIndependent(t *testing.T) {
	a, b := newPeer(t), newPeer(t)
	connect(t, a, b)
	b.StartReceive()

	a.Send(audio.Packet{1, 1, 1})
	a.Send(audio.Packet{2, 2})
	first, _ := b.in.PopTimeout(2 * time.Second)
	second, _ := b.in.PopTimeout(2 * time.Second)
	assert.Equal(t, audio.Packet{1, 1, 1}, first)
	assert.Equal(t, audio.Packet{2, 2}, second)
}

func TestReceiveWithoutQueueDrops(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	a, b := newPeer(t), newPeer(t, WithMetrics(m))
	connect(t, a, b)
	b.SetIncomingQueue(nil)
	b.StartReceive()

	a.Send(audio.Packet{1})
	require.Eventually(t, func() bool { return b.Stats().Dropped == 1 }, 2*time.Second, 5*time.Millisecond)

	// The loop keeps receiving after a drop.
	b.SetIncomingQueue(b.in)
	a.Send(audio.Packet{2})
	got, status := b.in.PopTimeout(2 * time.Second)
	require.Equal(t, queue.Popped, status)
	assert.Equal(t, audio.Packet{2}, got)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FramesDropped.WithLabelValues(metrics.DropNoQueue)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.PacketsReceived))
}

func TestSendWithoutRemote(t *testing.T) {
	a := newPeer(t)
	a.Send(audio.Packet{1})
	assert.Zero(t, a.inflight.Load())
	assert.Zero(t, a.Stats().PacketsSent)
}

func TestStopIsIdempotentAndQuiet(t *testing.T) {
	a, b := newPeer(t), newPeer(t)
	connect(t, a, b)
	b.StartReceive()
	b.StartReceive()

	b.Stop()
	b.Stop()
	assert.False(t, b.Running())
	b.Wait()
	assert.Zero(t, b.Stats().ReceiveErrors, "shutdown is not a receive error")

	// Sends after stop are ignored.
	b.Send(audio.Packet{1})
	assert.Zero(t, b.inflight.Load())
}

func TestStopReleasesQueuedSends(t *testing.T) {
	l := NewLoop()
	tr := New(l, WithLogger(discard))
	require.NoError(t, tr.Bind(0))
	require.NoError(t, tr.SetRemote("127.0.0.1", 9))

	// Nothing runs the loop yet, so sends pile up.
	for range 5 {
		tr.Send(audio.Packet{1, 2})
	}
	assert.Equal(t, int64(5), tr.inflight.Load())

	tr.Stop()
	l.Stop()
	l.Run()
	assert.Zero(t, tr.inflight.Load())
	assert.Zero(t, tr.Stats().PacketsSent)
}

func TestSendAfterLoopStopped(t *testing.T) {
	l := NewLoop()
	tr := New(l, WithLogger(discard))
	require.NoError(t, tr.Bind(0))
	defer tr.Stop()
	require.NoError(t, tr.SetRemote("127.0.0.1", 9))

	l.Stop()
	tr.Send(audio.Packet{1})
	assert.Zero(t, tr.inflight.Load())
}

func TestStatsString(t *testing.T) {
	s := Stats{PacketsSent: 2, BytesSent: 10, PacketsReceived: 1, BytesReceived: 5, Dropped: 3}
	assert.Equal(t, "sent=2/10B recv=1/5B errors=0/0 dropped=3", s.String())
}

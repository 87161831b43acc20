package monitor

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/satindergrewal/duplex/internal/audio"
)

// streamHandler serves decoded audio as raw big-endian 16-bit PCM
// (audio/L16), playable with e.g. `ffplay -f s16be -ar 48000 -ac 2 URL`.
type streamHandler struct {
	broadcaster *Broadcaster
	format      audio.Format
	logger      *slog.Logger
	active      atomic.Int32
}

func (h *streamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	listener := h.broadcaster.Subscribe(50)
	defer h.broadcaster.Unsubscribe(listener)
	h.active.Add(1)
	defer h.active.Add(-1)

	w.Header().Set("Content-Type", fmt.Sprintf("audio/L16;rate=%d;channels=%d", h.format.SampleRate, h.format.Channels))
	w.Header().Set("Cache-Control", "no-cache, no-store")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.logger.Info("stream listener connected", "remote", r.RemoteAddr, "listeners", h.active.Load())
	defer func() {
		h.logger.Info("stream listener disconnected", "remote", r.RemoteAddr, "dropped", listener.Dropped())
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-listener.Done():
			return
		case frame := <-listener.C:
			if _, err := w.Write(audio.SamplesToBigEndian(frame)); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

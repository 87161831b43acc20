package monitor

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/satindergrewal/duplex/internal/audio"
	"github.com/satindergrewal/duplex/internal/codec"
)

// listenBitrate is higher than the call bitrate; the listener is local.
const listenBitrate = 64000

// webrtcHandler negotiates receive-only WebRTC peers that hear the decoded
// side of the call, re-encoded with their own Opus encoder.
type webrtcHandler struct {
	broadcaster *Broadcaster
	format      audio.Format
	logger      *slog.Logger

	mu    sync.Mutex
	peers map[*webrtc.PeerConnection]struct{}
	wg    sync.WaitGroup
}

func newWebRTCHandler(b *Broadcaster, f audio.Format, logger *slog.Logger) *webrtcHandler {
	return &webrtcHandler{
		broadcaster: b,
		format:      f,
		logger:      logger,
		peers:       make(map[*webrtc.PeerConnection]struct{}),
	}
}

func (h *webrtcHandler) PeerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

func (h *webrtcHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}

	var offer webrtc.SessionDescription
	if err := json.NewDecoder(r.Body).Decode(&offer); err != nil {
		http.Error(w, "invalid SDP offer", http.StatusBadRequest)
		return
	}

	enc, err := codec.New(h.format, codec.Config{Application: codec.AppAudio, Bitrate: listenBitrate, Complexity: codec.DefaultComplexity})
	if err != nil {
		http.Error(w, "create encoder failed", http.StatusInternalServerError)
		return
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		http.Error(w, "create peer connection failed", http.StatusInternalServerError)
		return
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: uint16(h.format.Channels)},
		"audio",
		"duplex-monitor",
	)
	if err != nil {
		pc.Close()
		http.Error(w, "create audio track failed", http.StatusInternalServerError)
		return
	}
	if _, err := pc.AddTrack(track); err != nil {
		pc.Close()
		http.Error(w, "add track failed", http.StatusInternalServerError)
		return
	}
	if err := pc.SetRemoteDescription(offer); err != nil {
		pc.Close()
		http.Error(w, "set remote description failed", http.StatusBadRequest)
		return
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		http.Error(w, "create answer failed", http.StatusInternalServerError)
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		http.Error(w, "set local description failed", http.StatusInternalServerError)
		return
	}

	select {
	case <-webrtc.GatheringCompletePromise(pc):
	case <-r.Context().Done():
		pc.Close()
		return
	}

	listener := h.broadcaster.Subscribe(25)
	h.mu.Lock()
	h.peers[pc] = struct{}{}
	h.mu.Unlock()
	h.logger.Info("webrtc peer connected", "peers", h.PeerCount())

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		switch s {
		case webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateClosed,
			webrtc.PeerConnectionStateDisconnected:
			h.broadcaster.Unsubscribe(listener)
		}
	})

	h.wg.Add(1)
	go h.streamToPeer(pc, track, enc, listener)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	json.NewEncoder(w).Encode(pc.LocalDescription()) //nolint:errcheck
}

func (h *webrtcHandler) streamToPeer(pc *webrtc.PeerConnection, track *webrtc.TrackLocalStaticSample, enc *codec.Opus, l *Listener) {
	defer h.wg.Done()
	defer func() {
		h.broadcaster.Unsubscribe(l)
		h.removePeer(pc)
		pc.Close()
		h.logger.Info("webrtc peer disconnected", "peers", h.PeerCount(), "dropped", l.Dropped())
	}()

	for {
		select {
		case <-l.Done():
			return
		case frame := <-l.C:
			pkt, err := enc.Encode(frame)
			if err != nil {
				h.logger.Debug("webrtc encode failed", "error", err)
				continue
			}
			if err := track.WriteSample(media.Sample{Data: pkt, Duration: h.format.FrameDuration()}); err != nil {
				return
			}
		}
	}
}

func (h *webrtcHandler) removePeer(pc *webrtc.PeerConnection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.peers, pc)
}

// wait blocks until every peer sender has exited. Closing the broadcaster
// ends them.
func (h *webrtcHandler) wait() {
	h.wg.Wait()
}

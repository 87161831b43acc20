package pipeline

import (
	"time"

	"github.com/satindergrewal/duplex/internal/transport"
)

// Status is a point-in-time view of a session.
type Status struct {
	Session   string           `json:"session"`
	State     string           `json:"state"`
	Mode      string           `json:"mode"`
	Format    string           `json:"format"`
	Uptime    float64          `json:"uptime_seconds"`
	Queues    map[string]int   `json:"queues"`
	LocalPort int              `json:"local_port,omitempty"`
	Remote    string           `json:"remote,omitempty"`
	Transport *transport.Stats `json:"transport,omitempty"`
}

// Status reports the session state. It is safe to call at any time.
func (p *Pipeline) Status() Status {
	s := Status{
		Session: p.session,
		State:   p.State().String(),
		Mode:    p.mode(),
		Format:  p.cfg.Format.String(),
		Queues: map[string]int{
			"captured": p.captured.Len(),
			"encoded":  p.encoded.Len(),
			"incoming": p.incoming.Len(),
			"decoded":  p.decoded.Len(),
		},
	}
	if started := p.started.Load(); started != 0 && p.State() == StateRunning {
		s.Uptime = time.Since(time.Unix(0, started)).Seconds()
	}
	if p.transport != nil {
		stats := p.transport.Stats()
		s.Transport = &stats
		s.LocalPort = p.transport.LocalPort()
		if remote, ok := p.transport.Remote(); ok {
			s.Remote = remote.String()
		}
	}
	return s
}

func (p *Pipeline) mode() string {
	if p.cfg.Network {
		return "network"
	}
	return "loopback"
}

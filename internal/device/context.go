package device

import (
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"

	"github.com/gen2brain/malgo"
)

// The audio backend is process-wide; capture and playback share one
// context and the last release tears it down.
var (
	ctxMu   sync.Mutex
	ctxRefs int
	shared  *malgo.AllocatedContext

	// backends is consulted when the shared context is first created.
	backends = platformBackends()
)

func platformBackends() []malgo.Backend {
	switch runtime.GOOS {
	case "linux":
		return []malgo.Backend{malgo.BackendAlsa}
	case "windows":
		return []malgo.Backend{malgo.BackendWasapi}
	case "darwin":
		return []malgo.Backend{malgo.BackendCoreaudio}
	}
	return nil
}

// acquireContext returns the shared backend context, creating it on first use.
func acquireContext(logger *slog.Logger) (*malgo.AllocatedContext, error) {
	ctxMu.Lock()
	defer ctxMu.Unlock()

	if shared == nil {
		ctx, err := malgo.InitContext(backends, malgo.ContextConfig{}, func(message string) {
			logger.Debug("miniaudio", "message", strings.TrimSpace(message))
		})
		if err != nil {
			return nil, fmt.Errorf("init audio context: %w", err)
		}
		shared = ctx
		logger.Debug("audio context initialized")
	}
	ctxRefs++
	return shared, nil
}

// releaseContext drops one reference and uninitializes the context when
// none remain.
func releaseContext() error {
	ctxMu.Lock()
	defer ctxMu.Unlock()

	if ctxRefs == 0 {
		return nil
	}
	ctxRefs--
	if ctxRefs > 0 {
		return nil
	}

	ctx := shared
	shared = nil
	if err := ctx.Uninit(); err != nil {
		return fmt.Errorf("uninit audio context: %w", err)
	}
	ctx.Free()
	return nil
}

func contextRefs() int {
	ctxMu.Lock()
	defer ctxMu.Unlock()
	return ctxRefs
}

// Info describes one device known to the backend.
type Info struct {
	Kind    string
	Name    string
	Default bool
}

// List enumerates capture and playback devices.
func List(logger *slog.Logger) ([]Info, error) {
	ctx, err := acquireContext(logger)
	if err != nil {
		return nil, err
	}
	defer releaseContext() //nolint:errcheck

	var out []Info
	for _, kind := range []struct {
		name string
		typ  malgo.DeviceType
	}{{"capture", malgo.Capture}, {"playback", malgo.Playback}} {
		infos, err := ctx.Devices(kind.typ)
		if err != nil {
			return nil, fmt.Errorf("list %s devices: %w", kind.name, err)
		}
		for _, info := range infos {
			out = append(out, Info{Kind: kind.name, Name: info.Name(), Default: info.IsDefault == 1})
		}
	}
	return out, nil
}

// findDevice picks the device whose name contains want. An empty or
// "default" name selects the backend default, reported as nil.
func findDevice(ctx *malgo.AllocatedContext, typ malgo.DeviceType, want string) (*malgo.DeviceInfo, error) {
	if want == "" || want == "default" {
		return nil, nil
	}
	infos, err := ctx.Devices(typ)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	for i := range infos {
		if strings.Contains(infos[i].Name(), want) {
			return &infos[i], nil
		}
	}
	return nil, fmt.Errorf("no audio device matching %q", want)
}

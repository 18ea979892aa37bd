package media

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Track is a local track fed by a Source. The embedded sample track can be
// bound to any number of peer connections at once. Disabling a track drops
// samples instead of touching the connection, so mute/unmute never renegotiates.
type Track struct {
	*webrtc.TrackLocalStaticSample

	src     Source
	enabled atomic.Bool
	stopped atomic.Bool
	done    chan struct{}

	mu       sync.Mutex
	ended    bool
	endErr   error
	onEnded  []func(error)
	stopOnce sync.Once
}

// NewTrack wraps src and starts pumping its samples.
func NewTrack(src Source, streamID string) (*Track, error) {
	local, err := webrtc.NewTrackLocalStaticSample(src.Codec(), uuid.NewString(), streamID)
	if err != nil {
		return nil, err
	}
	t := &Track{
		TrackLocalStaticSample: local,
		src:                    src,
		done:                   make(chan struct{}),
	}
	t.enabled.Store(true)
	go t.pump()
	return t, nil
}

func (t *Track) Enabled() bool { return t.enabled.Load() }

func (t *Track) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

// Ended reports whether the track can no longer produce media, either because
// it was stopped or because its source ended.
func (t *Track) Ended() bool {
	if t.stopped.Load() {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ended
}

// OnEnded registers fn to run once when the source ends out of band. It is not
// called for Stop. Registering after the end runs fn right away.
func (t *Track) OnEnded(fn func(error)) {
	t.mu.Lock()
	if t.ended {
		err := t.endErr
		t.mu.Unlock()
		go fn(err)
		return
	}
	t.onEnded = append(t.onEnded, fn)
	t.mu.Unlock()
}

// Stop releases the source. Safe to call more than once.
func (t *Track) Stop() {
	t.stopOnce.Do(func() {
		t.stopped.Store(true)
		if err := t.src.Close(); err != nil {
			log.Debug().Err(err).Str("track", t.ID()).Msg("close source")
		}
	})
}

// Done is closed when the pump goroutine has exited.
func (t *Track) Done() <-chan struct{} { return t.done }

func (t *Track) pump() {
	defer close(t.done)
	for {
		sample, err := t.src.ReadSample()
		if err != nil {
			if !t.stopped.Load() {
				t.end(err)
			}
			return
		}
		if !t.enabled.Load() {
			continue
		}
		if err := t.WriteSample(sample); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			log.Debug().Err(err).Str("track", t.ID()).Msg("write sample")
		}
	}
}

func (t *Track) end(err error) {
	t.mu.Lock()
	if t.ended {
		t.mu.Unlock()
		return
	}
	t.ended = true
	t.endErr = err
	handlers := t.onEnded
	t.onEnded = nil
	t.mu.Unlock()

	log.Info().Str("track", t.ID()).Str("kind", t.Kind().String()).Err(err).Msg("local track ended")
	for _, fn := range handlers {
		fn(err)
	}
}

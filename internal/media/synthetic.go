package media

import (
	"context"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// Capability names one capture device of the synthetic device.
type Capability string

const (
	Camera     Capability = "camera"
	Microphone Capability = "microphone"
	Screen     Capability = "screen"
)

var (
	vp8Codec  = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	opusCodec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
)

// SyntheticDevice is a fake camera, microphone and screen that emit
// placeholder frames at a fixed rate. Permissions and availability can be
// switched off per capability, and live sources can be ended out of band.
type SyntheticDevice struct {
	mu      sync.Mutex
	denied  map[Capability]bool
	missing map[Capability]bool
	opened  map[Capability]int
	live    map[Capability][]*syntheticSource
}

func NewSyntheticDevice() *SyntheticDevice {
	return &SyntheticDevice{
		denied:  make(map[Capability]bool),
		missing: make(map[Capability]bool),
		opened:  make(map[Capability]int),
		live:    make(map[Capability][]*syntheticSource),
	}
}

// Deny makes subsequent requests for c fail with ErrPermissionDenied.
func (d *SyntheticDevice) Deny(c Capability, denied bool) {
	d.mu.Lock()
	d.denied[c] = denied
	d.mu.Unlock()
}

// Unplug makes subsequent requests for c fail with ErrNoDevice.
func (d *SyntheticDevice) Unplug(c Capability, missing bool) {
	d.mu.Lock()
	d.missing[c] = missing
	d.mu.Unlock()
}

// End terminates every live source of c as if the user stopped it from the
// operating system.
func (d *SyntheticDevice) End(c Capability) {
	d.mu.Lock()
	live := d.live[c]
	d.live[c] = nil
	d.mu.Unlock()
	for _, s := range live {
		s.finish(ErrSourceEnded)
	}
}

// Opened returns how many sources of c have been handed out.
func (d *SyntheticDevice) Opened(c Capability) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opened[c]
}

func (d *SyntheticDevice) UserMedia(ctx context.Context, kind webrtc.RTPCodecType) (Source, error) {
	switch kind {
	case webrtc.RTPCodecTypeVideo:
		return d.open(ctx, Camera, kind, vp8Codec, 33*time.Millisecond, 1200)
	case webrtc.RTPCodecTypeAudio:
		return d.open(ctx, Microphone, kind, opusCodec, 20*time.Millisecond, 80)
	}
	return nil, ErrNoDevice
}

func (d *SyntheticDevice) DisplayMedia(ctx context.Context) (Source, error) {
	return d.open(ctx, Screen, webrtc.RTPCodecTypeVideo, vp8Codec, 66*time.Millisecond, 4000)
}

func (d *SyntheticDevice) open(ctx context.Context, c Capability, kind webrtc.RTPCodecType, codec webrtc.RTPCodecCapability, interval time.Duration, size int) (Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.denied[c] {
		return nil, ErrPermissionDenied
	}
	if d.missing[c] {
		return nil, ErrNoDevice
	}
	s := &syntheticSource{
		device:   d,
		cap:      c,
		kind:     kind,
		codec:    codec,
		interval: interval,
		payload:  make([]byte, size),
		closed:   make(chan struct{}),
	}
	d.opened[c]++
	d.live[c] = append(d.live[c], s)
	return s, nil
}

func (d *SyntheticDevice) forget(s *syntheticSource) {
	d.mu.Lock()
	defer d.mu.Unlock()
	live := d.live[s.cap]
	for i, l := range live {
		if l == s {
			d.live[s.cap] = append(live[:i], live[i+1:]...)
			return
		}
	}
}

type syntheticSource struct {
	device   *SyntheticDevice
	cap      Capability
	kind     webrtc.RTPCodecType
	codec    webrtc.RTPCodecCapability
	interval time.Duration
	payload  []byte

	once   sync.Once
	err    error
	closed chan struct{}
}

func (s *syntheticSource) Kind() webrtc.RTPCodecType { return s.kind }

func (s *syntheticSource) Codec() webrtc.RTPCodecCapability { return s.codec }

func (s *syntheticSource) ReadSample() (pionmedia.Sample, error) {
	timer := time.NewTimer(s.interval)
	defer timer.Stop()
	select {
	case <-s.closed:
		return pionmedia.Sample{}, s.err
	case <-timer.C:
		return pionmedia.Sample{Data: s.payload, Duration: s.interval}, nil
	}
}

func (s *syntheticSource) Close() error {
	s.finish(ErrSourceEnded)
	s.device.forget(s)
	return nil
}

func (s *syntheticSource) finish(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.closed)
	})
}

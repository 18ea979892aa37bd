package media

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

func newTestManager(t *testing.T) (*Manager, *SyntheticDevice) {
	t.Helper()
	dev := NewSyntheticDevice()
	m := NewManager(dev)
	t.Cleanup(m.Release)
	return m, dev
}

func TestAcquire(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	stream, err := m.Acquire(ctx, true, true)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if len(stream.VideoTracks()) != 1 || len(stream.AudioTracks()) != 1 {
		t.Fatalf("stream has %d video and %d audio tracks, want 1 and 1", len(stream.VideoTracks()), len(stream.AudioTracks()))
	}
	if got := m.State(); got != (State{VideoEnabled: true, AudioEnabled: true}) {
		t.Fatalf("State() = %+v", got)
	}
	if m.ActiveOutboundStream() != stream {
		t.Fatal("camera stream is not the active outbound stream")
	}
	for _, tr := range stream.Tracks() {
		if tr.StreamID() != m.StreamID() {
			t.Errorf("track %s announced under %q, want %q", tr.ID(), tr.StreamID(), m.StreamID())
		}
	}

	again, err := m.Acquire(ctx, true, true)
	if err != nil {
		t.Fatalf("second Acquire() error = %v", err)
	}
	for _, tr := range stream.Tracks() {
		if !tr.Ended() {
			t.Errorf("previous %s track still live after reacquire", tr.Kind())
		}
	}
	if again.ID() == stream.ID() {
		t.Error("reacquire returned the same stream")
	}
}

func TestAcquireFailureKeepsState(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(*SyntheticDevice)
		wantErr error
	}{
		{"permission denied", func(d *SyntheticDevice) { d.Deny(Camera, true) }, ErrPermissionDenied},
		{"no microphone", func(d *SyntheticDevice) { d.Unplug(Microphone, true) }, ErrNoDevice},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, dev := newTestManager(t)
			ctx := context.Background()
			before, err := m.Acquire(ctx, false, true)
			if err != nil {
				t.Fatalf("Acquire() error = %v", err)
			}

			tt.setup(dev)
			_, err = m.Acquire(ctx, true, true)
			var accessErr *MediaAccessError
			if !errors.As(err, &accessErr) {
				t.Fatalf("Acquire() error = %v, want *MediaAccessError", err)
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Acquire() error = %v, want %v", err, tt.wantErr)
			}
			if m.CameraStream() != before {
				t.Error("camera stream replaced after failed acquire")
			}
			if got := m.State(); got != (State{AudioEnabled: true}) {
				t.Errorf("State() = %+v after failure", got)
			}
			if !errors.Is(m.Err(), tt.wantErr) {
				t.Errorf("Err() = %v", m.Err())
			}
			if before.Track(webrtc.RTPCodecTypeAudio).Ended() {
				t.Error("previous audio track stopped by failed acquire")
			}
		})
	}
}

func TestFailedReacquireKeepsHeldTracks(t *testing.T) {
	m, dev := newTestManager(t)
	ctx := context.Background()
	before, err := m.Acquire(ctx, true, true)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	// the camera opens, then the microphone is refused
	dev.Deny(Microphone, true)
	if _, err := m.Acquire(ctx, true, true); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("Acquire() error = %v, want ErrPermissionDenied", err)
	}
	for _, tr := range before.Tracks() {
		if tr.Ended() {
			t.Errorf("held %s track stopped by failed reacquire", tr.Kind())
		}
	}
	if m.ActiveOutboundStream() != before {
		t.Error("outbound stream replaced after failed reacquire")
	}
	if got := m.State(); got != (State{VideoEnabled: true, AudioEnabled: true}) {
		t.Errorf("State() = %+v after failure", got)
	}
}

func TestToggleInPlace(t *testing.T) {
	m, dev := newTestManager(t)
	ctx := context.Background()
	stream, err := m.Acquire(ctx, true, true)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	enabled, err := m.ToggleAudio(ctx)
	if err != nil || enabled {
		t.Fatalf("ToggleAudio() = %v, %v; want false, nil", enabled, err)
	}
	if stream.Track(webrtc.RTPCodecTypeAudio).Enabled() {
		t.Error("audio track still enabled")
	}
	if m.CameraStream() != stream {
		t.Error("toggle replaced the stream")
	}
	enabled, err = m.ToggleAudio(ctx)
	if err != nil || !enabled {
		t.Fatalf("ToggleAudio() = %v, %v; want true, nil", enabled, err)
	}
	if dev.Opened(Microphone) != 1 {
		t.Errorf("microphone opened %d times, want 1", dev.Opened(Microphone))
	}
}

func TestToggleVideoOnAudioOnlyStream(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	audioOnly, err := m.Acquire(ctx, false, true)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	audio := audioOnly.Track(webrtc.RTPCodecTypeAudio)

	enabled, err := m.ToggleVideo(ctx)
	if err != nil || !enabled {
		t.Fatalf("ToggleVideo() = %v, %v; want true, nil", enabled, err)
	}
	stream := m.CameraStream()
	if n := len(stream.VideoTracks()); n != 1 {
		t.Fatalf("stream has %d video tracks, want 1", n)
	}
	if !stream.Track(webrtc.RTPCodecTypeVideo).Enabled() {
		t.Error("new video track is disabled")
	}
	if got := stream.AudioTracks(); len(got) != 1 || got[0] != audio {
		t.Error("audio track was replaced")
	}
	if audio.Ended() {
		t.Error("original audio track stopped")
	}
	if !m.State().VideoEnabled {
		t.Error("state reports video off")
	}
}

func TestAsyncTogglesKeepCallOrder(t *testing.T) {
	m, _ := newTestManager(t)
	if _, err := m.Acquire(context.Background(), false, true); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	// video: add, off, on, off; audio: off, on, off
	results := []<-chan ToggleResult{
		m.ToggleVideoAsync(),
		m.ToggleAudioAsync(),
		m.ToggleVideoAsync(),
		m.ToggleAudioAsync(),
		m.ToggleVideoAsync(),
		m.ToggleAudioAsync(),
		m.ToggleVideoAsync(),
	}
	want := []bool{true, false, false, true, true, false, false}
	for i, ch := range results {
		select {
		case r := <-ch:
			if r.Err != nil {
				t.Fatalf("toggle %d error = %v", i, r.Err)
			}
			if r.Enabled != want[i] {
				t.Errorf("toggle %d = %v, want %v", i, r.Enabled, want[i])
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("toggle %d did not complete", i)
		}
	}

	if got := m.State(); got.VideoEnabled || got.AudioEnabled {
		t.Fatalf("State() = %+v, want video and audio off", got)
	}
	stream := m.CameraStream()
	if stream.Track(webrtc.RTPCodecTypeVideo).Enabled() || stream.Track(webrtc.RTPCodecTypeAudio).Enabled() {
		t.Fatal("track enabled flags disagree with the last toggles")
	}
}

func TestScreenShare(t *testing.T) {
	m, dev := newTestManager(t)
	ctx := context.Background()
	camera, err := m.Acquire(ctx, true, true)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	audio := camera.Track(webrtc.RTPCodecTypeAudio)

	screen, err := m.StartScreenShare(ctx)
	if err != nil {
		t.Fatalf("StartScreenShare() error = %v", err)
	}
	if m.ActiveOutboundStream() != screen {
		t.Fatal("screen stream is not the active outbound stream")
	}
	if screen.Track(webrtc.RTPCodecTypeAudio) != audio {
		t.Error("screen stream does not carry the microphone track")
	}
	if !camera.Track(webrtc.RTPCodecTypeVideo).Ended() {
		t.Error("camera video kept open while sharing")
	}

	if err := m.StopScreenShare(ctx); err != nil {
		t.Fatalf("StopScreenShare() error = %v", err)
	}
	if m.State().ScreenSharing || m.ScreenStream() != nil {
		t.Fatal("still sharing after StopScreenShare")
	}
	resumed := m.ActiveOutboundStream()
	if resumed.Track(webrtc.RTPCodecTypeVideo) == nil {
		t.Fatal("camera not resumed")
	}
	if resumed.Track(webrtc.RTPCodecTypeAudio) != audio {
		t.Error("microphone track replaced by screen share")
	}
	if dev.Opened(Camera) != 2 {
		t.Errorf("camera opened %d times, want 2", dev.Opened(Camera))
	}
}

func TestScreenShareEndedOutOfBand(t *testing.T) {
	m, dev := newTestManager(t)
	ctx := context.Background()
	if _, err := m.Acquire(ctx, true, true); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if _, err := m.StartScreenShare(ctx); err != nil {
		t.Fatalf("StartScreenShare() error = %v", err)
	}

	changes := make(chan Change, 16)
	cancel := m.OnChange(func(c Change) { changes <- c })
	defer cancel()

	dev.End(Screen)

	deadline := time.After(5 * time.Second)
	for {
		select {
		case c := <-changes:
			if c.State.ScreenSharing {
				continue
			}
			if c.Stream.Track(webrtc.RTPCodecTypeVideo) == nil {
				continue
			}
			if !c.State.VideoEnabled {
				t.Fatalf("State = %+v after resume", c.State)
			}
			if dev.Opened(Camera) != 2 {
				t.Fatalf("camera opened %d times, want 2", dev.Opened(Camera))
			}
			return
		case <-deadline:
			t.Fatalf("camera not reacquired, state %+v", m.State())
		}
	}
}

func TestScreenShareEndedWithVideoOff(t *testing.T) {
	m, dev := newTestManager(t)
	ctx := context.Background()
	if _, err := m.Acquire(ctx, false, true); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if _, err := m.StartScreenShare(ctx); err != nil {
		t.Fatalf("StartScreenShare() error = %v", err)
	}

	done := make(chan struct{})
	cancel := m.OnChange(func(c Change) {
		if !c.State.ScreenSharing {
			close(done)
		}
	})
	defer cancel()
	dev.End(Screen)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("screen end not detected")
	}
	if dev.Opened(Camera) != 0 {
		t.Errorf("camera opened %d times with video off", dev.Opened(Camera))
	}
}

func TestScreenShareDenied(t *testing.T) {
	m, dev := newTestManager(t)
	ctx := context.Background()
	camera, err := m.Acquire(ctx, true, true)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	dev.Deny(Screen, true)

	if _, err := m.StartScreenShare(ctx); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("StartScreenShare() error = %v, want permission denied", err)
	}
	if m.State().ScreenSharing || m.ActiveOutboundStream() != camera {
		t.Fatal("failed screen share changed the outbound stream")
	}
}

func TestRelease(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	camera, err := m.Acquire(ctx, true, true)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	screen, err := m.StartScreenShare(ctx)
	if err != nil {
		t.Fatalf("StartScreenShare() error = %v", err)
	}

	m.Release()

	if got := m.State(); got != (State{}) {
		t.Fatalf("State() = %+v after Release", got)
	}
	for _, tr := range append(camera.Tracks(), screen.Tracks()...) {
		if !tr.Ended() {
			t.Errorf("%s track still live", tr.Kind())
		}
	}
	if m.ActiveOutboundStream() != nil {
		t.Error("outbound stream kept after Release")
	}
}

func TestTrackDropsSamplesWhileDisabled(t *testing.T) {
	dev := NewSyntheticDevice()
	src, err := dev.UserMedia(context.Background(), webrtc.RTPCodecTypeAudio)
	if err != nil {
		t.Fatalf("UserMedia() error = %v", err)
	}
	track, err := NewTrack(src, "s")
	if err != nil {
		t.Fatalf("NewTrack() error = %v", err)
	}
	track.SetEnabled(false)

	ended := make(chan struct{}, 1)
	track.OnEnded(func(error) { ended <- struct{}{} })
	track.Stop()

	select {
	case <-track.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("pump did not exit after Stop")
	}
	select {
	case <-ended:
		t.Fatal("OnEnded fired for Stop")
	default:
	}
	if !track.Ended() {
		t.Fatal("Ended() = false after Stop")
	}
}

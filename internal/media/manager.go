package media

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// State is the local media state shown to the room.
type State struct {
	VideoEnabled  bool `json:"videoEnabled"`
	AudioEnabled  bool `json:"audioEnabled"`
	ScreenSharing bool `json:"screenSharing"`
}

// Change is delivered to OnChange handlers after every operation that
// touched the local media, successful or not.
type Change struct {
	State  State
	Stream *Stream // active outbound stream
	Err    error
}

// ToggleResult is the outcome of an asynchronous toggle.
type ToggleResult struct {
	Enabled bool
	Err     error
}

// Manager owns the camera stream and the screen-share stream. Operations run
// one at a time in the order they were issued.
type Manager struct {
	device   Device
	streamID string
	queue    opQueue

	mu     sync.RWMutex
	state  State
	camera *Stream
	screen *Stream
	err    error

	listenersMu sync.Mutex
	listeners   map[int]func(Change)
	nextID      int
}

func NewManager(device Device) *Manager {
	return &Manager{
		device:    device,
		streamID:  uuid.NewString(),
		listeners: make(map[int]func(Change)),
	}
}

// StreamID is the msid every local track is announced under.
func (m *Manager) StreamID() string { return m.streamID }

func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Err returns the error of the last failed operation, cleared by the next
// successful one.
func (m *Manager) Err() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.err
}

func (m *Manager) CameraStream() *Stream {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.camera
}

func (m *Manager) ScreenStream() *Stream {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.screen
}

// ActiveOutboundStream returns the screen-share stream while sharing, else
// the camera stream.
func (m *Manager) ActiveOutboundStream() *Stream {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeLocked()
}

func (m *Manager) activeLocked() *Stream {
	if m.state.ScreenSharing && m.screen != nil {
		return m.screen
	}
	return m.camera
}

// OnChange registers fn for every state change. Handlers run on the
// goroutine performing the operation and must not call Manager operations
// synchronously.
func (m *Manager) OnChange(fn func(Change)) (cancel func()) {
	m.listenersMu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.listenersMu.Unlock()
	return func() {
		m.listenersMu.Lock()
		delete(m.listeners, id)
		m.listenersMu.Unlock()
	}
}

func (m *Manager) notify() {
	m.mu.RLock()
	c := Change{State: m.state, Stream: m.activeLocked(), Err: m.err}
	m.mu.RUnlock()

	m.listenersMu.Lock()
	fns := make([]func(Change), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.listenersMu.Unlock()
	for _, fn := range fns {
		fn(c)
	}
}

// Acquire opens the camera and/or microphone and makes the result the camera
// stream. The previous camera stream is stopped once the new one is ready.
// On failure the previous stream and state are kept.
func (m *Manager) Acquire(ctx context.Context, video, audio bool) (*Stream, error) {
	t := m.queue.reserve()
	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	defer t.done()
	return m.acquire(ctx, video, audio)
}

func (m *Manager) acquire(ctx context.Context, video, audio bool) (*Stream, error) {
	var tracks []*Track
	for _, want := range []struct {
		kind webrtc.RTPCodecType
		on   bool
	}{{webrtc.RTPCodecTypeVideo, video}, {webrtc.RTPCodecTypeAudio, audio}} {
		if !want.on {
			continue
		}
		if m.state.ScreenSharing && want.kind == webrtc.RTPCodecTypeVideo {
			// camera is reopened when sharing stops
			continue
		}
		track, err := m.openUser(ctx, "acquire", want.kind)
		if err != nil {
			for _, t := range tracks {
				t.Stop()
			}
			return nil, m.fail(err)
		}
		tracks = append(tracks, track)
	}

	stream := NewStream(tracks...)
	m.mu.Lock()
	old := m.camera
	m.camera = stream
	m.state.VideoEnabled = video
	m.state.AudioEnabled = audio
	if m.screen != nil {
		m.screen = NewStream(m.screen.Track(webrtc.RTPCodecTypeVideo), stream.Track(webrtc.RTPCodecTypeAudio))
	}
	m.err = nil
	m.mu.Unlock()

	old.stop()
	log.Info().Bool("video", video).Bool("audio", audio).Str("stream", stream.ID()).Msg("local media acquired")
	m.notify()
	return stream, nil
}

// openUser opens a camera or microphone track. Tracks the manager already
// holds are left running; on failure the caller keeps them.
func (m *Manager) openUser(ctx context.Context, op string, kind webrtc.RTPCodecType) (*Track, error) {
	src, err := m.device.UserMedia(ctx, kind)
	if err != nil {
		return nil, &MediaAccessError{Op: op, Kind: kindName(kind), Err: err}
	}
	track, err := NewTrack(src, m.streamID)
	if err != nil {
		_ = src.Close()
		return nil, &MediaAccessError{Op: op, Kind: kindName(kind), Err: err}
	}
	return track, nil
}

func (m *Manager) fail(err error) error {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
	log.Warn().Err(err).Msg("local media operation failed")
	m.notify()
	return err
}

func (m *Manager) ToggleVideo(ctx context.Context) (bool, error) {
	return m.toggleNow(ctx, webrtc.RTPCodecTypeVideo)
}

func (m *Manager) ToggleAudio(ctx context.Context) (bool, error) {
	return m.toggleNow(ctx, webrtc.RTPCodecTypeAudio)
}

// ToggleVideoAsync queues a video toggle and returns without waiting for it.
// Toggles queued this way run in call order.
func (m *Manager) ToggleVideoAsync() <-chan ToggleResult {
	return m.toggleAsync(webrtc.RTPCodecTypeVideo)
}

func (m *Manager) ToggleAudioAsync() <-chan ToggleResult {
	return m.toggleAsync(webrtc.RTPCodecTypeAudio)
}

func (m *Manager) toggleNow(ctx context.Context, kind webrtc.RTPCodecType) (bool, error) {
	t := m.queue.reserve()
	if err := t.wait(ctx); err != nil {
		return false, err
	}
	defer t.done()
	return m.toggle(ctx, kind)
}

func (m *Manager) toggleAsync(kind webrtc.RTPCodecType) <-chan ToggleResult {
	out := make(chan ToggleResult, 1)
	t := m.queue.reserve()
	go func() {
		ctx := context.Background()
		_ = t.wait(ctx)
		enabled, err := m.toggle(ctx, kind)
		t.done()
		out <- ToggleResult{Enabled: enabled, Err: err}
	}()
	return out
}

func (m *Manager) toggle(ctx context.Context, kind webrtc.RTPCodecType) (bool, error) {
	if kind == webrtc.RTPCodecTypeVideo && m.State().ScreenSharing {
		m.mu.Lock()
		m.state.VideoEnabled = !m.state.VideoEnabled
		enabled := m.state.VideoEnabled
		m.err = nil
		m.mu.Unlock()
		m.notify()
		return enabled, nil
	}

	camera := m.CameraStream()
	if held := camera.Track(kind); held != nil && !held.Ended() {
		enabled := !held.Enabled()
		held.SetEnabled(enabled)
		m.mu.Lock()
		m.setKindLocked(kind, enabled)
		m.err = nil
		m.mu.Unlock()
		log.Debug().Str("kind", kindName(kind)).Bool("enabled", enabled).Msg("track toggled")
		m.notify()
		return enabled, nil
	}

	track, err := m.openUser(ctx, "toggle", kind)
	if err != nil {
		return false, m.fail(err)
	}
	var tracks []*Track
	var stale *Track
	for _, t := range camera.Tracks() {
		if t.Kind() == kind {
			stale = t
			continue
		}
		tracks = append(tracks, t)
	}
	tracks = append(tracks, track)
	stream := NewStream(tracks...)

	m.mu.Lock()
	m.camera = stream
	m.setKindLocked(kind, true)
	if m.screen != nil && kind == webrtc.RTPCodecTypeAudio {
		m.screen = NewStream(m.screen.Track(webrtc.RTPCodecTypeVideo), track)
	}
	m.err = nil
	m.mu.Unlock()

	if stale != nil {
		stale.Stop()
	}
	log.Info().Str("kind", kindName(kind)).Str("stream", stream.ID()).Msg("track added to local stream")
	m.notify()
	return true, nil
}

func (m *Manager) setKindLocked(kind webrtc.RTPCodecType, enabled bool) {
	if kind == webrtc.RTPCodecTypeVideo {
		m.state.VideoEnabled = enabled
	} else {
		m.state.AudioEnabled = enabled
	}
}

// StartScreenShare captures the display and makes it the outbound stream.
// The screen stream carries the microphone track of the camera stream. The
// camera video track is released while sharing and reopened afterwards if
// video is still enabled.
func (m *Manager) StartScreenShare(ctx context.Context) (*Stream, error) {
	t := m.queue.reserve()
	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	defer t.done()

	if s := m.ScreenStream(); s != nil {
		return s, nil
	}
	src, err := m.device.DisplayMedia(ctx)
	if err != nil {
		return nil, m.fail(&MediaAccessError{Op: "screen", Kind: "video", Err: err})
	}
	display, err := NewTrack(src, m.streamID)
	if err != nil {
		_ = src.Close()
		return nil, m.fail(&MediaAccessError{Op: "screen", Kind: "video", Err: err})
	}

	camera := m.CameraStream()
	audio := camera.Track(webrtc.RTPCodecTypeAudio)
	screen := NewStream(display, audio)

	m.mu.Lock()
	m.screen = screen
	m.state.ScreenSharing = true
	if cam := camera.Track(webrtc.RTPCodecTypeVideo); cam != nil {
		m.camera = NewStream(audio)
		defer cam.Stop()
	}
	m.err = nil
	m.mu.Unlock()

	display.OnEnded(func(error) { m.screenEnded(display) })
	log.Info().Str("stream", screen.ID()).Msg("screen share started")
	m.notify()
	return screen, nil
}

// StopScreenShare ends sharing and resumes the camera if video is enabled.
func (m *Manager) StopScreenShare(ctx context.Context) error {
	t := m.queue.reserve()
	if err := t.wait(ctx); err != nil {
		return err
	}
	defer t.done()
	return m.stopScreen(ctx)
}

// screenEnded runs when the display source ends out of band.
func (m *Manager) screenEnded(display *Track) {
	t := m.queue.reserve()
	go func() {
		ctx := context.Background()
		_ = t.wait(ctx)
		defer t.done()
		if m.ScreenStream().Track(webrtc.RTPCodecTypeVideo) != display {
			return
		}
		log.Info().Msg("screen share ended outside the app")
		_ = m.stopScreen(ctx)
	}()
}

func (m *Manager) stopScreen(ctx context.Context) error {
	m.mu.Lock()
	screen := m.screen
	if screen == nil {
		m.mu.Unlock()
		return nil
	}
	m.screen = nil
	m.state.ScreenSharing = false
	resume := m.state.VideoEnabled
	m.mu.Unlock()

	if display := screen.Track(webrtc.RTPCodecTypeVideo); display != nil {
		display.Stop()
	}
	log.Info().Bool("resumeCamera", resume).Msg("screen share stopped")

	if !resume || m.CameraStream().Track(webrtc.RTPCodecTypeVideo) != nil {
		m.notify()
		return nil
	}
	track, err := m.openUser(ctx, "resume", webrtc.RTPCodecTypeVideo)
	if err != nil {
		m.mu.Lock()
		m.state.VideoEnabled = false
		m.mu.Unlock()
		return m.fail(err)
	}
	m.mu.Lock()
	m.camera = NewStream(track, m.camera.Track(webrtc.RTPCodecTypeAudio))
	m.err = nil
	m.mu.Unlock()
	m.notify()
	return nil
}

// Release stops every track and resets the state.
func (m *Manager) Release() {
	t := m.queue.reserve()
	_ = t.wait(context.Background())
	defer t.done()

	m.mu.Lock()
	camera, screen := m.camera, m.screen
	m.camera, m.screen = nil, nil
	m.state = State{}
	m.err = nil
	m.mu.Unlock()

	screen.stop()
	camera.stop()
	log.Info().Msg("local media released")
	m.notify()
}

// opQueue runs operations one at a time in reservation order. Reserving is
// separate from waiting so a caller can take its place in line and return.
type opQueue struct {
	mu   sync.Mutex
	tail chan struct{}
}

type ticket struct {
	prev chan struct{}
	mine chan struct{}
}

func (q *opQueue) reserve() ticket {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.tail == nil {
		q.tail = make(chan struct{})
		close(q.tail)
	}
	t := ticket{prev: q.tail, mine: make(chan struct{})}
	q.tail = t.mine
	return t
}

// wait blocks until every earlier ticket is done. If ctx ends first the
// ticket gives up its turn and done must not be called.
func (t ticket) wait(ctx context.Context) error {
	select {
	case <-t.prev:
		return nil
	case <-ctx.Done():
		go func() {
			<-t.prev
			close(t.mine)
		}()
		return ctx.Err()
	}
}

func (t ticket) done() { close(t.mine) }

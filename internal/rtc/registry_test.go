package rtc

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/mossy-p/webrtc-meet/internal/media"
	"github.com/pion/webrtc/v4"
)

type signal struct {
	from, to  string
	kind      string
	sdp       webrtc.SessionDescription
	candidate webrtc.ICECandidateInit
}

// recorder is a Signaler that keeps everything it is asked to send and
// optionally forwards it to a bus.
type recorder struct {
	self string
	bus  chan<- signal

	mu       sync.Mutex
	sent     []signal
	offerErr error
}

func (s *recorder) record(sig signal) error {
	sig.from = s.self
	s.mu.Lock()
	s.sent = append(s.sent, sig)
	s.mu.Unlock()
	if s.bus != nil {
		s.bus <- sig
	}
	return nil
}

func (s *recorder) SendOffer(peer string, offer webrtc.SessionDescription) error {
	s.mu.Lock()
	err := s.offerErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.record(signal{to: peer, kind: "offer", sdp: offer})
}

// failOffers makes every SendOffer fail with err until called with nil.
func (s *recorder) failOffers(err error) {
	s.mu.Lock()
	s.offerErr = err
	s.mu.Unlock()
}

func (s *recorder) SendAnswer(peer string, answer webrtc.SessionDescription) error {
	return s.record(signal{to: peer, kind: "answer", sdp: answer})
}

func (s *recorder) SendCandidate(peer string, c webrtc.ICECandidateInit) error {
	return s.record(signal{to: peer, kind: "candidate", candidate: c})
}

func (s *recorder) count(kind string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sig := range s.sent {
		if sig.kind == kind {
			n++
		}
	}
	return n
}

func (s *recorder) last(kind string) (signal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.sent) - 1; i >= 0; i-- {
		if s.sent[i].kind == kind {
			return s.sent[i], true
		}
	}
	return signal{}, false
}

func testAPI(t *testing.T) *webrtc.API {
	t.Helper()
	api, err := NewAPI(APIOptions{LoopbackOnly: true})
	if err != nil {
		t.Fatalf("NewAPI() error = %v", err)
	}
	return api
}

func newTestRegistry(t *testing.T, self string, bus chan<- signal) (*Registry, *recorder) {
	t.Helper()
	rec := &recorder{self: self, bus: bus}
	r, err := NewRegistry(Options{API: testAPI(t), Signaler: rec})
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	t.Cleanup(r.Close)
	return r, rec
}

func localStream(t *testing.T, video, audio bool) (*media.Manager, *media.Stream) {
	t.Helper()
	m := media.NewManager(media.NewSyntheticDevice())
	t.Cleanup(m.Release)
	s, err := m.Acquire(context.Background(), video, audio)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	return m, s
}

// connect wires registries through an in-order bus, the way a signaling
// server relays for one room.
func connect(t *testing.T, regs map[string]*Registry) chan<- signal {
	t.Helper()
	bus := make(chan signal, 1024)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ctx := context.Background()
		for sig := range bus {
			r := regs[sig.to]
			if r == nil {
				continue
			}
			switch sig.kind {
			case "offer":
				_ = r.HandleOffer(ctx, sig.from, sig.sdp)
			case "answer":
				_ = r.HandleAnswer(ctx, sig.from, sig.sdp)
			case "candidate":
				_ = r.HandleCandidate(ctx, sig.from, sig.candidate)
			}
		}
	}()
	t.Cleanup(func() {
		close(bus)
		<-done
	})
	return bus
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func stable(r *Registry, peer string) func() bool {
	return func() bool {
		info, ok := r.Link(peer)
		return ok && info.SignalingState == webrtc.SignalingStateStable.String() && !info.Negotiating
	}
}

func fakeCandidate(port int) webrtc.ICECandidateInit {
	mid := "0"
	idx := uint16(0)
	return webrtc.ICECandidateInit{
		Candidate:     "candidate:1 1 udp 2130706431 127.0.0.1 " + strconv.Itoa(port) + " typ host",
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}
}

// pair builds registries a and b connected through a bus, each sending a
// camera+mic stream.
func pair(t *testing.T) (a, b *Registry, recA, recB *recorder) {
	t.Helper()
	regs := map[string]*Registry{}
	bus := connect(t, regs)
	a, recA = newTestRegistry(t, "a", bus)
	b, recB = newTestRegistry(t, "b", bus)
	regs["a"], regs["b"] = a, b

	ctx := context.Background()
	_, sa := localStream(t, true, true)
	_, sb := localStream(t, true, true)
	if err := a.ApplyLocalStream(ctx, sa); err != nil {
		t.Fatalf("ApplyLocalStream(a) error = %v", err)
	}
	if err := b.ApplyLocalStream(ctx, sb); err != nil {
		t.Fatalf("ApplyLocalStream(b) error = %v", err)
	}
	return a, b, recA, recB
}

func TestOfferAnswerReachesStable(t *testing.T) {
	a, b, recA, recB := pair(t)

	if err := a.CreateOffer(context.Background(), "b"); err != nil {
		t.Fatalf("CreateOffer() error = %v", err)
	}
	waitFor(t, 5*time.Second, "a stable", stable(a, "b"))
	waitFor(t, 5*time.Second, "b stable", stable(b, "a"))

	if n := recA.count("offer"); n != 1 {
		t.Errorf("a sent %d offers, want 1", n)
	}
	if n := recB.count("answer"); n != 1 {
		t.Errorf("b sent %d answers, want 1", n)
	}
	if len(a.Links()) != 1 || len(b.Links()) != 1 {
		t.Fatalf("links: a=%d b=%d, want 1 each", len(a.Links()), len(b.Links()))
	}

	if testing.Short() {
		t.Skip("skipping media flow in short mode")
	}
	waitFor(t, 20*time.Second, "media from b at a", func() bool {
		s := a.RemoteStreams()["b"]
		return s != nil && s.Packets() > 0
	})
	waitFor(t, 20*time.Second, "media from a at b", func() bool {
		s := b.RemoteStreams()["a"]
		return s != nil && s.Packets() > 0
	})
	if n := recA.count("offer"); n != 1 {
		t.Errorf("a sent %d offers after connecting, want 1", n)
	}
}

func TestApplyLocalStreamIsIdempotent(t *testing.T) {
	a, b, recA, _ := pair(t)
	ctx := context.Background()
	if err := a.CreateOffer(ctx, "b"); err != nil {
		t.Fatalf("CreateOffer() error = %v", err)
	}
	waitFor(t, 5*time.Second, "a stable", stable(a, "b"))
	waitFor(t, 5*time.Second, "b stable", stable(b, "a"))

	mgr, stream := localStream(t, true, true)
	for i := 0; i < 2; i++ {
		if err := a.ApplyLocalStream(ctx, stream); err != nil {
			t.Fatalf("ApplyLocalStream() #%d error = %v", i, err)
		}
	}
	// a replacement video track and a stream without audio are swapped in
	// place on the existing senders
	next, err := mgr.Acquire(ctx, true, true)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if err := a.ApplyLocalStream(ctx, next); err != nil {
		t.Fatalf("ApplyLocalStream(next) error = %v", err)
	}
	if err := a.ApplyLocalStream(ctx, media.NewStream(next.Track(webrtc.RTPCodecTypeVideo))); err != nil {
		t.Fatalf("ApplyLocalStream(video only) error = %v", err)
	}
	time.Sleep(300 * time.Millisecond)

	if n := recA.count("offer"); n != 1 {
		t.Fatalf("a sent %d offers, want 1", n)
	}
	info, _ := a.Link("b")
	if info.Negotiating {
		t.Error("link negotiating after in-place track changes")
	}
	if !info.Senders["video"] || info.Senders["audio"] {
		t.Errorf("senders = %v, want video only", info.Senders)
	}

	// restoring audio reuses the audio sender
	if err := a.ApplyLocalStream(ctx, next); err != nil {
		t.Fatalf("ApplyLocalStream(restore) error = %v", err)
	}
	info, _ = a.Link("b")
	if !info.Senders["audio"] {
		t.Error("audio sender not restored")
	}
	if n := recA.count("offer"); n != 1 {
		t.Fatalf("a sent %d offers after restoring audio, want 1", n)
	}
}

func TestCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	ctx := context.Background()
	a, recA := newTestRegistry(t, "a", nil)
	b, recB := newTestRegistry(t, "b", nil)
	var mu sync.Mutex
	applied := map[*Registry][]string{}
	for _, r := range []*Registry{a, b} {
		r := r
		r.appliedHook = func(_ string, c webrtc.ICECandidateInit) {
			mu.Lock()
			applied[r] = append(applied[r], c.Candidate)
			mu.Unlock()
		}
	}
	appliedOrder := func(r *Registry, ports ...int) {
		t.Helper()
		mu.Lock()
		defer mu.Unlock()
		got := applied[r]
		if len(got) != len(ports) {
			t.Fatalf("applied %d candidates, want %d", len(got), len(ports))
		}
		for i, port := range ports {
			if want := fakeCandidate(port).Candidate; got[i] != want {
				t.Fatalf("candidate #%d = %q, want %q", i, got[i], want)
			}
		}
	}

	_, sa := localStream(t, true, true)
	if err := a.ApplyLocalStream(ctx, sa); err != nil {
		t.Fatalf("ApplyLocalStream() error = %v", err)
	}

	if err := a.CreateOffer(ctx, "b"); err != nil {
		t.Fatalf("CreateOffer() error = %v", err)
	}
	offer, ok := recA.last("offer")
	if !ok {
		t.Fatal("no offer sent")
	}

	// candidates for b before b has any link are held
	for port := 50001; port <= 50002; port++ {
		if err := b.HandleCandidate(ctx, "a", fakeCandidate(port)); err != nil {
			t.Fatalf("HandleCandidate() error = %v", err)
		}
	}
	if len(b.Links()) != 0 {
		t.Fatal("candidate created a link")
	}

	// candidates for a arrive before the answer
	for port := 50011; port <= 50013; port++ {
		if err := a.HandleCandidate(ctx, "b", fakeCandidate(port)); err != nil {
			t.Fatalf("HandleCandidate() error = %v", err)
		}
	}
	info, _ := a.Link("b")
	if info.PendingCandidates != 3 || info.AppliedCandidates != 0 {
		t.Fatalf("a pending=%d applied=%d, want 3 and 0", info.PendingCandidates, info.AppliedCandidates)
	}

	if err := b.HandleOffer(ctx, "a", offer.sdp); err != nil {
		t.Fatalf("HandleOffer() error = %v", err)
	}
	info, _ = b.Link("a")
	if info.PendingCandidates != 0 || info.AppliedCandidates != 2 {
		t.Fatalf("b pending=%d applied=%d, want 0 and 2", info.PendingCandidates, info.AppliedCandidates)
	}
	appliedOrder(b, 50001, 50002)

	answer, ok := recB.last("answer")
	if !ok {
		t.Fatal("no answer sent")
	}
	if err := a.HandleAnswer(ctx, "b", answer.sdp); err != nil {
		t.Fatalf("HandleAnswer() error = %v", err)
	}
	info, _ = a.Link("b")
	if info.PendingCandidates != 0 || info.AppliedCandidates != 3 {
		t.Fatalf("a pending=%d applied=%d, want 0 and 3", info.PendingCandidates, info.AppliedCandidates)
	}
	appliedOrder(a, 50011, 50012, 50013)

	// once the remote description is set, candidates apply immediately
	if err := a.HandleCandidate(ctx, "b", fakeCandidate(50014)); err != nil {
		t.Fatalf("HandleCandidate() error = %v", err)
	}
	waitFor(t, time.Second, "candidate applied", func() bool {
		info, _ := a.Link("b")
		return info.AppliedCandidates == 4
	})
	appliedOrder(a, 50011, 50012, 50013, 50014)
}

func TestStaleAnswerIsDropped(t *testing.T) {
	ctx := context.Background()
	a, recA := newTestRegistry(t, "a", nil)
	b, recB := newTestRegistry(t, "b", nil)

	if err := a.CreateOffer(ctx, "b"); err != nil {
		t.Fatalf("CreateOffer() error = %v", err)
	}
	offer, _ := recA.last("offer")
	if err := b.HandleOffer(ctx, "a", offer.sdp); err != nil {
		t.Fatalf("HandleOffer() error = %v", err)
	}
	answer, _ := recB.last("answer")

	if err := a.HandleAnswer(ctx, "nobody", answer.sdp); err != nil {
		t.Fatalf("answer without link: error = %v", err)
	}
	if err := a.HandleAnswer(ctx, "b", answer.sdp); err != nil {
		t.Fatalf("HandleAnswer() error = %v", err)
	}
	if err := a.HandleAnswer(ctx, "b", answer.sdp); err != nil {
		t.Fatalf("duplicate answer: error = %v", err)
	}
	if n := a.StaleAnswers(); n != 2 {
		t.Fatalf("StaleAnswers() = %d, want 2", n)
	}
	if info, ok := a.Link("b"); !ok || info.SignalingState != webrtc.SignalingStateStable.String() {
		t.Fatalf("link after duplicate answer = %+v, %v", info, ok)
	}
}

func TestCreateOfferReplacesLink(t *testing.T) {
	ctx := context.Background()
	a, recA := newTestRegistry(t, "a", nil)

	var created, closed int
	var mu sync.Mutex
	cancel := a.Subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		switch e.Type {
		case LinkCreated:
			created++
		case LinkClosed:
			closed++
		}
	})
	defer cancel()

	if err := a.CreateOffer(ctx, "b"); err != nil {
		t.Fatalf("CreateOffer() error = %v", err)
	}
	first, _ := a.Link("b")
	if err := a.CreateOffer(ctx, "b"); err != nil {
		t.Fatalf("second CreateOffer() error = %v", err)
	}
	second, _ := a.Link("b")

	if n := len(a.Links()); n != 1 {
		t.Fatalf("%d links for one peer", n)
	}
	if second.Generation <= first.Generation {
		t.Fatalf("generation %d not newer than %d", second.Generation, first.Generation)
	}
	if n := recA.count("offer"); n != 2 {
		t.Fatalf("%d offers sent, want 2", n)
	}
	mu.Lock()
	defer mu.Unlock()
	if created != 2 || closed != 1 {
		t.Fatalf("created=%d closed=%d, want 2 and 1", created, closed)
	}
}

func TestEveryOfferGetsFreshLink(t *testing.T) {
	ctx := context.Background()
	a, recA := newTestRegistry(t, "a", nil)
	b, recB := newTestRegistry(t, "b", nil)
	_, sb := localStream(t, true, true)
	if err := b.ApplyLocalStream(ctx, sb); err != nil {
		t.Fatalf("ApplyLocalStream() error = %v", err)
	}

	if err := a.CreateOffer(ctx, "b"); err != nil {
		t.Fatalf("CreateOffer() error = %v", err)
	}
	offer, _ := recA.last("offer")
	if err := b.HandleOffer(ctx, "a", offer.sdp); err != nil {
		t.Fatalf("HandleOffer() error = %v", err)
	}
	first, _ := b.Link("a")

	// the same offer again
	if err := b.HandleOffer(ctx, "a", offer.sdp); err != nil {
		t.Fatalf("HandleOffer(duplicate) error = %v", err)
	}
	second, _ := b.Link("a")
	if second.Generation <= first.Generation {
		t.Fatal("duplicate offer answered on the old link")
	}
	if n := recB.count("answer"); n != 2 {
		t.Fatalf("b sent %d answers, want 2", n)
	}

	// b is waiting on its own offer when a offers again
	if err := b.do(ctx, func() error { return b.offer(b.links["a"], nil) }); err != nil {
		t.Fatalf("offer from b error = %v", err)
	}
	if info, _ := b.Link("a"); info.SignalingState != webrtc.SignalingStateHaveLocalOffer.String() {
		t.Fatalf("b signaling state = %s, want have-local-offer", info.SignalingState)
	}
	if err := a.CreateOffer(ctx, "b"); err != nil {
		t.Fatalf("CreateOffer() error = %v", err)
	}
	reoffer, _ := recA.last("offer")
	if err := b.HandleOffer(ctx, "a", reoffer.sdp); err != nil {
		t.Fatalf("HandleOffer(glare) error = %v", err)
	}
	third, _ := b.Link("a")
	if third.Generation <= second.Generation {
		t.Fatal("offer during glare reused the old link")
	}
	if third.SignalingState != webrtc.SignalingStateStable.String() {
		t.Fatalf("b signaling state = %s, want stable", third.SignalingState)
	}
	if n := recB.count("answer"); n != 3 {
		t.Fatalf("b sent %d answers, want 3", n)
	}
	if n := len(b.Links()); n != 1 {
		t.Fatalf("%d links for one peer", n)
	}
}

func TestRenegotiationAnsweredFromFreshLinkReconnects(t *testing.T) {
	ctx := context.Background()
	a, b, recA, recB := pair(t)
	if err := a.CreateOffer(ctx, "b"); err != nil {
		t.Fatalf("CreateOffer() error = %v", err)
	}
	waitFor(t, 5*time.Second, "a stable", stable(a, "b"))
	waitFor(t, 5*time.Second, "b stable", stable(b, "a"))
	before, _ := a.Link("b")

	// b answers the renegotiation from a new peer connection, so a starts over
	if err := a.do(ctx, func() error { return a.offer(a.links["b"], nil) }); err != nil {
		t.Fatalf("renegotiation offer error = %v", err)
	}
	waitFor(t, 5*time.Second, "offer on a rebuilt link", func() bool { return recA.count("offer") == 3 })
	waitFor(t, 5*time.Second, "a stable", stable(a, "b"))
	waitFor(t, 5*time.Second, "b stable", stable(b, "a"))

	after, _ := a.Link("b")
	if after.Generation <= before.Generation {
		t.Fatal("a kept the link b replaced")
	}
	if n := recB.count("answer"); n != 3 {
		t.Fatalf("b sent %d answers, want 3", n)
	}
	if len(a.Links()) != 1 || len(b.Links()) != 1 {
		t.Fatalf("links: a=%d b=%d, want 1 each", len(a.Links()), len(b.Links()))
	}
}

func TestNegotiationSkippedWhilePending(t *testing.T) {
	ctx := context.Background()
	a, recA := newTestRegistry(t, "a", nil)
	b, recB := newTestRegistry(t, "b", nil)
	_, sa := localStream(t, true, true)
	if err := a.ApplyLocalStream(ctx, sa); err != nil {
		t.Fatalf("ApplyLocalStream() error = %v", err)
	}
	if err := a.CreateOffer(ctx, "b"); err != nil {
		t.Fatalf("CreateOffer() error = %v", err)
	}

	// track changes while the first offer is unanswered only mark the link
	err := a.do(ctx, func() error {
		link := a.links["b"]
		link.dirty = true
		a.negotiate(link)
		a.negotiate(link)
		return nil
	})
	if err != nil {
		t.Fatalf("negotiate error = %v", err)
	}
	if n := recA.count("offer"); n != 1 {
		t.Fatalf("a sent %d offers while one was pending, want 1", n)
	}

	offer, _ := recA.last("offer")
	if err := b.HandleOffer(ctx, "a", offer.sdp); err != nil {
		t.Fatalf("HandleOffer() error = %v", err)
	}
	answer, _ := recB.last("answer")
	if err := a.HandleAnswer(ctx, "b", answer.sdp); err != nil {
		t.Fatalf("HandleAnswer() error = %v", err)
	}
	waitFor(t, 5*time.Second, "follow-up offer", func() bool { return recA.count("offer") == 2 })
	time.Sleep(300 * time.Millisecond)
	if n := recA.count("offer"); n != 2 {
		t.Fatalf("a sent %d offers, want exactly one follow-up", n)
	}
}

func TestFailedConnectionRestartsICE(t *testing.T) {
	ctx := context.Background()
	a, b, recA, _ := pair(t)
	if err := a.CreateOffer(ctx, "b"); err != nil {
		t.Fatalf("CreateOffer() error = %v", err)
	}
	waitFor(t, 5*time.Second, "a stable", stable(a, "b"))
	waitFor(t, 5*time.Second, "b stable", stable(b, "a"))
	first, _ := recA.last("offer")

	var restarts int
	err := a.do(ctx, func() error {
		link := a.links["b"]
		a.connectionStateChanged(link, webrtc.PeerConnectionStateFailed)
		// a repeated report of the same state does not restart again
		a.connectionStateChanged(link, webrtc.PeerConnectionStateFailed)
		restarts = link.restarts
		return nil
	})
	if err != nil {
		t.Fatalf("state change error = %v", err)
	}
	if restarts != 1 {
		t.Fatalf("ice restarts = %d, want 1", restarts)
	}
	waitFor(t, 5*time.Second, "restart offer", func() bool { return recA.count("offer") >= 2 })

	recA.mu.Lock()
	var restart signal
	for _, sig := range recA.sent {
		if sig.kind == "offer" && sig.sdp.SDP != first.sdp.SDP {
			restart = sig
			break
		}
	}
	recA.mu.Unlock()
	if ufrag(t, restart.sdp) == ufrag(t, first.sdp) {
		t.Fatal("restart offer kept the old ice credentials")
	}
	waitFor(t, 5*time.Second, "a stable", stable(a, "b"))
	waitFor(t, 5*time.Second, "b stable", stable(b, "a"))
}

func ufrag(t *testing.T, desc webrtc.SessionDescription) string {
	t.Helper()
	parsed, err := desc.Unmarshal()
	if err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	for _, m := range parsed.MediaDescriptions {
		if v, ok := m.Attribute("ice-ufrag"); ok {
			return v
		}
	}
	if v, ok := parsed.Attribute("ice-ufrag"); ok {
		return v
	}
	t.Fatal("no ice-ufrag in offer")
	return ""
}

func TestNegotiationErrorClearsPending(t *testing.T) {
	ctx := context.Background()
	a, recA := newTestRegistry(t, "a", nil)
	_, sa := localStream(t, true, false)
	if err := a.ApplyLocalStream(ctx, sa); err != nil {
		t.Fatalf("ApplyLocalStream() error = %v", err)
	}

	recA.failOffers(errors.New("relay down"))
	err := a.CreateOffer(ctx, "b")
	var nerr *NegotiationError
	if !errors.As(err, &nerr) || nerr.Op != "send-offer" {
		t.Fatalf("CreateOffer() error = %v, want send-offer NegotiationError", err)
	}
	info, ok := a.Link("b")
	if !ok {
		t.Fatal("failed negotiation closed the link")
	}
	if info.Negotiating || info.SignalingState != webrtc.SignalingStateStable.String() {
		t.Fatalf("link after failure = %+v", info)
	}

	// the next track change retries
	recA.failOffers(nil)
	_, next := localStream(t, true, true)
	if err := a.ApplyLocalStream(ctx, next); err != nil {
		t.Fatalf("ApplyLocalStream() error = %v", err)
	}
	waitFor(t, 5*time.Second, "retried offer", func() bool { return recA.count("offer") == 1 })
	time.Sleep(200 * time.Millisecond)
	if n := recA.count("offer"); n != 1 {
		t.Fatalf("a sent %d offers, want 1", n)
	}
	if info, _ := a.Link("b"); !info.Negotiating {
		t.Fatal("retried offer not pending")
	}
}

func TestRemoveLinkForgetsPeer(t *testing.T) {
	ctx := context.Background()
	a, recA := newTestRegistry(t, "a", nil)
	b, _ := newTestRegistry(t, "b", nil)

	if err := b.HandleCandidate(ctx, "a", fakeCandidate(50021)); err != nil {
		t.Fatalf("HandleCandidate() error = %v", err)
	}
	if err := b.RemoveLink(ctx, "a"); err != nil {
		t.Fatalf("RemoveLink() error = %v", err)
	}

	if err := a.CreateOffer(ctx, "b"); err != nil {
		t.Fatalf("CreateOffer() error = %v", err)
	}
	offer, _ := recA.last("offer")
	if err := b.HandleOffer(ctx, "a", offer.sdp); err != nil {
		t.Fatalf("HandleOffer() error = %v", err)
	}
	info, _ := b.Link("a")
	if info.AppliedCandidates != 0 {
		t.Fatalf("applied %d candidates held before RemoveLink", info.AppliedCandidates)
	}

	if err := b.RemoveLink(ctx, "a"); err != nil {
		t.Fatalf("RemoveLink() error = %v", err)
	}
	if _, ok := b.Link("a"); ok {
		t.Fatal("link kept after RemoveLink")
	}
	if _, ok := b.RemoteStreams()["a"]; ok {
		t.Fatal("remote stream kept after RemoveLink")
	}
}

func TestBadOfferKeepsLink(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestRegistry(t, "b", nil)

	err := b.HandleOffer(ctx, "a", webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "not sdp"})
	var nerr *NegotiationError
	if !errors.As(err, &nerr) {
		t.Fatalf("HandleOffer() error = %v, want *NegotiationError", err)
	}
	if nerr.Peer != "a" {
		t.Errorf("Peer = %q", nerr.Peer)
	}
	info, ok := b.Link("a")
	if !ok {
		t.Fatal("failed negotiation closed the link")
	}
	if info.Negotiating {
		t.Error("pending flag left set after failure")
	}
}

func TestTeardownAll(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestRegistry(t, "a", nil)
	for _, peer := range []string{"b", "c", "d"} {
		if err := a.CreateOffer(ctx, peer); err != nil {
			t.Fatalf("CreateOffer(%s) error = %v", peer, err)
		}
	}
	if err := a.TeardownAll(ctx); err != nil {
		t.Fatalf("TeardownAll() error = %v", err)
	}
	if n := len(a.Links()); n != 0 {
		t.Fatalf("%d links after TeardownAll", n)
	}
}

func TestClosedRegistryRejectsOperations(t *testing.T) {
	r, err := NewRegistry(Options{API: testAPI(t), Signaler: &recorder{}})
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	r.Close()
	if err := r.CreateOffer(context.Background(), "b"); !errors.Is(err, ErrClosed) {
		t.Fatalf("CreateOffer() after Close error = %v, want ErrClosed", err)
	}
}

func TestTaskQueueOrder(t *testing.T) {
	q := newTaskQueue()
	var got []int
	for i := 0; i < 5; i++ {
		i := i
		q.push(func() { got = append(got, i) })
	}
	q.close()
	if q.push(func() {}) {
		t.Fatal("push accepted after close")
	}
	for {
		fn, ok := q.pop()
		if !ok {
			break
		}
		fn()
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("order = %v", got)
		}
	}
	if len(got) != 5 {
		t.Fatalf("ran %d tasks, want 5", len(got))
	}
}

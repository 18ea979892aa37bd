package rtc

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mossy-p/webrtc-meet/internal/media"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Signaler delivers SDP and candidates to one remote transport id.
type Signaler interface {
	SendOffer(peer string, offer webrtc.SessionDescription) error
	SendAnswer(peer string, answer webrtc.SessionDescription) error
	SendCandidate(peer string, candidate webrtc.ICECandidateInit) error
}

type EventType int

const (
	LinkCreated EventType = iota
	LinkClosed
	LinkStateChanged
	RemoteTrackAdded
	RemoteStreamRemoved
)

// Event tells subscribers that something about Peer changed.
type Event struct {
	Type EventType
	Peer string
}

type Options struct {
	API           *webrtc.API
	Configuration webrtc.Configuration
	Signaler      Signaler
	Sink          Sink
}

// Registry maps transport ids to peer links. Every operation and every pion
// callback runs as a task on one goroutine, so link state needs no locks.
// Subscribers are called on that goroutine and must not call back into the
// registry synchronously.
type Registry struct {
	api      *webrtc.API
	config   webrtc.Configuration
	signaler Signaler
	sink     Sink
	logger   zerolog.Logger

	tasks *taskQueue
	done  chan struct{}

	// loop-owned
	links      map[string]*peerLink
	held       map[string][]webrtc.ICECandidateInit
	local      *media.Stream
	generation uint64
	// appliedHook, when set, sees every candidate pion accepted, in order.
	appliedHook func(peer string, c webrtc.ICECandidateInit)

	stale atomic.Uint64

	mu          sync.RWMutex
	infos       map[string]LinkInfo
	remotes     map[string]*RemoteStream
	subscribers map[int]func(Event)
	nextSub     int
}

func NewRegistry(opts Options) (*Registry, error) {
	if opts.Signaler == nil {
		return nil, errors.New("rtc: signaler is required")
	}
	api := opts.API
	if api == nil {
		var err error
		if api, err = NewAPI(APIOptions{}); err != nil {
			return nil, err
		}
	}
	r := &Registry{
		api:         api,
		config:      opts.Configuration,
		signaler:    opts.Signaler,
		sink:        opts.Sink,
		logger:      log.With().Str("component", "rtc").Logger(),
		tasks:       newTaskQueue(),
		done:        make(chan struct{}),
		links:       make(map[string]*peerLink),
		held:        make(map[string][]webrtc.ICECandidateInit),
		infos:       make(map[string]LinkInfo),
		remotes:     make(map[string]*RemoteStream),
		subscribers: make(map[int]func(Event)),
	}
	go r.loop()
	return r, nil
}

func (r *Registry) loop() {
	defer close(r.done)
	for {
		fn, ok := r.tasks.pop()
		if !ok {
			return
		}
		fn()
	}
}

// do runs fn on the loop and waits for its result.
func (r *Registry) do(ctx context.Context, fn func() error) error {
	errc := make(chan error, 1)
	if !r.tasks.push(func() { errc <- fn() }) {
		return ErrClosed
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) post(fn func()) { r.tasks.push(fn) }

// Close tears down every link and stops the loop.
func (r *Registry) Close() {
	_ = r.do(context.Background(), func() error {
		r.teardownAll()
		return nil
	})
	r.tasks.close()
	<-r.done
}

// Subscribe registers fn for link and remote stream changes.
func (r *Registry) Subscribe(fn func(Event)) (cancel func()) {
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subscribers[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.subscribers, id)
		r.mu.Unlock()
	}
}

func (r *Registry) emit(t EventType, peer string) {
	r.mu.RLock()
	fns := make([]func(Event), 0, len(r.subscribers))
	for _, fn := range r.subscribers {
		fns = append(fns, fn)
	}
	r.mu.RUnlock()
	for _, fn := range fns {
		fn(Event{Type: t, Peer: peer})
	}
}

// Links returns a view of every live link.
func (r *Registry) Links() []LinkInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]LinkInfo, 0, len(r.infos))
	for _, info := range r.infos {
		out = append(out, info)
	}
	return out
}

// Link returns the view of the link for peer.
func (r *Registry) Link(peer string) (LinkInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.infos[peer]
	return info, ok
}

// RemoteStreams returns the inbound streams keyed by transport id.
func (r *Registry) RemoteStreams() map[string]*RemoteStream {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*RemoteStream, len(r.remotes))
	for id, s := range r.remotes {
		out[id] = s
	}
	return out
}

func (r *Registry) publish(link *peerLink) {
	r.mu.Lock()
	r.infos[link.id] = link.info()
	r.mu.Unlock()
	r.emit(LinkStateChanged, link.id)
}

// current reports whether link is still the registered link for its id.
// Callbacks from replaced or closed links fail this check and are ignored.
func (r *Registry) current(link *peerLink) bool {
	return r.links[link.id] == link
}

// CreateOffer opens a fresh link to peer and sends it an offer.
func (r *Registry) CreateOffer(ctx context.Context, peer string) error {
	return r.do(ctx, func() error {
		link, err := r.createLink(peer, true)
		if err != nil {
			return err
		}
		return r.offer(link, nil)
	})
}

// HandleOffer answers an offer from peer on a fresh link. Whatever link
// peer had before, including one waiting on its own offer, is closed first.
func (r *Registry) HandleOffer(ctx context.Context, peer string, offer webrtc.SessionDescription) error {
	return r.do(ctx, func() error {
		link, err := r.createLink(peer, false)
		if err != nil {
			return err
		}
		return r.answer(link, offer, sessionID(offer))
	})
}

// HandleAnswer applies an answer to a link waiting for one. Any other answer
// is stale and dropped without error. An answer from a peer connection other
// than the one the link was talking to means peer replaced its side, so the
// link is rebuilt and offered again.
func (r *Registry) HandleAnswer(ctx context.Context, peer string, answer webrtc.SessionDescription) error {
	return r.do(ctx, func() error {
		link := r.links[peer]
		if link == nil || link.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
			r.stale.Add(1)
			r.logger.Debug().Str("peer", peer).Msg("dropping stale answer")
			return nil
		}
		sid := sessionID(answer)
		if link.remoteSession != 0 && sid != 0 && sid != link.remoteSession {
			r.logger.Info().Str("peer", peer).Msg("peer answered from a new connection, reconnecting")
			fresh, err := r.createLink(peer, true)
			if err != nil {
				return err
			}
			return r.offer(fresh, nil)
		}
		if err := link.pc.SetRemoteDescription(answer); err != nil {
			return r.negotiationFailed(link, "set-remote-answer", err)
		}
		link.remoteSession = sid
		r.flushCandidates(link)
		r.settled(link)
		return nil
	})
}

// StaleAnswers counts answers dropped because no link was waiting for them.
func (r *Registry) StaleAnswers() uint64 { return r.stale.Load() }

// HandleCandidate applies a remote candidate, or queues it until the link
// for peer has a remote description. Candidates for a peer without a link
// are held for the next link created for it.
func (r *Registry) HandleCandidate(ctx context.Context, peer string, candidate webrtc.ICECandidateInit) error {
	return r.do(ctx, func() error {
		link := r.links[peer]
		if link == nil {
			r.held[peer] = append(r.held[peer], candidate)
			return nil
		}
		if link.pc.RemoteDescription() == nil {
			link.pending = append(link.pending, candidate)
			r.publish(link)
			return nil
		}
		if err := r.addCandidate(link, candidate); err != nil {
			r.logger.Warn().Err(err).Str("peer", peer).Msg("add candidate")
			return err
		}
		r.publish(link)
		return nil
	})
}

// ApplyLocalStream makes stream the outbound media of every link. Tracks
// are swapped on the existing senders; only a kind a link never sent before
// adds a sender and renegotiates.
func (r *Registry) ApplyLocalStream(ctx context.Context, stream *media.Stream) error {
	return r.do(ctx, func() error {
		r.local = stream
		var errs []error
		for _, link := range r.links {
			if err := r.reconcile(link, stream); err != nil {
				errs = append(errs, err)
			}
			if link.dirty {
				r.negotiate(link)
			}
			r.publish(link)
		}
		return errors.Join(errs...)
	})
}

// RemoveLink closes the link for peer and forgets everything about it.
func (r *Registry) RemoveLink(ctx context.Context, peer string) error {
	return r.do(ctx, func() error {
		delete(r.held, peer)
		if link := r.links[peer]; link != nil {
			r.closeLink(link)
		}
		r.dropRemote(peer)
		return nil
	})
}

// TeardownAll closes every link.
func (r *Registry) TeardownAll(ctx context.Context) error {
	return r.do(ctx, func() error {
		r.teardownAll()
		return nil
	})
}

func (r *Registry) teardownAll() {
	for _, link := range r.links {
		r.closeLink(link)
		r.dropRemote(link.id)
	}
	r.held = make(map[string][]webrtc.ICECandidateInit)
}

func (r *Registry) createLink(peer string, offering bool) (*peerLink, error) {
	var carried []webrtc.ICECandidateInit
	if old := r.links[peer]; old != nil {
		carried = old.pending
		r.logger.Info().Str("peer", peer).Uint64("generation", old.generation).Msg("replacing link")
		r.closeLink(old)
		r.dropRemote(peer)
	}
	carried = append(carried, r.held[peer]...)
	delete(r.held, peer)

	pc, err := r.api.NewPeerConnection(r.config)
	if err != nil {
		return nil, &NegotiationError{Peer: peer, Op: "new-peer-connection", Err: err}
	}
	r.generation++
	link := &peerLink{
		id:         peer,
		generation: r.generation,
		pc:         pc,
		created:    time.Now(),
		pending:    carried,
		senders:    make(map[webrtc.RTPCodecType]*webrtc.RTPSender),
		state:      webrtc.PeerConnectionStateNew,
	}

	// tracks go on before any handler is registered
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if track := r.local.Track(kind); track != nil {
			if err := r.addSender(link, track); err != nil {
				pc.Close()
				return nil, &NegotiationError{Peer: peer, Op: "add-track", Err: err}
			}
			continue
		}
		if offering {
			if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			}); err != nil {
				pc.Close()
				return nil, &NegotiationError{Peer: peer, Op: "add-transceiver", Err: err}
			}
		}
	}

	r.watch(link)
	r.links[peer] = link
	r.logger.Info().Str("peer", peer).Uint64("generation", link.generation).Int("carriedCandidates", len(carried)).Msg("link created")
	r.emit(LinkCreated, peer)
	r.publish(link)
	return link, nil
}

func (r *Registry) addSender(link *peerLink, track *media.Track) error {
	sender, err := link.pc.AddTrack(track)
	if err != nil {
		return err
	}
	link.senders[track.Kind()] = sender
	go link.readRTCP(sender)
	return nil
}

func (r *Registry) watch(link *peerLink) {
	peer := link.id
	pc := link.pc

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		rt := newRemoteTrack(track)
		r.post(func() {
			if !r.current(link) {
				return
			}
			r.mu.Lock()
			stream := r.remotes[peer]
			if stream == nil {
				stream = &RemoteStream{Peer: peer}
				r.remotes[peer] = stream
			}
			r.mu.Unlock()
			stream.add(rt)
			r.logger.Info().Str("peer", peer).Str("kind", rt.Kind.String()).Str("codec", rt.MimeType).Msg("remote track")
			r.emit(RemoteTrackAdded, peer)
		})
		readRemote(peer, rt, track, r.sink)
	})

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		r.post(func() {
			if !r.current(link) {
				return
			}
			if err := r.signaler.SendCandidate(peer, init); err != nil {
				r.logger.Warn().Err(err).Str("peer", peer).Msg("send candidate")
			}
		})
	})

	// pion may deliver state callbacks out of order, so handlers read the
	// current state instead of trusting the argument.
	pc.OnConnectionStateChange(func(webrtc.PeerConnectionState) {
		r.post(func() {
			if r.current(link) {
				r.connectionStateChanged(link, pc.ConnectionState())
			}
		})
	})

	pc.OnSignalingStateChange(func(webrtc.SignalingState) {
		r.post(func() {
			if r.current(link) {
				r.publish(link)
			}
		})
	})

	pc.OnNegotiationNeeded(func() {
		r.post(func() {
			if !r.current(link) {
				return
			}
			r.negotiate(link)
		})
	})
}

// connectionStateChanged restarts ICE on failed. Disconnected is left alone
// until the participant is reported gone.
func (r *Registry) connectionStateChanged(link *peerLink, state webrtc.PeerConnectionState) {
	if state == link.state {
		return
	}
	link.state = state
	r.logger.Info().Str("peer", link.id).Str("state", state.String()).Msg("connection state")
	if state == webrtc.PeerConnectionStateFailed {
		r.restartICE(link)
	}
	r.publish(link)
}

// negotiate sends a new offer unless one is in flight, the link is mid
// exchange, or there is nothing new to offer.
func (r *Registry) negotiate(link *peerLink) {
	switch {
	case link.negotiating:
		r.logger.Debug().Str("peer", link.id).Msg("negotiation already pending")
		return
	case link.pc.SignalingState() != webrtc.SignalingStateStable:
		return
	case !link.needsOffer():
		return
	}
	if err := r.offer(link, nil); err != nil {
		r.logger.Warn().Err(err).Str("peer", link.id).Msg("renegotiation failed")
	}
}

func (r *Registry) restartICE(link *peerLink) {
	if link.negotiating || link.pc.SignalingState() != webrtc.SignalingStateStable {
		return
	}
	link.restarts++
	r.logger.Warn().Str("peer", link.id).Int("restart", link.restarts).Msg("connection failed, restarting ice")
	if err := r.offer(link, &webrtc.OfferOptions{ICERestart: true}); err != nil {
		r.logger.Warn().Err(err).Str("peer", link.id).Msg("ice restart failed")
	}
}

func (r *Registry) offer(link *peerLink, opts *webrtc.OfferOptions) error {
	link.negotiating = true
	link.dirty = false
	offer, err := link.pc.CreateOffer(opts)
	if err != nil {
		return r.negotiationFailed(link, "create-offer", err)
	}
	if err := link.pc.SetLocalDescription(offer); err != nil {
		return r.negotiationFailed(link, "set-local-offer", err)
	}
	if err := r.signaler.SendOffer(link.id, offer); err != nil {
		_ = link.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback})
		return r.negotiationFailed(link, "send-offer", err)
	}
	link.offers++
	r.logger.Debug().Str("peer", link.id).Int("offers", link.offers).Msg("offer sent")
	r.publish(link)
	return nil
}

func (r *Registry) answer(link *peerLink, offer webrtc.SessionDescription, sid uint64) error {
	if err := link.pc.SetRemoteDescription(offer); err != nil {
		return r.negotiationFailed(link, "set-remote-offer", err)
	}
	link.remoteSession = sid
	r.flushCandidates(link)

	answer, err := link.pc.CreateAnswer(nil)
	if err != nil {
		return r.negotiationFailed(link, "create-answer", err)
	}
	if err := link.pc.SetLocalDescription(answer); err != nil {
		return r.negotiationFailed(link, "set-local-answer", err)
	}
	if err := r.signaler.SendAnswer(link.id, answer); err != nil {
		return r.negotiationFailed(link, "send-answer", err)
	}
	link.answers++
	r.logger.Debug().Str("peer", link.id).Msg("answer sent")
	r.settled(link)
	return nil
}

// settled runs when a link is back in stable. A change that arrived while
// the exchange was in flight is offered next.
func (r *Registry) settled(link *peerLink) {
	link.negotiating = false
	r.publish(link)
	if link.dirty {
		r.post(func() {
			if r.current(link) {
				r.negotiate(link)
			}
		})
	}
}

// negotiationFailed logs err and clears the pending flag. The link stays.
func (r *Registry) negotiationFailed(link *peerLink, op string, err error) error {
	link.negotiating = false
	link.dirty = true
	nerr := &NegotiationError{Peer: link.id, Op: op, Err: err}
	r.logger.Error().Err(err).Str("peer", link.id).Str("op", op).Msg("negotiation failed")
	r.publish(link)
	return nerr
}

func (r *Registry) flushCandidates(link *peerLink) {
	pending := link.pending
	link.pending = nil
	for _, c := range pending {
		if err := r.addCandidate(link, c); err != nil {
			r.logger.Debug().Err(err).Str("peer", link.id).Msg("queued candidate rejected")
		}
	}
}

func (r *Registry) addCandidate(link *peerLink, c webrtc.ICECandidateInit) error {
	if err := link.pc.AddICECandidate(c); err != nil {
		return err
	}
	link.applied++
	if r.appliedHook != nil {
		r.appliedHook(link.id, c)
	}
	return nil
}

func (r *Registry) reconcile(link *peerLink, stream *media.Stream) error {
	var errs []error
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		track := stream.Track(kind)
		sender := link.senders[kind]
		switch {
		case sender != nil && track == nil:
			if sender.Track() != nil {
				if err := sender.ReplaceTrack(nil); err != nil {
					errs = append(errs, err)
				}
			}
		case sender != nil:
			if current, ok := sender.Track().(*media.Track); !ok || current != track {
				if err := sender.ReplaceTrack(track); err != nil {
					errs = append(errs, err)
				}
			}
		case track != nil:
			if err := r.addSender(link, track); err != nil {
				errs = append(errs, err)
				continue
			}
			if link.pc.LocalDescription() != nil {
				link.dirty = true
			}
		}
	}
	if len(errs) > 0 {
		err := &NegotiationError{Peer: link.id, Op: "apply-local-stream", Err: errors.Join(errs...)}
		r.logger.Warn().Err(err).Msg("apply local stream")
		return err
	}
	return nil
}

func (r *Registry) closeLink(link *peerLink) {
	delete(r.links, link.id)
	if err := link.pc.Close(); err != nil {
		r.logger.Debug().Err(err).Str("peer", link.id).Msg("close peer connection")
	}
	r.mu.Lock()
	delete(r.infos, link.id)
	r.mu.Unlock()
	r.logger.Info().Str("peer", link.id).Uint64("generation", link.generation).Msg("link closed")
	r.emit(LinkClosed, link.id)
}

func (r *Registry) dropRemote(peer string) {
	r.mu.Lock()
	_, ok := r.remotes[peer]
	delete(r.remotes, peer)
	r.mu.Unlock()
	if ok {
		r.emit(RemoteStreamRemoved, peer)
	}
}

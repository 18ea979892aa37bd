// Package call ties local media, the signaling gateway and the peer
// registry into one room session.
package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mossy-p/webrtc-meet/internal/media"
	"github.com/mossy-p/webrtc-meet/internal/models"
	"github.com/mossy-p/webrtc-meet/internal/rtc"
	"github.com/mossy-p/webrtc-meet/internal/signaling"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultOfferDelay = time.Second
	ReactionWindow    = 3 * time.Second
	chatHistory       = 200
)

var ErrNotJoined = errors.New("not in a room")

type Gateway interface {
	Connect(ctx context.Context) error
	Disconnect()
	Connected() bool
	Send(event string, payload any) error
	On(event string, fn func(json.RawMessage)) (cancel func())
	OnConnectionChange(fn func(bool)) (cancel func())
}

type Peers interface {
	CreateOffer(ctx context.Context, peer string) error
	HandleOffer(ctx context.Context, peer string, offer webrtc.SessionDescription) error
	HandleAnswer(ctx context.Context, peer string, answer webrtc.SessionDescription) error
	HandleCandidate(ctx context.Context, peer string, candidate webrtc.ICECandidateInit) error
	ApplyLocalStream(ctx context.Context, stream *media.Stream) error
	RemoveLink(ctx context.Context, peer string) error
	TeardownAll(ctx context.Context) error
	Links() []rtc.LinkInfo
	RemoteStreams() map[string]*rtc.RemoteStream
	Subscribe(fn func(rtc.Event)) (cancel func())
}

type Media interface {
	Acquire(ctx context.Context, video, audio bool) (*media.Stream, error)
	ToggleVideo(ctx context.Context) (bool, error)
	ToggleAudio(ctx context.Context) (bool, error)
	StartScreenShare(ctx context.Context) (*media.Stream, error)
	StopScreenShare(ctx context.Context) error
	ActiveOutboundStream() *media.Stream
	Release()
	State() media.State
	Err() error
	OnChange(fn func(media.Change)) (cancel func())
}

// Timer is the part of *time.Timer the coordinator uses.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d. Tests swap in a fake clock.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

type Options struct {
	Gateway  Gateway
	Media    Media
	Peers    Peers
	Signaler *RoomSignaler

	// OfferDelay is how long to wait after a participant joins before
	// offering, so its side of the link exists.
	OfferDelay time.Duration
	AfterFunc  AfterFunc
}

// Coordinator owns one call session. Its fields are guarded by mu; no
// collaborator is called while mu is held.
type Coordinator struct {
	gw         Gateway
	media      Media
	peers      Peers
	sig        *RoomSignaler
	offerDelay time.Duration
	afterFunc  AfterFunc
	logger     zerolog.Logger

	mu            sync.Mutex
	joined        bool
	joining       chan error
	roomID        string
	userName      string
	room          models.Room
	self          Participant
	participants  map[string]*Participant // by transport id
	lastSentVideo *bool
	lastSentAudio *bool
	reactions     []Reaction
	chat          []ChatMessage
	lastErr       error
	offerTimers   map[string]Timer
	reactTimers   map[string]Timer
	dropped       bool
	subs          map[int]func(Snapshot)
	nextSub       int

	cancels []func()
}

func New(opts Options) (*Coordinator, error) {
	if opts.Gateway == nil || opts.Media == nil || opts.Peers == nil {
		return nil, errors.New("call: gateway, media and peers are required")
	}
	if opts.Signaler == nil {
		opts.Signaler = NewRoomSignaler(opts.Gateway)
	}
	if opts.OfferDelay <= 0 {
		opts.OfferDelay = DefaultOfferDelay
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = realAfterFunc
	}
	c := &Coordinator{
		gw:           opts.Gateway,
		media:        opts.Media,
		peers:        opts.Peers,
		sig:          opts.Signaler,
		offerDelay:   opts.OfferDelay,
		afterFunc:    opts.AfterFunc,
		logger:       log.With().Str("component", "call").Logger(),
		participants: make(map[string]*Participant),
		offerTimers:  make(map[string]Timer),
		reactTimers:  make(map[string]Timer),
		subs:         make(map[int]func(Snapshot)),
	}
	c.subscribe()
	return c, nil
}

func (c *Coordinator) subscribe() {
	on := func(event string, fn func(json.RawMessage)) {
		c.cancels = append(c.cancels, c.gw.On(event, fn))
	}
	on(models.EventJoinedRoom, c.onJoinedRoom)
	on(models.EventUserJoined, c.onUserJoined)
	on(models.EventUserLeft, c.onUserLeft)
	on(models.EventUsersList, c.onUsersList)
	on(models.EventUserVideoToggled, c.onUserVideoToggled)
	on(models.EventUserAudioToggled, c.onUserAudioToggled)
	on(models.EventUserHandRaised, c.onUserHandRaised)
	on(models.EventUserReaction, c.onUserReaction)
	on(models.EventChatMessage, c.onChatMessage)
	on(models.EventOffer, c.onOffer)
	on(models.EventAnswer, c.onAnswer)
	on(models.EventICECandidate, c.onICECandidate)
	on(models.EventError, c.onError)

	c.cancels = append(c.cancels,
		c.gw.OnConnectionChange(c.onConnectionChange),
		c.media.OnChange(c.onMediaChange),
		c.peers.Subscribe(func(rtc.Event) { c.notify() }),
	)
}

// Close drops every subscription. Call LeaveRoom first to end a session.
func (c *Coordinator) Close() {
	for _, cancel := range c.cancels {
		cancel()
	}
	c.cancels = nil
}

// Subscribe registers fn for every change of the session view.
func (c *Coordinator) Subscribe(fn func(Snapshot)) (cancel func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

func (c *Coordinator) notify() {
	c.mu.Lock()
	fns := make([]func(Snapshot), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	if len(fns) == 0 {
		return
	}
	snap := c.State()
	for _, fn := range fns {
		fn(snap)
	}
}

// State returns the current session view.
func (c *Coordinator) State() Snapshot {
	mediaState := c.media.State()
	var mediaErr string
	if err := c.media.Err(); err != nil {
		mediaErr = err.Error()
	}
	links := c.peers.Links()
	sort.Slice(links, func(i, j int) bool { return links[i].Peer < links[j].Peer })
	remotes := c.peers.RemoteStreams()

	c.mu.Lock()
	defer c.mu.Unlock()
	snap := Snapshot{
		Connected:  c.gw.Connected(),
		Joined:     c.joined,
		RoomID:     c.roomID,
		RoomName:   c.room.Name,
		Media:      mediaState,
		MediaError: mediaErr,
		Links:      links,
		Reactions:  append([]Reaction(nil), c.reactions...),
		Chat:       append([]ChatMessage(nil), c.chat...),
	}
	if c.lastErr != nil {
		snap.LastError = c.lastErr.Error()
	}
	if c.joined {
		self := c.self
		snap.Self = &self
	}
	snap.Participants = make([]Participant, 0, len(c.participants))
	for _, p := range c.participants {
		snap.Participants = append(snap.Participants, *p)
	}
	sort.Slice(snap.Participants, func(i, j int) bool {
		a, b := snap.Participants[i], snap.Participants[j]
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.TransportID < b.TransportID
	})
	snap.RemoteStreams = make([]RemoteStreamInfo, 0, len(remotes))
	for id, s := range remotes {
		info := RemoteStreamInfo{TransportID: id}
		if p := c.participants[id]; p != nil {
			info.ParticipantID = p.ID
			info.Name = p.Name
		}
		for _, t := range s.Tracks() {
			info.Tracks = append(info.Tracks, RemoteTrackInfo{
				ID:      t.ID,
				Kind:    t.Kind.String(),
				Codec:   t.MimeType,
				Packets: t.Packets(),
				Bytes:   t.Bytes(),
			})
		}
		snap.RemoteStreams = append(snap.RemoteStreams, info)
	}
	sort.Slice(snap.RemoteStreams, func(i, j int) bool {
		return snap.RemoteStreams[i].TransportID < snap.RemoteStreams[j].TransportID
	})
	return snap
}

// JoinRoom connects, makes sure local media is up and joins roomID. It
// returns once the server confirms the join or reports an error.
func (c *Coordinator) JoinRoom(ctx context.Context, roomID, userName string) error {
	if roomID == "" {
		return errors.New("room id is required")
	}
	if err := c.gw.Connect(ctx); err != nil {
		return err
	}

	if c.media.ActiveOutboundStream() == nil {
		if _, err := c.media.Acquire(ctx, true, true); err != nil {
			// join receive-only; the error stays visible through the media state
			c.logger.Warn().Err(err).Msg("joining without local media")
		}
	}
	if err := c.peers.ApplyLocalStream(ctx, c.media.ActiveOutboundStream()); err != nil {
		c.logger.Warn().Err(err).Msg("apply local stream")
	}

	joining := make(chan error, 1)
	c.mu.Lock()
	c.roomID = roomID
	c.userName = userName
	c.joining = joining
	c.lastErr = nil
	c.mu.Unlock()
	c.sig.setRoom(roomID)

	if err := c.gw.Send(models.EventJoinRoom, models.JoinRoomPayload{RoomID: roomID, UserName: userName}); err != nil {
		return err
	}
	c.logger.Info().Str("room", roomID).Str("user", userName).Msg("joining room")

	select {
	case err := <-joining:
		return err
	case <-ctx.Done():
		c.mu.Lock()
		if c.joining == joining {
			c.joining = nil
		}
		c.mu.Unlock()
		return ctx.Err()
	}
}

// LeaveRoom closes every link, releases local media and disconnects.
func (c *Coordinator) LeaveRoom(ctx context.Context) error {
	c.mu.Lock()
	for id, t := range c.offerTimers {
		t.Stop()
		delete(c.offerTimers, id)
	}
	for id, t := range c.reactTimers {
		t.Stop()
		delete(c.reactTimers, id)
	}
	roomID := c.roomID
	c.joined = false
	c.joining = nil
	c.roomID = ""
	c.room = models.Room{}
	c.self = Participant{}
	c.participants = make(map[string]*Participant)
	c.lastSentVideo, c.lastSentAudio = nil, nil
	c.reactions = nil
	c.chat = nil
	c.dropped = false
	c.mu.Unlock()
	c.sig.setRoom("")

	err := c.peers.TeardownAll(ctx)
	c.media.Release()
	c.gw.Disconnect()
	c.logger.Info().Str("room", roomID).Msg("left room")
	c.notify()
	return err
}

func (c *Coordinator) ToggleVideo(ctx context.Context) (bool, error) {
	return c.media.ToggleVideo(ctx)
}

func (c *Coordinator) ToggleAudio(ctx context.Context) (bool, error) {
	return c.media.ToggleAudio(ctx)
}

func (c *Coordinator) StartScreenShare(ctx context.Context) error {
	_, err := c.media.StartScreenShare(ctx)
	return err
}

func (c *Coordinator) StopScreenShare(ctx context.Context) error {
	return c.media.StopScreenShare(ctx)
}

// RaiseHand flips the local raised-hand flag and announces it.
func (c *Coordinator) RaiseHand() (bool, error) {
	c.mu.Lock()
	if !c.joined {
		c.mu.Unlock()
		return false, ErrNotJoined
	}
	raised := !c.self.HandRaised
	c.self.HandRaised = raised
	roomID := c.roomID
	c.mu.Unlock()

	if err := c.gw.Send(models.EventRaiseHand, models.RaiseHandPayload{RoomID: roomID, IsHandRaised: raised}); err != nil {
		c.mu.Lock()
		c.self.HandRaised = !raised
		c.mu.Unlock()
		return !raised, err
	}
	c.notify()
	return raised, nil
}

// SendReaction broadcasts emoji. It shows up locally when the server echoes
// it back as a user-reaction.
func (c *Coordinator) SendReaction(emoji string) error {
	if emoji == "" {
		return errors.New("emoji is required")
	}
	c.mu.Lock()
	joined, roomID := c.joined, c.roomID
	c.mu.Unlock()
	if !joined {
		return ErrNotJoined
	}
	return c.gw.Send(models.EventSendReaction, models.SendReactionPayload{RoomID: roomID, Emoji: emoji})
}

// SendChat appends text to the chat log and sends it to the room.
func (c *Coordinator) SendChat(text string) (ChatMessage, error) {
	if text == "" {
		return ChatMessage{}, errors.New("message is required")
	}
	c.mu.Lock()
	if !c.joined {
		c.mu.Unlock()
		return ChatMessage{}, ErrNotJoined
	}
	msg := ChatMessage{
		ID:        uuid.NewString(),
		UserID:    c.self.ID,
		UserName:  c.self.Name,
		Message:   text,
		Timestamp: time.Now().UTC(),
	}
	roomID := c.roomID
	c.appendChatLocked(msg)
	c.mu.Unlock()

	err := c.gw.Send(models.EventChatMessage, models.ChatMessagePayload{
		ID:        msg.ID,
		RoomID:    roomID,
		UserID:    msg.UserID,
		UserName:  msg.UserName,
		Message:   msg.Message,
		Timestamp: msg.Timestamp,
	})
	c.notify()
	return msg, err
}

func (c *Coordinator) appendChatLocked(msg ChatMessage) bool {
	for _, m := range c.chat {
		if m.ID == msg.ID {
			return false
		}
	}
	c.chat = append(c.chat, msg)
	if len(c.chat) > chatHistory {
		c.chat = append([]ChatMessage(nil), c.chat[len(c.chat)-chatHistory:]...)
	}
	return true
}

// onMediaChange forwards local toggles to the room. A value the server
// already reported for this client is not sent again.
func (c *Coordinator) onMediaChange(ch media.Change) {
	c.mu.Lock()
	if !c.joined {
		c.mu.Unlock()
		return
	}
	roomID := c.roomID
	sendVideo := c.lastSentVideo == nil || *c.lastSentVideo != ch.State.VideoEnabled
	sendAudio := c.lastSentAudio == nil || *c.lastSentAudio != ch.State.AudioEnabled
	video, audio := ch.State.VideoEnabled, ch.State.AudioEnabled
	if sendVideo {
		c.lastSentVideo = &video
	}
	if sendAudio {
		c.lastSentAudio = &audio
	}
	c.self.VideoEnabled, c.self.AudioEnabled = video, audio
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.peers.ApplyLocalStream(ctx, ch.Stream); err != nil {
		c.logger.Warn().Err(err).Msg("apply local stream")
	}
	if sendVideo {
		c.send(models.EventToggleVideo, models.ToggleVideoPayload{RoomID: roomID, IsVideoOn: video})
	}
	if sendAudio {
		c.send(models.EventToggleAudio, models.ToggleAudioPayload{RoomID: roomID, IsAudioOn: audio})
	}
	c.notify()
}

func (c *Coordinator) send(event string, payload any) {
	if err := c.gw.Send(event, payload); err != nil {
		c.logger.Warn().Err(err).Str("event", event).Msg("send failed")
		c.setError(err)
	}
}

func (c *Coordinator) setError(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

func (c *Coordinator) onConnectionChange(connected bool) {
	c.mu.Lock()
	rejoin := false
	if !connected && c.joined {
		c.dropped = true
	}
	if connected && c.dropped && c.joined {
		c.dropped = false
		rejoin = true
	}
	roomID, userName := c.roomID, c.userName
	c.mu.Unlock()

	if rejoin {
		// the server gave this client a new transport id, so every link is stale
		go c.rejoin(roomID, userName)
	}
	c.notify()
}

func (c *Coordinator) rejoin(roomID, userName string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.peers.TeardownAll(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("teardown before rejoin")
	}
	c.mu.Lock()
	for id, t := range c.offerTimers {
		t.Stop()
		delete(c.offerTimers, id)
	}
	c.participants = make(map[string]*Participant)
	c.lastSentVideo, c.lastSentAudio = nil, nil
	c.mu.Unlock()

	c.logger.Info().Str("room", roomID).Msg("rejoining after reconnect")
	c.send(models.EventJoinRoom, models.JoinRoomPayload{RoomID: roomID, UserName: userName})
}

func decode(event string, data json.RawMessage, v any) bool {
	if err := json.Unmarshal(data, v); err != nil {
		log.Warn().Err(err).Str("event", event).Msg("malformed payload")
		return false
	}
	return true
}

func (c *Coordinator) onError(data json.RawMessage) {
	var p models.ErrorPayload
	if !decode(models.EventError, data, &p) {
		return
	}
	err := &signaling.SignalingError{Event: models.EventError, Err: errors.New(p.Message)}
	c.logger.Warn().Str("message", p.Message).Msg("server error")

	c.mu.Lock()
	c.lastErr = err
	joining := c.joining
	c.joining = nil
	c.mu.Unlock()
	if joining != nil {
		joining <- err
	}
	c.notify()
}

func (c *Coordinator) isSelfLocked(userID string) bool {
	return userID != "" && (userID == c.self.ID || userID == c.self.TransportID)
}

func participantFromUser(u models.User) Participant {
	p := Participant{
		ID:           u.ID,
		TransportID:  u.SocketID,
		Name:         u.Name,
		VideoEnabled: u.IsVideoOn,
		AudioEnabled: u.IsAudioOn,
		HandRaised:   u.IsHandRaised,
	}
	return p
}

// findLocked resolves a user id to a participant, accepting either the
// participant id or the transport id.
func (c *Coordinator) findLocked(userID string) *Participant {
	if p := c.participants[userID]; p != nil {
		return p
	}
	for _, p := range c.participants {
		if p.ID == userID {
			return p
		}
	}
	return nil
}

func (c *Coordinator) onJoinedRoom(data json.RawMessage) {
	var p models.JoinedRoomPayload
	if !decode(models.EventJoinedRoom, data, &p) {
		return
	}
	state := c.media.State()

	c.mu.Lock()
	if c.roomID == "" {
		c.mu.Unlock()
		return
	}
	c.joined = true
	c.room = p.Room
	c.self = participantFromUser(p.User)
	c.participants = make(map[string]*Participant)
	for _, u := range p.Room.Users {
		if c.isSelfLocked(u.ID) || u.SocketID == p.User.SocketID {
			continue
		}
		pp := participantFromUser(u)
		c.participants[pp.TransportID] = &pp
	}
	// the server's view of this client counts as already sent
	serverVideo, serverAudio := p.User.IsVideoOn, p.User.IsAudioOn
	c.lastSentVideo, c.lastSentAudio = &serverVideo, &serverAudio
	roomID := c.roomID
	joining := c.joining
	c.joining = nil
	c.mu.Unlock()

	c.logger.Info().Str("room", roomID).Str("self", p.User.SocketID).Int("participants", len(p.Room.Users)).Msg("joined room")

	// bring the server in line with the actual local media
	c.onMediaChange(media.Change{State: state, Stream: c.media.ActiveOutboundStream()})
	if joining != nil {
		joining <- nil
	}
	c.notify()
}

func (c *Coordinator) onUserJoined(data json.RawMessage) {
	var p models.UserJoinedPayload
	if !decode(models.EventUserJoined, data, &p) {
		return
	}
	c.mu.Lock()
	if !c.joined || c.isSelfLocked(p.User.ID) || p.User.SocketID == c.self.TransportID {
		c.mu.Unlock()
		return
	}
	var stale string
	for tid, existing := range c.participants {
		if existing.ID == p.User.ID && tid != p.User.SocketID {
			// same participant on a new connection
			stale = tid
			delete(c.participants, tid)
			if t := c.offerTimers[tid]; t != nil {
				t.Stop()
				delete(c.offerTimers, tid)
			}
		}
	}
	pp := participantFromUser(p.User)
	c.participants[pp.TransportID] = &pp
	c.scheduleOfferLocked(pp.TransportID)
	c.mu.Unlock()

	c.logger.Info().Str("peer", pp.TransportID).Str("name", pp.Name).Msg("participant joined")
	if stale != "" {
		c.removeLink(stale)
	}
	c.notify()
}

func (c *Coordinator) scheduleOfferLocked(peer string) {
	if t := c.offerTimers[peer]; t != nil {
		t.Stop()
	}
	var timer Timer
	timer = c.afterFunc(c.offerDelay, func() {
		c.mu.Lock()
		if c.offerTimers[peer] != timer || !c.joined {
			c.mu.Unlock()
			return
		}
		delete(c.offerTimers, peer)
		_, present := c.participants[peer]
		c.mu.Unlock()
		if !present {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.peers.CreateOffer(ctx, peer); err != nil {
			c.logger.Warn().Err(err).Str("peer", peer).Msg("create offer")
		}
	})
	c.offerTimers[peer] = timer
}

func (c *Coordinator) onUserLeft(data json.RawMessage) {
	var p models.UserLeftPayload
	if !decode(models.EventUserLeft, data, &p) {
		return
	}
	c.mu.Lock()
	transportID := p.UserID
	if pp := c.findLocked(p.UserID); pp != nil {
		transportID = pp.TransportID
	}
	delete(c.participants, transportID)
	if t := c.offerTimers[transportID]; t != nil {
		t.Stop()
		delete(c.offerTimers, transportID)
	}
	if p.Room.ID != "" {
		c.room = p.Room
	}
	c.mu.Unlock()

	c.logger.Info().Str("peer", transportID).Msg("participant left")
	c.removeLink(transportID)
	c.notify()
}

func (c *Coordinator) removeLink(peer string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.peers.RemoveLink(ctx, peer); err != nil {
		c.logger.Warn().Err(err).Str("peer", peer).Msg("remove link")
	}
}

func (c *Coordinator) onUsersList(data json.RawMessage) {
	var p models.UsersListPayload
	if !decode(models.EventUsersList, data, &p) {
		return
	}
	c.mu.Lock()
	next := make(map[string]*Participant, len(p.Users))
	for _, u := range p.Users {
		if c.isSelfLocked(u.ID) || u.SocketID == c.self.TransportID {
			continue
		}
		pp := participantFromUser(u)
		if old := c.participants[pp.TransportID]; old != nil {
			pp.LastReaction = old.LastReaction
		}
		next[pp.TransportID] = &pp
	}
	c.participants = next
	c.mu.Unlock()
	c.notify()
}

func (c *Coordinator) onUserVideoToggled(data json.RawMessage) {
	var p models.UserVideoToggledPayload
	if !decode(models.EventUserVideoToggled, data, &p) {
		return
	}
	c.mu.Lock()
	if c.isSelfLocked(p.UserID) {
		on := p.IsVideoOn
		c.lastSentVideo = &on
	} else if pp := c.findLocked(p.UserID); pp != nil {
		pp.VideoEnabled = p.IsVideoOn
	}
	c.mu.Unlock()
	c.notify()
}

func (c *Coordinator) onUserAudioToggled(data json.RawMessage) {
	var p models.UserAudioToggledPayload
	if !decode(models.EventUserAudioToggled, data, &p) {
		return
	}
	c.mu.Lock()
	if c.isSelfLocked(p.UserID) {
		on := p.IsAudioOn
		c.lastSentAudio = &on
	} else if pp := c.findLocked(p.UserID); pp != nil {
		pp.AudioEnabled = p.IsAudioOn
	}
	c.mu.Unlock()
	c.notify()
}

func (c *Coordinator) onUserHandRaised(data json.RawMessage) {
	var p models.UserHandRaisedPayload
	if !decode(models.EventUserHandRaised, data, &p) {
		return
	}
	c.mu.Lock()
	if c.isSelfLocked(p.UserID) {
		c.self.HandRaised = p.IsHandRaised
	} else if pp := c.findLocked(p.UserID); pp != nil {
		pp.HandRaised = p.IsHandRaised
	}
	c.mu.Unlock()
	c.notify()
}

// onUserReaction shows a reaction for ReactionWindow, both in the reaction
// list and as the sender's last reaction.
func (c *Coordinator) onUserReaction(data json.RawMessage) {
	var p models.UserReactionPayload
	if !decode(models.EventUserReaction, data, &p) {
		return
	}
	r := Reaction{
		ID:        uuid.NewString(),
		UserID:    p.UserID,
		UserName:  p.UserName,
		Emoji:     p.Emoji,
		Timestamp: p.Timestamp,
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}

	c.mu.Lock()
	if !c.joined {
		c.mu.Unlock()
		return
	}
	c.reactions = append(c.reactions, r)
	if c.isSelfLocked(p.UserID) {
		rr := r
		c.self.LastReaction = &rr
	} else if pp := c.findLocked(p.UserID); pp != nil {
		rr := r
		pp.LastReaction = &rr
	}
	c.reactTimers[r.ID] = c.afterFunc(ReactionWindow, func() { c.expireReaction(r) })
	c.mu.Unlock()
	c.notify()
}

func (c *Coordinator) expireReaction(r Reaction) {
	c.mu.Lock()
	if _, ok := c.reactTimers[r.ID]; !ok {
		c.mu.Unlock()
		return
	}
	delete(c.reactTimers, r.ID)
	for i, x := range c.reactions {
		if x.ID == r.ID {
			c.reactions = append(c.reactions[:i:i], c.reactions[i+1:]...)
			break
		}
	}
	drop := func(p *Participant) {
		if p != nil && p.LastReaction != nil && p.LastReaction.ID == r.ID {
			p.LastReaction = nil
		}
	}
	drop(&c.self)
	drop(c.findLocked(r.UserID))
	c.mu.Unlock()
	c.notify()
}

func (c *Coordinator) onChatMessage(data json.RawMessage) {
	var p models.ChatMessagePayload
	if !decode(models.EventChatMessage, data, &p) {
		return
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	c.mu.Lock()
	added := c.joined && c.appendChatLocked(ChatMessage{
		ID:        p.ID,
		UserID:    p.UserID,
		UserName:  p.UserName,
		Message:   p.Message,
		Timestamp: p.Timestamp,
	})
	c.mu.Unlock()
	if added {
		c.notify()
	}
}

func (c *Coordinator) signalContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}

func (c *Coordinator) onOffer(data json.RawMessage) {
	var p models.OfferPayload
	if !decode(models.EventOffer, data, &p) || p.FromUserID == "" {
		return
	}
	ctx, cancel := c.signalContext()
	defer cancel()
	if err := c.peers.HandleOffer(ctx, p.FromUserID, p.Offer); err != nil {
		c.logger.Warn().Err(err).Str("peer", p.FromUserID).Msg("handle offer")
	}
}

func (c *Coordinator) onAnswer(data json.RawMessage) {
	var p models.AnswerPayload
	if !decode(models.EventAnswer, data, &p) || p.FromUserID == "" {
		return
	}
	ctx, cancel := c.signalContext()
	defer cancel()
	if err := c.peers.HandleAnswer(ctx, p.FromUserID, p.Answer); err != nil {
		c.logger.Warn().Err(err).Str("peer", p.FromUserID).Msg("handle answer")
	}
}

func (c *Coordinator) onICECandidate(data json.RawMessage) {
	var p models.ICECandidatePayload
	if !decode(models.EventICECandidate, data, &p) || p.FromUserID == "" {
		return
	}
	ctx, cancel := c.signalContext()
	defer cancel()
	if err := c.peers.HandleCandidate(ctx, p.FromUserID, p.Candidate); err != nil {
		c.logger.Debug().Err(err).Str("peer", p.FromUserID).Msg("handle candidate")
	}
}

func (c *Coordinator) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fmt.Sprintf("call(room=%s self=%s participants=%d)", c.roomID, c.self.TransportID, len(c.participants))
}

package rtc

import (
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
)

// LinkInfo is a read-only view of one link.
type LinkInfo struct {
	Peer              string          `json:"peer"`
	Generation        uint64          `json:"generation"`
	SignalingState    string          `json:"signalingState"`
	ConnectionState   string          `json:"connectionState"`
	Negotiating       bool            `json:"negotiating"`
	PendingCandidates int             `json:"pendingCandidates"`
	AppliedCandidates int             `json:"appliedCandidates"`
	OffersSent        int             `json:"offersSent"`
	AnswersSent       int             `json:"answersSent"`
	ICERestarts       int             `json:"iceRestarts"`
	Senders           map[string]bool `json:"senders"`
	Feedback          Feedback        `json:"feedback"`
	CreatedAt         time.Time       `json:"createdAt"`
}

// Feedback counts RTCP feedback received for the local tracks.
type Feedback struct {
	PLI  uint64 `json:"pli"`
	FIR  uint64 `json:"fir"`
	REMB uint64 `json:"remb"`
}

// peerLink is owned by the registry loop. Only the atomic counters are
// touched from other goroutines.
type peerLink struct {
	id         string
	generation uint64
	pc         *webrtc.PeerConnection
	created    time.Time

	negotiating bool
	// dirty is set when a sender was added after the first local
	// description, so the next stable state must renegotiate.
	dirty   bool
	pending []webrtc.ICECandidateInit
	senders map[webrtc.RTPCodecType]*webrtc.RTPSender

	remoteSession uint64
	state         webrtc.PeerConnectionState

	applied  int
	offers   int
	answers  int
	restarts int

	pli, fir, remb atomic.Uint64
}

func (l *peerLink) info() LinkInfo {
	senders := make(map[string]bool, len(l.senders))
	for kind, s := range l.senders {
		senders[kind.String()] = s.Track() != nil
	}
	return LinkInfo{
		Peer:              l.id,
		Generation:        l.generation,
		SignalingState:    l.pc.SignalingState().String(),
		ConnectionState:   l.state.String(),
		Negotiating:       l.negotiating,
		PendingCandidates: len(l.pending),
		AppliedCandidates: l.applied,
		OffersSent:        l.offers,
		AnswersSent:       l.answers,
		ICERestarts:       l.restarts,
		Senders:           senders,
		Feedback: Feedback{
			PLI:  l.pli.Load(),
			FIR:  l.fir.Load(),
			REMB: l.remb.Load(),
		},
		CreatedAt: l.created,
	}
}

// needsOffer reports whether the local side has something the remote has
// not been offered yet.
func (l *peerLink) needsOffer() bool {
	if l.dirty {
		return true
	}
	for _, t := range l.pc.GetTransceivers() {
		s := t.Sender()
		if s == nil || s.Track() == nil {
			continue
		}
		if t.Mid() == "" {
			return true
		}
		switch t.Direction() {
		case webrtc.RTPTransceiverDirectionSendrecv, webrtc.RTPTransceiverDirectionSendonly:
		default:
			return true
		}
	}
	return false
}

// readRTCP drains feedback for one sender so the interceptors keep running.
func (l *peerLink) readRTCP(sender *webrtc.RTPSender) {
	for {
		pkts, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, p := range pkts {
			switch p.(type) {
			case *rtcp.PictureLossIndication:
				l.pli.Add(1)
			case *rtcp.FullIntraRequest:
				l.fir.Add(1)
			case *rtcp.ReceiverEstimatedMaximumBitrate:
				l.remb.Add(1)
			}
		}
	}
}

// sessionID returns the origin session id of an SDP blob, which stays the
// same for every description produced by one peer connection.
func sessionID(desc webrtc.SessionDescription) uint64 {
	parsed, err := desc.Unmarshal()
	if err != nil {
		return 0
	}
	return parsed.Origin.SessionID
}

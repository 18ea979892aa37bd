// Package rtc keeps one pion PeerConnection per remote participant and runs
// the offer/answer/candidate exchange for all of them.
package rtc

import (
	"fmt"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

const DefaultPLIInterval = 3 * time.Second

type APIOptions struct {
	LoggerFactory logging.LoggerFactory
	PLIInterval   time.Duration

	// LoopbackOnly restricts ICE to IPv4 UDP and includes loopback
	// candidates, for tests and single-host runs.
	LoopbackOnly bool
}

// NewAPI builds the pion API shared by every peer connection: default codecs
// and interceptors, a periodic PLI for received video, and ICE timeouts long
// enough to ride out short network hiccups.
func NewAPI(opts APIOptions) (*webrtc.API, error) {
	if opts.PLIInterval <= 0 {
		opts.PLIInterval = DefaultPLIInterval
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	pli, err := intervalpli.NewReceiverInterceptor(intervalpli.GeneratorInterval(opts.PLIInterval))
	if err != nil {
		return nil, fmt.Errorf("interval pli: %w", err)
	}
	registry.Add(pli)

	se := webrtc.SettingEngine{LoggerFactory: opts.LoggerFactory}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)
	if opts.LoopbackOnly {
		se.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4})
		se.SetIncludeLoopbackCandidate(true)
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	), nil
}

// Configuration returns a peer connection configuration using the given
// STUN/TURN urls.
func Configuration(urls []string) webrtc.Configuration {
	cfg := webrtc.Configuration{}
	if len(urls) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: urls}}
	}
	return cfg
}

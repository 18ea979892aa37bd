//go:build linux

package capture

import (
	"context"
	"fmt"
	"time"

	"github.com/mossy-p/webrtc-meet/internal/media"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"
)

// Device captures from the host's devices with VP8 and Opus encoders.
type Device struct {
	opts     Options
	selector *mediadevices.CodecSelector
}

func New(opts Options) (media.Device, error) {
	opts = opts.withDefaults()
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = opts.VideoBitRate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	for _, d := range mediadevices.EnumerateDevices() {
		log.Debug().Str("kind", fmt.Sprint(d.Kind)).Str("label", d.Label).Msg("media device")
	}

	return &Device{
		opts: opts,
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

func (d *Device) UserMedia(ctx context.Context, kind webrtc.RTPCodecType) (media.Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	constraints := mediadevices.MediaStreamConstraints{Codec: d.selector}
	switch kind {
	case webrtc.RTPCodecTypeVideo:
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			// raw formats only, some MJPEG nodes emit frames the encoder rejects
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			c.Width = prop.IntRanged{Max: d.opts.MaxWidth}
			c.Height = prop.IntRanged{Max: d.opts.MaxHeight}
		}
	case webrtc.RTPCodecTypeAudio:
		constraints.Audio = func(*mediadevices.MediaTrackConstraints) {}
	default:
		return nil, media.ErrNoDevice
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", media.ErrNoDevice, err)
	}
	return newSource(stream, kind)
}

func (d *Device) DisplayMedia(ctx context.Context) (media.Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Codec: d.selector,
		Video: func(c *mediadevices.MediaTrackConstraints) {
			c.FrameFormat = prop.FrameFormat(frame.FormatI420)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", media.ErrNoDevice, err)
	}
	return newSource(stream, webrtc.RTPCodecTypeVideo)
}

type source struct {
	track  mediadevices.Track
	reader mediadevices.EncodedReadCloser
	kind   webrtc.RTPCodecType
	codec  webrtc.RTPCodecCapability
}

func newSource(stream mediadevices.MediaStream, kind webrtc.RTPCodecType) (*source, error) {
	var picked mediadevices.Track
	for _, t := range stream.GetTracks() {
		if t.Kind() == kind && picked == nil {
			picked = t
			continue
		}
		t.Close()
	}
	if picked == nil {
		return nil, media.ErrNoDevice
	}

	codec := opusCodec
	if kind == webrtc.RTPCodecTypeVideo {
		codec = vp8Codec
	}
	reader, err := picked.NewEncodedReader(codec.MimeType)
	if err != nil {
		picked.Close()
		return nil, fmt.Errorf("%w: encoder: %v", media.ErrNoDevice, err)
	}
	return &source{track: picked, reader: reader, kind: kind, codec: codec}, nil
}

func (s *source) Kind() webrtc.RTPCodecType { return s.kind }

func (s *source) Codec() webrtc.RTPCodecCapability { return s.codec }

func (s *source) ReadSample() (pionmedia.Sample, error) {
	buf, release, err := s.reader.Read()
	if err != nil {
		return pionmedia.Sample{}, err
	}
	defer release()
	data := make([]byte, len(buf.Data))
	copy(data, buf.Data)
	duration := time.Duration(buf.Samples) * time.Second / time.Duration(s.codec.ClockRate)
	return pionmedia.Sample{Data: data, Duration: duration}, nil
}

func (s *source) Close() error {
	err := s.reader.Close()
	s.track.Close()
	return err
}

package http2

import (
	"fmt"

	"golang.org/x/net/http2"

	"github.com/WhileEndless/go-rawpool/pkg/constants"
)

// Options contains the SETTINGS a client announces in its connection preface.
type Options struct {
	EnableServerPush  bool
	InitialWindowSize uint32
	MaxFrameSize      uint32
	MaxHeaderListSize uint32
	HeaderTableSize   uint32
}

// DefaultOptions returns default HTTP/2 options (aligned with Go's native HTTP/2)
func DefaultOptions() *Options {
	return &Options{
		EnableServerPush:  false,
		InitialWindowSize: constants.DefaultInitialWindowSize,
		MaxFrameSize:      constants.DefaultMaxFrameSize,
		MaxHeaderListSize: constants.DefaultMaxHeaderListSize,
		HeaderTableSize:   constants.DefaultHpackTableSize,
	}
}

// ValidateOptions checks values against the limits of RFC 9113 section 6.5.2.
func ValidateOptions(opts *Options) error {
	if opts.MaxFrameSize < 16384 || opts.MaxFrameSize > 1<<24-1 {
		return fmt.Errorf("max frame size %d out of range [16384, 16777215]", opts.MaxFrameSize)
	}
	if opts.InitialWindowSize > 1<<31-1 {
		return fmt.Errorf("initial window size %d exceeds 2^31-1", opts.InitialWindowSize)
	}
	return nil
}

// PeerSettings are the SETTINGS the server announced.
type PeerSettings map[http2.SettingID]uint32

// MaxConcurrentStreams returns the server's stream limit, or 0 if unannounced.
func (p PeerSettings) MaxConcurrentStreams() uint32 {
	return p[http2.SettingMaxConcurrentStreams]
}

func (o *Options) settings() []http2.Setting {
	return []http2.Setting{
		{ID: http2.SettingEnablePush, Val: boolToUint32(o.EnableServerPush)},
		{ID: http2.SettingInitialWindowSize, Val: o.InitialWindowSize},
		{ID: http2.SettingMaxFrameSize, Val: o.MaxFrameSize},
		{ID: http2.SettingMaxHeaderListSize, Val: o.MaxHeaderListSize},
	}
}

func boolToUint32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

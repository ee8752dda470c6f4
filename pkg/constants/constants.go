// Package constants defines magic numbers and default values used throughout go-rawpool
package constants

import "time"

// Connection establishment
const (
	DefaultConnTimeout    = 10 * time.Second
	DefaultDNSTimeout     = 5 * time.Second
	DefaultConnectTimeout = 1 * time.Minute // CONNECT / SOCKS handshake when ctx has no deadline
	DefaultLinger         = -1              // negative leaves the OS default
)

// Pool limits and policies
const (
	DefaultMaxTotal                = 20
	DefaultMaxPerRoute             = 2
	DefaultValidateAfterInactivity = 2 * time.Second
	DefaultLeaseTimeout            = 30 * time.Second
	DefaultKeepAlive               = 60 * time.Second
	DefaultMaxIdleTime             = 90 * time.Second
	DefaultEvictInterval           = 30 * time.Second
)

// HTTP/2 connection preface
const (
	SettingsAckTimeout       = 10 * time.Second
	DefaultHpackTableSize    = 4096
	DefaultInitialWindowSize = 4 * 1024 * 1024
	DefaultMaxFrameSize      = 16 * 1024
	DefaultMaxHeaderListSize = 10 * 1024 * 1024
)

// Default ports per scheme
const (
	PortHTTP   = 80
	PortHTTPS  = 443
	PortSOCKS5 = 1080
)

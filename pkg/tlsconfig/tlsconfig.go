// Package tlsconfig builds the crypto/tls client configuration used when a
// connection is layered with TLS.
package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
)

// VersionProfile is a named TLS version range.
type VersionProfile struct {
	Name        string
	Min         uint16
	Max         uint16
	Description string
}

var (
	// ProfileModern allows TLS 1.3 only.
	ProfileModern = VersionProfile{
		Name:        "modern",
		Min:         tls.VersionTLS13,
		Max:         tls.VersionTLS13,
		Description: "TLS 1.3 only",
	}

	// ProfileSecure allows TLS 1.2 and 1.3. This is the default.
	ProfileSecure = VersionProfile{
		Name:        "secure",
		Min:         tls.VersionTLS12,
		Max:         tls.VersionTLS13,
		Description: "TLS 1.2+",
	}

	// ProfileCompatible also allows the deprecated TLS 1.0 and 1.1.
	ProfileCompatible = VersionProfile{
		Name:        "compatible",
		Min:         tls.VersionTLS10,
		Max:         tls.VersionTLS13,
		Description: "TLS 1.0+, includes deprecated versions",
	}
)

// LookupProfile returns the profile with the given name. The empty name
// selects ProfileSecure.
func LookupProfile(name string) (VersionProfile, error) {
	switch strings.ToLower(name) {
	case "", ProfileSecure.Name:
		return ProfileSecure, nil
	case ProfileModern.Name:
		return ProfileModern, nil
	case ProfileCompatible.Name:
		return ProfileCompatible, nil
	}
	return VersionProfile{}, fmt.Errorf("unknown TLS profile %q", name)
}

// Options describes the client side of a TLS handshake.
type Options struct {
	Profile            string
	InsecureSkipVerify bool
	// ServerName overrides the SNI and verification name; defaults to the
	// target host name.
	ServerName string
	// DisableSNI sends no server name. Requires InsecureSkipVerify because
	// crypto/tls cannot verify a certificate without a name.
	DisableSNI bool
	NextProtos []string

	RootCAs      *x509.CertPool
	Certificates []tls.Certificate

	CAFile   string
	CertFile string
	KeyFile  string
}

// Build returns a tls.Config for a handshake with serverName.
func Build(opts Options, serverName string) (*tls.Config, error) {
	profile, err := LookupProfile(opts.Profile)
	if err != nil {
		return nil, err
	}
	if opts.DisableSNI && !opts.InsecureSkipVerify {
		return nil, fmt.Errorf("disabling SNI requires insecure_skip_verify")
	}

	cfg := &tls.Config{
		InsecureSkipVerify: opts.InsecureSkipVerify,
		RootCAs:            opts.RootCAs,
		Certificates:       opts.Certificates,
	}
	ApplyVersionProfile(cfg, profile)
	ApplyCipherSuites(cfg, profile.Min)
	if len(opts.NextProtos) > 0 {
		cfg.NextProtos = append([]string(nil), opts.NextProtos...)
	}
	ConfigureSNI(cfg, opts.ServerName, opts.DisableSNI, serverName)

	if opts.CAFile != "" {
		pem, err := os.ReadFile(opts.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		pool := cfg.RootCAs
		if pool == nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", opts.CAFile)
		}
		cfg.RootCAs = pool
	}
	if opts.CertFile != "" || opts.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(opts.CertFile, opts.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		cfg.Certificates = append(cfg.Certificates, cert)
	}
	return cfg, nil
}

// ConfigureSNI sets the server name: an explicit sni wins over the target
// host name, and disable leaves it empty.
func ConfigureSNI(cfg *tls.Config, sni string, disable bool, host string) {
	if disable {
		cfg.ServerName = ""
		return
	}
	if sni != "" {
		cfg.ServerName = sni
		return
	}
	cfg.ServerName = host
}

// ApplyVersionProfile applies a version range to cfg.
func ApplyVersionProfile(cfg *tls.Config, profile VersionProfile) {
	cfg.MinVersion = profile.Min
	cfg.MaxVersion = profile.Max
}

// CipherSuitesTLS12Secure are the ECDHE/AEAD suites offered when TLS 1.2 is
// the minimum version.
var CipherSuitesTLS12Secure = []uint16{
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
}

// ApplyCipherSuites restricts TLS 1.2 suites to CipherSuitesTLS12Secure.
// TLS 1.3 suites are not configurable, and older minimums keep Go's defaults.
func ApplyCipherSuites(cfg *tls.Config, minVersion uint16) {
	if minVersion == tls.VersionTLS12 {
		cfg.CipherSuites = CipherSuitesTLS12Secure
		return
	}
	cfg.CipherSuites = nil
}

// VersionName returns a human-readable TLS version.
func VersionName(version uint16) string {
	switch version {
	case tls.VersionTLS10:
		return "TLS 1.0"
	case tls.VersionTLS11:
		return "TLS 1.1"
	case tls.VersionTLS12:
		return "TLS 1.2"
	case tls.VersionTLS13:
		return "TLS 1.3"
	}
	return "Unknown"
}

// IsVersionDeprecated reports whether version is older than TLS 1.2.
func IsVersionDeprecated(version uint16) bool {
	return version < tls.VersionTLS12
}

// CipherSuiteName returns the standard name of a cipher suite.
func CipherSuiteName(suite uint16) string {
	return tls.CipherSuiteName(suite)
}

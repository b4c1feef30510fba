// Package transport builds the outbound HTTP transport used to reach the
// cart backend.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	utls "github.com/refraction-networking/utls"
	"golang.org/x/net/http2"
)

// Some CDNs rate-limit clients whose TLS ClientHello looks like Go's.
// A fingerprinting transport presents a browser ClientHello through uTLS,
// lets ALPN pick h2 or http/1.1, and frames h2 with x/net/http2.

// Profiles accepted by New.
const (
	ProfileNone    = ""
	ProfileChrome  = "chrome"
	ProfileFirefox = "firefox"
	ProfileSafari  = "safari"
	ProfileIOS     = "ios"
)

var helloIDs = map[string]utls.ClientHelloID{
	ProfileChrome:  utls.HelloChrome_Auto,
	ProfileFirefox: utls.HelloFirefox_Auto,
	ProfileSafari:  utls.HelloSafari_Auto,
	ProfileIOS:     utls.HelloIOS_Auto,
}

// ValidProfile reports whether New accepts profile.
func ValidProfile(profile string) bool {
	if profile == ProfileNone {
		return true
	}
	_, ok := helloIDs[strings.ToLower(profile)]
	return ok
}

// New returns a RoundTripper for the given fingerprint profile.
// An empty profile yields a clone of http.DefaultTransport.
func New(profile string, timeout time.Duration) (http.RoundTripper, error) {
	if profile == ProfileNone {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.TLSHandshakeTimeout = timeout
		return t, nil
	}
	hello, ok := helloIDs[strings.ToLower(profile)]
	if !ok {
		return nil, fmt.Errorf("unknown TLS profile %q", profile)
	}

	dialer := &net.Dialer{Timeout: timeout}
	dialTLS := func(ctx context.Context, network, addr string) (net.Conn, error) {
		return dialFingerprinted(ctx, dialer, hello, network, addr)
	}

	return &fingerprintTransport{
		h2: &http2.Transport{
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				return dialTLS(ctx, network, addr)
			},
		},
		h1: &http.Transport{
			DialContext:       dialer.DialContext,
			DialTLSContext:    dialTLS,
			ForceAttemptHTTP2: false,
			IdleConnTimeout:   90 * time.Second,
		},
	}, nil
}

type fingerprintTransport struct {
	h2 *http2.Transport
	h1 *http.Transport
}

// RoundTrip tries h2 first and falls back to HTTP/1.1 when the server does
// not speak it. Plain http:// always uses HTTP/1.1.
func (t *fingerprintTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL.Scheme != "https" {
		return t.h1.RoundTrip(req)
	}

	resp, err := t.h2.RoundTrip(req)
	if err == nil {
		return resp, nil
	}
	if req.Context().Err() != nil {
		return nil, err
	}

	// A consumed body must be rewound before it can be sent again.
	if req.Body != nil && req.Body != http.NoBody {
		if req.GetBody == nil {
			return nil, err
		}
		body, berr := req.GetBody()
		if berr != nil {
			return nil, err
		}
		req = req.Clone(req.Context())
		req.Body = body
	}
	return t.h1.RoundTrip(req)
}

func dialFingerprinted(ctx context.Context, dialer *net.Dialer, hello utls.ClientHelloID, network, addr string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}

	conn, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	tlsConn := utls.UClient(conn, &utls.Config{ServerName: host}, hello)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("tls handshake: %w", err)
	}
	return tlsConn, nil
}

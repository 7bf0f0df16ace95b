// Package tlsutil provides centralized TLS configuration for all upstream
// HTTP clients in modelflow.
// 安全加固：TLS 1.2+，仅 AEAD 密码套件。
package tlsutil

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"
)

// DefaultTLSConfig returns a hardened TLS configuration.
// MinVersion TLS 1.2, AEAD-only cipher suites.
func DefaultTLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
		},
	}
}

// SecureTransport returns an http.Transport with TLS hardening and the
// given connect/keep-alive timeouts enforced independently of any
// whole-request deadline.
func SecureTransport(connectTimeout, keepAlive time.Duration) *http.Transport {
	if connectTimeout == 0 {
		connectTimeout = 30 * time.Second
	}
	if keepAlive == 0 {
		keepAlive = 30 * time.Second
	}
	return &http.Transport{
		TLSClientConfig: DefaultTLSConfig(),
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: keepAlive,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// SecureHTTPClient returns an http.Client with TLS hardening and an
// overall request timeout. Suitable for unary calls.
func SecureHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: SecureTransport(30*time.Second, 30*time.Second),
	}
}

// StreamingHTTPClient returns an http.Client for long-lived SSE streams:
// connect and response-header timeouts are enforced, but there is no
// whole-request deadline; the stream lives until the server closes it or
// the caller cancels the request context.
func StreamingHTTPClient(connectTimeout, keepAlive time.Duration) *http.Client {
	tr := SecureTransport(connectTimeout, keepAlive)
	tr.ResponseHeaderTimeout = connectTimeout
	return &http.Client{Transport: tr}
}

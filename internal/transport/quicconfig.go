package transport

import (
	"crypto/tls"
	"time"

	"github.com/quic-go/quic-go"
)

// quicALPN identifies the XCp QUIC replica protocol during the TLS
// handshake: one bidirectional stream per connection, framed as
// length-prefixed offset/length read requests and chunk responses.
const quicALPN = "xcp-quic-v1"

// quicClientTLSConfig returns the TLS configuration used to dial a QUIC
// replica. Replica identity is established by the caller (a known, trusted
// URL list), not by certificate validation, matching the teacher's own
// self-signed-certificate posture for its peer connections.
func quicClientTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{quicALPN},
	}
}

func defaultQUICConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod:                10 * time.Second,
		MaxIdleTimeout:                 30 * time.Second,
		DisablePathMTUDiscovery:        true,
		InitialConnectionReceiveWindow: 64 * 1024 * 1024,
		MaxConnectionReceiveWindow:     64 * 1024 * 1024,
		InitialStreamReceiveWindow:     16 * 1024 * 1024,
		MaxStreamReceiveWindow:         16 * 1024 * 1024,
	}
}

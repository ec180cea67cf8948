// SPDX-FileCopyrightText: 2026 The CloudVPN Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package conn

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	quic "github.com/quic-go/quic-go"
)

const (
	quicErrShutdown  quic.ApplicationErrorCode = 1
	quicErrHandshake quic.ApplicationErrorCode = 2
)

const quicAcceptTimeout = 10 * time.Second

func quicConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod: time.Second,
		MaxIdleTimeout:  2 * time.Minute,
	}
}

// QUICTransport carries the wire protocol over a single bidirectional QUIC
// stream per peer; QUIC's TLS handshake provides the authentication.
type QUICTransport struct {
	Config *tls.Config
}

// NewQUICTransport wraps a TLS configuration, see IdentityConfig.
func NewQUICTransport(config *tls.Config) *QUICTransport {
	return &QUICTransport{Config: config}
}

func (t *QUICTransport) Scheme() string {
	return "quic"
}

func (t *QUICTransport) Connect(address string, connected func()) (Stream, error) {
	if connected != nil {
		connected()
	}

	session, err := quic.DialAddr(context.Background(), address, t.Config, quicConfig())
	if err != nil {
		return nil, err
	}

	stream, err := session.OpenStreamSync(context.Background())
	if err != nil {
		_ = session.CloseWithError(quicErrHandshake, "stream setup failed")
		return nil, err
	}

	return &quicStream{session: session, stream: stream}, nil
}

func (t *QUICTransport) Listen(address string) (Listener, error) {
	raw, err := quic.ListenAddr(address, t.Config, quicConfig())
	if err != nil {
		return nil, err
	}

	return &quicListener{raw: raw}, nil
}

type quicStream struct {
	session quic.Connection
	stream  quic.Stream
}

func (s *quicStream) Read(p []byte) (int, error) {
	return s.stream.Read(p)
}

func (s *quicStream) Write(p []byte) (int, error) {
	return s.stream.Write(p)
}

func (s *quicStream) Close() error {
	_ = s.stream.Close()
	return s.session.CloseWithError(quicErrShutdown, "closing")
}

func (s *quicStream) PeerIdentity() string {
	return peerCommonName(s.session.ConnectionState().TLS)
}

func (s *quicStream) RemoteDescription() string {
	return fmt.Sprintf("quic://%v", s.session.RemoteAddr())
}

type quicListener struct {
	raw *quic.Listener
}

// Accept waits for a session and its peer's single protocol stream.
func (l *quicListener) Accept() (Stream, error) {
	for {
		session, err := l.raw.Accept(context.Background())
		if err != nil {
			return nil, err
		}

		ctx, cancel := context.WithTimeout(context.Background(), quicAcceptTimeout)
		stream, err := session.AcceptStream(ctx)
		cancel()
		if err != nil {
			_ = session.CloseWithError(quicErrHandshake, "no protocol stream")
			continue
		}

		return &quicStream{session: session, stream: stream}, nil
	}
}

func (l *quicListener) Close() error {
	return l.raw.Close()
}

func (l *quicListener) Addr() string {
	return l.raw.Addr().String()
}

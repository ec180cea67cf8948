// SPDX-FileCopyrightText: 2026 The CloudVPN Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package conn

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"time"

	log "github.com/sirupsen/logrus"
)

const alpnProtocol = "cloudvpn"

const dialTimeout = 10 * time.Second

// IdentityConfig builds the TLS configuration carrying this node's
// identity. With cert and key files given they are loaded; otherwise a
// self-signed certificate naming the node is generated, leaving peers to
// pin identities by name instead of by authority.
func IdentityConfig(node, certFile, keyFile string) (*tls.Config, error) {
	var tlsCert tls.Certificate

	if certFile != "" && keyFile != "" {
		var err error
		if tlsCert, err = tls.LoadX509KeyPair(certFile, keyFile); err != nil {
			return nil, fmt.Errorf("loading key pair failed: %w", err)
		}
	} else {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, fmt.Errorf("generating private key failed: %w", err)
		}

		template := x509.Certificate{
			SerialNumber: big.NewInt(1),
			Subject:      pkix.Name{CommonName: node},
			NotBefore:    time.Now(),
			NotAfter:     time.Now().AddDate(10, 0, 0),
		}
		certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
		if err != nil {
			return nil, fmt.Errorf("generating certificate failed: %w", err)
		}

		keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
		certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

		if tlsCert, err = tls.X509KeyPair(certPEM, keyPEM); err != nil {
			return nil, fmt.Errorf("assembling key pair failed: %w", err)
		}
	}

	return &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
		NextProtos:   []string{alpnProtocol},
		MinVersion:   tls.VersionTLS13,

		// Peers authenticate by certificate identity, not by authority;
		// the connection compares the presented name against its
		// configured peer.
		InsecureSkipVerify: true,
		ClientAuth:         tls.RequireAnyClientCert,
	}, nil
}

// peerCommonName extracts the identity from a TLS connection state.
func peerCommonName(state tls.ConnectionState) string {
	if len(state.PeerCertificates) == 0 {
		return ""
	}
	return state.PeerCertificates[0].Subject.CommonName
}

// TLSTransport speaks the wire protocol over TLS on TCP.
type TLSTransport struct {
	Config *tls.Config
}

// NewTLSTransport wraps a TLS configuration, see IdentityConfig.
func NewTLSTransport(config *tls.Config) *TLSTransport {
	return &TLSTransport{Config: config}
}

func (t *TLSTransport) Scheme() string {
	return "tls"
}

func (t *TLSTransport) Connect(address string, connected func()) (Stream, error) {
	raw, err := net.DialTimeout("tcp", address, dialTimeout)
	if err != nil {
		return nil, err
	}

	if connected != nil {
		connected()
	}

	tlsConn := tls.Client(raw, t.Config)
	if err := tlsConn.Handshake(); err != nil {
		_ = raw.Close()
		return nil, err
	}

	return &tlsStream{conn: tlsConn}, nil
}

func (t *TLSTransport) Listen(address string) (Listener, error) {
	raw, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}

	return &tlsListener{raw: raw, config: t.Config}, nil
}

type tlsStream struct {
	conn *tls.Conn
}

func (s *tlsStream) Read(p []byte) (int, error) {
	return s.conn.Read(p)
}

func (s *tlsStream) Write(p []byte) (int, error) {
	return s.conn.Write(p)
}

func (s *tlsStream) Close() error {
	return s.conn.Close()
}

func (s *tlsStream) PeerIdentity() string {
	return peerCommonName(s.conn.ConnectionState())
}

func (s *tlsStream) RemoteDescription() string {
	return fmt.Sprintf("tls://%v", s.conn.RemoteAddr())
}

type tlsListener struct {
	raw    net.Listener
	config *tls.Config
}

// Accept completes the TLS handshake before handing the stream out, so a
// stalling client cannot block an accepted-but-unauthenticated slot
// indefinitely.
func (l *tlsListener) Accept() (Stream, error) {
	for {
		raw, err := l.raw.Accept()
		if err != nil {
			return nil, err
		}

		tlsConn := tls.Server(raw, l.config)
		_ = raw.SetDeadline(time.Now().Add(dialTimeout))
		if err := tlsConn.Handshake(); err != nil {
			log.WithFields(log.Fields{
				"remote": raw.RemoteAddr(),
				"error":  err,
			}).Debug("TLS listener dropped a failing handshake")

			_ = raw.Close()
			continue
		}
		_ = raw.SetDeadline(time.Time{})

		return &tlsStream{conn: tlsConn}, nil
	}
}

func (l *tlsListener) Close() error {
	return l.raw.Close()
}

func (l *tlsListener) Addr() string {
	return l.raw.Addr().String()
}

// Package connection provides a thin, pluggable abstraction over a
// TCP (optionally TLS) stream that reads and writes whole DICOM
// upper-layer PDUs, leaving PDU interpretation to the pdu and dimse
// packages. Real sockets and test doubles implement the same Conn
// interface so association and dispatcher code never branches on
// transport.
package connection

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"net"
	"time"

	"github.com/dicomassoc/dicomassoc/pdu"
)

// Conn is the contract every transport (raw TCP, TLS, or a test
// double) must satisfy.
type Conn interface {
	// ReadPDU blocks until a full PDU is framed or the peer closes
	// the connection.
	ReadPDU() (pduType byte, body []byte, err error)
	// WritePDU writes the encoded PDU bytes (header included),
	// failing with a write-timeout error if deadline elapses before
	// the kernel accepts all bytes.
	WritePDU(frame []byte, deadline time.Time) error
	// Close is idempotent.
	Close() error
}

// Dialer is a connection factory: given an address it produces a Conn,
// optionally over TLS. Tests supply a Dialer backed by an in-memory
// pipe instead of a real socket.
type Dialer func(ctx context.Context, address string) (Conn, error)

// TLSConfig carries the TLS material for an encrypted transport; a
// nil *TLSConfig means plain TCP.
type TLSConfig struct {
	Certificates       []tls.Certificate
	RootCAs            *x509.CertPool
	ServerName         string
	InsecureSkipVerify bool
	MinVersion         uint16
}

func (c *TLSConfig) tlsConfig() *tls.Config {
	if c == nil {
		return nil
	}
	cfg := &tls.Config{
		Certificates:       c.Certificates,
		RootCAs:            c.RootCAs,
		ServerName:         c.ServerName,
		InsecureSkipVerify: c.InsecureSkipVerify,
		MinVersion:         c.MinVersion,
	}
	if cfg.MinVersion == 0 {
		cfg.MinVersion = tls.VersionTLS12
	}
	return cfg
}

// NewDialer returns a Dialer that opens a real TCP connection,
// wrapping it in TLS when tlsCfg is non-nil.
func NewDialer(connectTimeout time.Duration, tlsCfg *TLSConfig) Dialer {
	return func(ctx context.Context, address string) (Conn, error) {
		netDialer := &net.Dialer{Timeout: connectTimeout}
		raw, err := netDialer.DialContext(ctx, "tcp", address)
		if err != nil {
			return nil, err
		}

		if tlsCfg != nil {
			tlsConn := tls.Client(raw, tlsCfg.tlsConfig())
			if err := tlsConn.HandshakeContext(ctx); err != nil {
				raw.Close()
				return nil, err
			}
			return &tcpConn{conn: tlsConn}, nil
		}

		return &tcpConn{conn: raw}, nil
	}
}

type tcpConn struct {
	conn net.Conn
}

func (c *tcpConn) ReadPDU() (byte, []byte, error) {
	header := make([]byte, 6)
	if _, err := io.ReadFull(c.conn, header); err != nil {
		return 0, nil, err
	}
	pduType, length, err := pdu.DecodeHeader(header)
	if err != nil {
		return 0, nil, err
	}
	body := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(c.conn, body); err != nil {
			return 0, nil, err
		}
	}
	return pduType, body, nil
}

func (c *tcpConn) WritePDU(frame []byte, deadline time.Time) error {
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	_, err := c.conn.Write(frame)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return &WriteTimeoutError{Deadline: deadline}
		}
		return err
	}
	return nil
}

func (c *tcpConn) Close() error {
	return c.conn.Close()
}

// WriteTimeoutError is returned by WritePDU when the per-write
// deadline elapses before the kernel accepts all bytes.
type WriteTimeoutError struct {
	Deadline time.Time
}

func (e *WriteTimeoutError) Error() string {
	return "connection: write deadline exceeded"
}

func (e *WriteTimeoutError) Timeout() bool { return true }

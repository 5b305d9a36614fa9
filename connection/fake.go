package connection

import (
	"net"
	"time"

	"github.com/dicomassoc/dicomassoc/pdu"
)

// FakeConn wraps a net.Conn (typically one end of net.Pipe) and
// injects an artificial delay before each WritePDU returns. It exists
// so tests can exercise write-timeout and send-side-latency scenarios
// (large C-STORE payloads under slow links) without a real NIC.
type FakeConn struct {
	conn         net.Conn
	writeLatency time.Duration
}

// NewFakeConn wraps conn, delaying every WritePDU call by writeLatency
// before the bytes are actually written.
func NewFakeConn(conn net.Conn, writeLatency time.Duration) *FakeConn {
	return &FakeConn{conn: conn, writeLatency: writeLatency}
}

func (c *FakeConn) ReadPDU() (byte, []byte, error) {
	header := make([]byte, 6)
	if _, err := readFull(c.conn, header); err != nil {
		return 0, nil, err
	}
	pduType, length, err := pdu.DecodeHeader(header)
	if err != nil {
		return 0, nil, err
	}
	body := make([]byte, length)
	if length > 0 {
		if _, err := readFull(c.conn, body); err != nil {
			return 0, nil, err
		}
	}
	return pduType, body, nil
}

func (c *FakeConn) WritePDU(frame []byte, deadline time.Time) error {
	if c.writeLatency > 0 {
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= c.writeLatency {
				if remaining > 0 {
					time.Sleep(remaining)
				}
				return &WriteTimeoutError{Deadline: deadline}
			}
		}
		time.Sleep(c.writeLatency)
	}

	if !deadline.IsZero() {
		if err := c.conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
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

func (c *FakeConn) Close() error {
	return c.conn.Close()
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

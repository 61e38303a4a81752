package usbip

import (
	"context"
	"net"
	"syscall"
	"time"

	"github.com/efficientgo/core/errors"
)

const requestTimeout = 5 * time.Second

type Connection struct {
	Target     Target
	connection net.Conn
}

// Dialer opens control connections to USB/IP targets.
type Dialer interface {
	Dial(ctx context.Context, t Target) (*Connection, error)
}

type NetDialer struct {
	Timeout time.Duration
}

func (d NetDialer) Dial(ctx context.Context, t Target) (*Connection, error) {
	dialer := net.Dialer{Timeout: d.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", t.Address())
	if err != nil {
		return nil, errors.Wrap(err, "Failed to connect to USB/IP target at "+t.Address())
	}
	return &Connection{
		Target:     t,
		connection: conn,
	}, nil
}

// SyscallConn exposes the socket so it can be handed to vhci_hcd.
func (c *Connection) SyscallConn() (syscall.RawConn, error) {
	sc, ok := c.connection.(syscall.Conn)
	if !ok {
		return nil, errors.Newf("connection to %s has no file descriptor", c.Target)
	}
	return sc.SyscallConn()
}

func (c *Connection) Close() {
	_ = c.connection.Close()
}

func (c *Connection) readReply(expectedCode uint16) error {
	hdr := usbipHeader{}
	if err := binaryRead(c.connection, &hdr); err != nil {
		return errors.Wrap(err, "failed to read reply header")
	}
	if hdr.Code != expectedCode {
		return errors.Newf("unexpected reply code %#04x, expected %#04x", hdr.Code, expectedCode)
	}
	if hdr.Status != 0 {
		return errors.Newf("request failed with status %d", hdr.Status)
	}
	return nil
}

package control

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// Client is a connection to a hypervisor's control socket speaking the
// greeting/capabilities-negotiation/command-response dialect described in
// the control-protocol design notes. It is not safe for concurrent use.
type Client struct {
	conn   net.Conn
	reader *bufio.Reader
}

// Connect dials addr, reads and validates the greeting, and negotiates
// capabilities. The returned Client is ready to accept commands.
func Connect(ctx context.Context, addr Address) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, string(addr.Network), addr.Addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionRefused, err)
	}

	c := &Client{conn: conn, reader: bufio.NewReader(conn)}

	greeting, err := c.readMessage(ctx)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read greeting: %w", err)
	}
	if !greeting.isGreeting() {
		conn.Close()
		return nil, ErrHandshakeFailed
	}

	if err := c.command(ctx, reqCapabilities); err != nil {
		conn.Close()
		return nil, fmt.Errorf("negotiate capabilities: %w", err)
	}

	return c, nil
}

// ShutdownVM requests a graceful guest shutdown. The caller is responsible
// for enforcing its own timeout and escalating to a hard kill if the guest
// never powers off.
func (c *Client) ShutdownVM(ctx context.Context) error {
	if err := c.command(ctx, reqPowerdown); err != nil {
		return fmt.Errorf("system_powerdown: %w", err)
	}
	return nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// command writes req and waits for the matching success response, silently
// discarding any event messages interleaved before it.
func (c *Client) command(ctx context.Context, req request) error {
	if err := c.writeMessage(ctx, req); err != nil {
		return err
	}
	return c.readSuccess(ctx)
}

// readSuccess consumes messages until a response arrives. Event messages
// are discarded; a "return" ends the loop successfully, anything else
// (including "error") fails with the verbatim message attached.
func (c *Client) readSuccess(ctx context.Context) error {
	for {
		msg, err := c.readMessage(ctx)
		if err != nil {
			return err
		}
		if msg.isEvent() {
			continue
		}
		if msg.Return != nil {
			return nil
		}
		raw, _ := json.Marshal(msg)
		return newProtocolError(raw)
	}
}

func (c *Client) writeMessage(ctx context.Context, v interface{}) error {
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(deadline)
	} else {
		c.conn.SetWriteDeadline(time.Time{})
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	payload = append(payload, '\r', '\n')

	if _, err := c.conn.Write(payload); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// readMessage reads one CRLF-delimited JSON object from the socket. The
// underlying bufio.Reader retains any bytes read past the delimiter for
// the next call, so pipelined frames are never dropped.
func (c *Client) readMessage(ctx context.Context) (message, error) {
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetReadDeadline(deadline)
	} else {
		c.conn.SetReadDeadline(time.Time{})
	}

	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		return message{}, fmt.Errorf("read frame: %w", err)
	}
	line = trimCRLF(line)

	var msg message
	if err := json.Unmarshal(line, &msg); err != nil {
		return message{}, fmt.Errorf("decode frame %q: %w", line, err)
	}
	return msg, nil
}

func trimCRLF(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}

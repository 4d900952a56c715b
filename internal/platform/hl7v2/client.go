package hl7v2

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/text/encoding"
)

// Outcome classifies the result of one send.
type Outcome string

const (
	OutcomeAccepted     Outcome = "accepted"     // positive acknowledgment
	OutcomeRejected     Outcome = "rejected"     // negative or unusable acknowledgment
	OutcomeTimeout      Outcome = "timeout"      // no complete acknowledgment in time
	OutcomeConnectivity Outcome = "connectivity" // refused, reset or closed
)

// State is a step of a single send exchange.
type State string

const (
	StateIdle        State = "idle"
	StateConnecting  State = "connecting"
	StateConnected   State = "connected"
	StateSending     State = "sending"
	StateAwaitingAck State = "awaiting_ack"
	StateAcked       State = "acked"
	StateTimedOut    State = "timed_out"
	StateErrored     State = "errored"
	StateClosed      State = "closed"
)

const defaultClientTimeout = 30 * time.Second

var (
	errFrameTooLarge   = errors.New("hl7v2: acknowledgment exceeds maximum frame size")
	errControlMismatch = errors.New("hl7v2: acknowledgment control id does not match")
)

// SendResult is the discriminated result of Client.Send.
type SendResult struct {
	Outcome  Outcome
	Ack      Ack
	RawAck   string
	Err      error
	Duration time.Duration
}

// Accepted reports whether the receiver accepted the message.
func (r SendResult) Accepted() bool {
	return r.Outcome == OutcomeAccepted
}

// Reason returns a human readable description of a failed send.
func (r SendResult) Reason() string {
	switch {
	case r.Outcome == OutcomeAccepted:
		return ""
	case r.Outcome == OutcomeRejected && r.Err == nil:
		if r.Ack.Text != "" {
			return fmt.Sprintf("receiver returned %s: %s", r.Ack.Code, r.Ack.Text)
		}
		return fmt.Sprintf("receiver returned %s", r.Ack.Code)
	case r.Err != nil:
		return r.Err.Error()
	default:
		return string(r.Outcome)
	}
}

// ClientConfig configures a Client.
type ClientConfig struct {
	Host    string
	Port    int
	Timeout time.Duration
	Charset string
	// OnState, when set, observes every state transition of every send.
	OnState func(addr string, s State)
}

// Client sends framed messages over a fresh TCP connection per message and
// waits for the receiver's acknowledgment.
type Client struct {
	addr    string
	timeout time.Duration
	enc     encoding.Encoding
	dialer  net.Dialer
	onState func(addr string, s State)
}

// NewClient creates a Client for host:port.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("hl7v2: receiver host is required")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("hl7v2: invalid receiver port %d", cfg.Port)
	}
	enc, err := LookupCharset(cfg.Charset)
	if err != nil {
		return nil, err
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultClientTimeout
	}
	return &Client{
		addr:    net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		timeout: timeout,
		enc:     enc,
		onState: cfg.OnState,
	}, nil
}

// Addr returns the receiver address.
func (c *Client) Addr() string {
	return c.addr
}

// Timeout returns the per-message timeout.
func (c *Client) Timeout() time.Duration {
	return c.timeout
}

// Send transmits text and classifies the acknowledgment. It never retries.
func (c *Client) Send(ctx context.Context, text string) SendResult {
	start := time.Now()
	res := c.exchange(ctx, text)
	res.Duration = time.Since(start)
	return res
}

func (c *Client) exchange(ctx context.Context, text string) SendResult {
	c.transition(StateIdle)

	payload, err := encodeText(c.enc, text)
	if err != nil {
		c.transition(StateErrored)
		c.transition(StateClosed)
		return SendResult{Outcome: OutcomeRejected, Err: err}
	}

	var expectedControlID string
	if msg, err := Parse([]byte(text)); err == nil {
		expectedControlID = msg.ControlID
	}

	c.transition(StateConnecting)
	dialCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	conn, err := c.dialer.DialContext(dialCtx, "tcp", c.addr)
	if err != nil {
		c.transition(StateErrored)
		c.transition(StateClosed)
		return SendResult{Outcome: OutcomeConnectivity, Err: fmt.Errorf("connect to %s: %w", c.addr, err)}
	}
	defer func() {
		conn.Close()
		c.transition(StateClosed)
	}()
	c.transition(StateConnected)

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	c.transition(StateSending)
	if _, err := conn.Write(FrameMessage(payload)); err != nil {
		return c.failure(ctx, fmt.Errorf("write to %s: %w", c.addr, err))
	}

	c.transition(StateAwaitingAck)
	raw, err := readFrame(conn)
	if err != nil {
		if errors.Is(err, errFrameTooLarge) {
			c.transition(StateErrored)
			return SendResult{Outcome: OutcomeRejected, Err: err}
		}
		return c.failure(ctx, fmt.Errorf("read acknowledgment from %s: %w", c.addr, err))
	}

	decoded, err := decodeText(c.enc, raw)
	if err != nil {
		c.transition(StateErrored)
		return SendResult{Outcome: OutcomeRejected, RawAck: string(raw), Err: err}
	}
	ack, err := ParseAck(decoded)
	if err != nil {
		c.transition(StateErrored)
		return SendResult{Outcome: OutcomeRejected, RawAck: string(decoded), Err: fmt.Errorf("unreadable acknowledgment: %w", err)}
	}

	c.transition(StateAcked)
	res := SendResult{Ack: ack, RawAck: string(decoded)}
	switch {
	case expectedControlID != "" && ack.ControlID != "" && ack.ControlID != expectedControlID:
		res.Outcome = OutcomeRejected
		res.Err = fmt.Errorf("%w: sent %s, got %s", errControlMismatch, expectedControlID, ack.ControlID)
	case ack.Positive():
		res.Outcome = OutcomeAccepted
	default:
		res.Outcome = OutcomeRejected
	}
	return res
}

// failure classifies an I/O error after the connection was established.
func (c *Client) failure(ctx context.Context, err error) SendResult {
	if ctxErr := ctx.Err(); ctxErr != nil {
		c.transition(StateErrored)
		return SendResult{Outcome: OutcomeConnectivity, Err: fmt.Errorf("%w: %v", ctxErr, err)}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		c.transition(StateTimedOut)
		return SendResult{Outcome: OutcomeTimeout, Err: fmt.Errorf("no acknowledgment within %s: %w", c.timeout, err)}
	}
	c.transition(StateErrored)
	return SendResult{Outcome: OutcomeConnectivity, Err: err}
}

// readFrame reads from conn until one complete MLLP frame has arrived.
func readFrame(conn net.Conn) ([]byte, error) {
	buf := make([]byte, 0, 1024)
	chunk := make([]byte, 1024)
	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if msg, _, found := UnframeMessage(buf); found {
				return msg, nil
			}
			if len(buf) > mllpMaxMessageSize {
				return nil, errFrameTooLarge
			}
		}
		if err != nil {
			return nil, err
		}
	}
}

// Probe opens and closes a connection to the receiver.
func (c *Client) Probe(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	conn, err := c.dialer.DialContext(dialCtx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", c.addr, err)
	}
	return conn.Close()
}

func (c *Client) transition(s State) {
	if c.onState != nil {
		c.onState(c.addr, s)
	}
}

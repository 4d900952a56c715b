package hl7v2

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const (
	// MLLPStartBlock is the MLLP start-of-message byte (VT).
	MLLPStartBlock = 0x0B

	// MLLPEndBlock is the MLLP end-of-message byte (FS).
	MLLPEndBlock = 0x1C

	// MLLPCarriageReturn is the trailing CR after the end block.
	MLLPCarriageReturn = 0x0D

	// mllpMaxMessageSize bounds a single frame (1 MB).
	mllpMaxMessageSize = 1 << 20

	// mllpIdleTimeout closes receiver connections with no traffic.
	mllpIdleTimeout = 30 * time.Second
)

// MessageHandler is called for each message the receiver accepts off the
// wire. It returns the acknowledgment to send back, or nil for none.
type MessageHandler func(msg *Message) *Message

// MLLPServer is a minimal MLLP receiver. The intake service only sends; the
// server exists for local testing against a cooperative endpoint.
type MLLPServer struct {
	addr     string
	handler  MessageHandler
	logger   zerolog.Logger
	listener net.Listener
	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	done     chan struct{}
	stopped  atomic.Bool
	wg       sync.WaitGroup
}

// NewMLLPServer creates a receiver listening on addr.
func NewMLLPServer(addr string, handler MessageHandler, logger zerolog.Logger) *MLLPServer {
	return &MLLPServer{
		addr:    addr,
		handler: handler,
		logger:  logger.With().Str("component", "mllp-server").Logger(),
		conns:   make(map[net.Conn]struct{}),
		done:    make(chan struct{}),
	}
}

// Start begins listening. The accept loop runs in the background.
func (s *MLLPServer) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("mllp: failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop()
	}()
	return nil
}

// Stop closes the listener and all open connections and waits for the
// connection goroutines to exit. It is safe to call more than once.
func (s *MLLPServer) Stop() error {
	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}
	close(s.done)

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}

	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

// Addr returns the bound address, useful when listening on port 0.
func (s *MLLPServer) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func (s *MLLPServer) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			s.logger.Error().Err(err).Msg("accept failed")
			return
		}

		s.trackConn(conn, true)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.trackConn(conn, false)
			defer conn.Close()
			s.handleConnection(conn)
		}()
	}
}

func (s *MLLPServer) trackConn(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

// handleConnection reads frames until the peer disconnects or goes idle.
func (s *MLLPServer) handleConnection(conn net.Conn) {
	buf := make([]byte, 0, 4096)
	readBuf := make([]byte, 4096)

	for {
		select {
		case <-s.done:
			return
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(mllpIdleTimeout))
		n, err := conn.Read(readBuf)
		if n > 0 {
			buf = append(buf, readBuf[:n]...)
			if len(buf) > mllpMaxMessageSize {
				s.logger.Warn().Str("remote", conn.RemoteAddr().String()).Msg("frame exceeds max size, closing connection")
				return
			}
			for {
				msgBytes, rest, found := UnframeMessage(buf)
				if !found {
					break
				}
				buf = rest
				s.processMessage(conn, msgBytes)
			}
		}
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() && len(buf) > 0 {
				continue
			}
			return
		}
	}
}

func (s *MLLPServer) processMessage(conn net.Conn, raw []byte) {
	msg, err := Parse(raw)
	if err != nil {
		s.logger.Warn().Err(err).Msg("discarding unparseable message")
		return
	}
	s.logger.Info().
		Str("type", msg.Type).
		Str("control_id", msg.ControlID).
		Str("tracking_id", msg.TrackingID()).
		Msg("message received")

	resp := s.handler(msg)
	if resp == nil {
		return
	}

	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if _, err := conn.Write(FrameMessage(SerializeMessage(resp))); err != nil {
		s.logger.Error().Err(err).Msg("write acknowledgment failed")
	}
}

// ---------------------------------------------------------------------------
// MLLP framing helpers
// ---------------------------------------------------------------------------

// FrameMessage wraps raw HL7v2 bytes in MLLP framing:
//
//	<0x0B> + message + <0x1C><0x0D>
func FrameMessage(data []byte) []byte {
	frame := make([]byte, 0, len(data)+3)
	frame = append(frame, MLLPStartBlock)
	frame = append(frame, data...)
	frame = append(frame, MLLPEndBlock, MLLPCarriageReturn)
	return frame
}

// UnframeMessage extracts the first complete frame from data. It returns the
// payload, the bytes after the frame, and whether a frame was found.
func UnframeMessage(data []byte) (message []byte, rest []byte, found bool) {
	startIdx := bytes.IndexByte(data, MLLPStartBlock)
	if startIdx == -1 {
		return nil, data, false
	}

	endIdx := bytes.Index(data[startIdx+1:], []byte{MLLPEndBlock, MLLPCarriageReturn})
	if endIdx == -1 {
		return nil, data, false
	}
	endIdx = startIdx + 1 + endIdx

	return data[startIdx+1 : endIdx], data[endIdx+2:], true
}

// ---------------------------------------------------------------------------
// ACK generation
// ---------------------------------------------------------------------------

var ackSeq atomic.Uint64

// GenerateACK builds an acknowledgment for incoming. ackCode is one of the
// Ack* constants; text, when non-empty, is carried in MSA-3.
//
// Sending and receiving application/facility are swapped and MSA-2 echoes
// the incoming control id.
func GenerateACK(incoming *Message, ackCode, text string) *Message {
	trigger := ""
	if parts := strings.Split(incoming.Type, "^"); len(parts) >= 2 {
		trigger = parts[1]
	}

	now := time.Now().UTC()
	timestamp := now.Format(hl7TimestampLayout)
	controlID := fmt.Sprintf("ACK%s%03d", timestamp, ackSeq.Add(1)%1000)

	ack := &Message{
		Type:         "ACK^" + trigger,
		ControlID:    controlID,
		Version:      incoming.Version,
		Timestamp:    now,
		SendingApp:   incoming.ReceivingApp,
		SendingFac:   incoming.ReceivingFac,
		ReceivingApp: incoming.SendingApp,
		ReceivingFac: incoming.SendingFac,
	}

	msh := Segment{Name: "MSH", Fields: []Field{
		textField("|"), textField("^~\\&"),
		textField(ack.SendingApp), textField(ack.SendingFac),
		textField(ack.ReceivingApp), textField(ack.ReceivingFac),
		textField(timestamp), textField(""),
		textField(ack.Type), textField(controlID),
		textField("P"), textField(incoming.Version),
	}}

	msaFields := []Field{textField(ackCode), textField(incoming.ControlID)}
	if text != "" {
		msaFields = append(msaFields, textField(Escape(text)))
	}

	ack.Segments = []Segment{msh, {Name: "MSA", Fields: msaFields}}
	return ack
}

func textField(v string) Field {
	return Field{Value: v, Components: strings.Split(v, "^")}
}

// SerializeMessage renders a Message back into HL7v2 bytes.
func SerializeMessage(msg *Message) []byte {
	segments := make([]string, 0, len(msg.Segments))
	for _, seg := range msg.Segments {
		segments = append(segments, serializeSegment(seg))
	}
	return []byte(strings.Join(segments, "\r"))
}

func serializeSegment(seg Segment) string {
	if seg.Name == "MSH" {
		// Fields[0] is the separator itself; the rest follow "MSH|".
		if len(seg.Fields) < 2 {
			return "MSH|"
		}
		parts := make([]string, 0, len(seg.Fields)-1)
		for i := 1; i < len(seg.Fields); i++ {
			parts = append(parts, seg.Fields[i].Value)
		}
		return "MSH|" + strings.Join(parts, "|")
	}

	parts := make([]string, len(seg.Fields))
	for i, f := range seg.Fields {
		parts[i] = f.Value
	}
	return seg.Name + "|" + strings.Join(parts, "|")
}

// AckHandler returns a MessageHandler that answers every message with code.
func AckHandler(code, text string) MessageHandler {
	return func(msg *Message) *Message {
		return GenerateACK(msg, code, text)
	}
}

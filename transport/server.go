// Package transport implements the I/O-thread side of the inspector: the
// listening socket, the HTTP/WebSocket accept loop (component C2), and the
// runtime that drains the outbound queue and dispatches frames to sessions
// (component C4). It never touches an engine handle — everything it learns
// about the engine thread's intent arrives as an OutboundEnvelope off the
// shared queue.Plane, and everything it reports back leaves as an
// InboundEnvelope on the same plane.
package transport

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/avbdr/jsinspect/discovery"
	"github.com/avbdr/jsinspect/queue"
	"github.com/avbdr/jsinspect/target"
	"github.com/avbdr/jsinspect/wsproto"
)

// handshakeTimeout bounds how long a connection may sit between accept and
// a completed HTTP request (spec §5 timeouts): long enough for a slow
// client, short enough that a probe connection can't pin a slot forever.
const handshakeTimeout = 5 * time.Second

// maxPendingUpgrades caps how many sockets may be mid-handshake (accepted,
// not yet upgraded or rejected) at once.
const maxPendingUpgrades = 8

// highWatermark is the per-session outbound backlog limit, in bytes of
// unsent frame payload, before the session is torn down with 1009 Message
// Too Big (spec §5 backpressure policy).
const highWatermark = 16 << 20

var (
	ErrAlreadyStarted = errors.New("transport: server already started")
	ErrBindFailed     = errors.New("transport: bind failed")
)

// Server owns the listening socket, the set of live sessions, and the
// outbound-drain loop. One Server exists per Agent; it has exactly one
// Target, so "a session exists for this target" and "a session exists"
// are the same question.
type Server struct {
	plane  *queue.Plane
	target target.Target
	host   string

	browserName    string
	browserVersion string

	logger *slog.Logger

	mu            sync.Mutex
	listener      net.Listener
	sessions      map[int]*session
	activeSession int // 0 means none; session ids are allocated starting at 1
	nextSessionID int
	accepting     bool

	pendingSlots chan struct{}

	done chan struct{}

	// OnDisposition, if set, is invoked for each of the spec's named
	// error dispositions (HandshakeFailed, FrameProtocolError,
	// SessionBusy) as they happen, with a one-word kind and the detail
	// error if any. The Agent facade uses it to log with its own
	// exported sentinel errors without this package needing to import
	// jsinspect.
	OnDisposition func(kind string, detail error)
}

// Options configures a Server.
type Options struct {
	Host           string
	Port           int
	BrowserName    string
	BrowserVersion string
	Logger         *slog.Logger
}

// New builds a Server bound to no socket yet; call Start to bind and begin
// accepting.
func New(plane *queue.Plane, t target.Target, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		plane:          plane,
		target:         t,
		host:           opts.Host,
		browserName:    opts.BrowserName,
		browserVersion: opts.BrowserVersion,
		logger:         logger,
		sessions:       make(map[int]*session),
		pendingSlots:   make(chan struct{}, maxPendingUpgrades),
		done:           make(chan struct{}),
	}
}

// Start binds the listening socket and launches the accept loop and the
// outbound-drain loop as background goroutines. It returns the bound
// address, so a caller that requested an ephemeral port (Port == 0) can
// learn what was actually allocated.
func (s *Server) Start(port int) (net.Addr, error) {
	s.mu.Lock()
	if s.listener != nil {
		s.mu.Unlock()
		return nil, ErrAlreadyStarted
	}
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.host, port))
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrBindFailed, err)
	}
	s.listener = ln
	s.accepting = true
	s.mu.Unlock()

	go s.acceptLoop()
	go s.outboundLoop()

	return ln.Addr(), nil
}

// Addr reports the bound address, or nil if Start has not been called.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Done returns a channel that closes once the server has fully torn down
// (after a Kill envelope closes the listener and every session).
func (s *Server) Done() <-chan struct{} { return s.done }

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}

		s.mu.Lock()
		accepting := s.accepting
		s.mu.Unlock()
		if !accepting {
			conn.Close()
			continue
		}

		// Blocks the accept loop once maxPendingUpgrades sockets are
		// mid-handshake, so the OS backlog absorbs any burst instead
		// of us spawning unbounded handshake goroutines.
		s.pendingSlots <- struct{}{}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer func() { <-s.pendingSlots }()

	conn.SetDeadline(time.Now().Add(handshakeTimeout))

	br := bufio.NewReader(conn)
	bw := bufio.NewWriter(conn)

	// Probe-connection filtering (spec §12 supplemented features): a
	// port scanner or health check that opens and closes without
	// sending anything should not log as a malformed request. Peeking
	// one byte forces the read that would otherwise happen inside
	// ParseRequest, but lets us tell "nothing sent" apart from "garbage
	// sent" without consuming it.
	if _, err := br.Peek(1); err != nil {
		conn.Close()
		return
	}

	req, err := wsproto.ParseRequest(br)
	if err != nil {
		writePlainError(bw, 400, "Bad Request")
		conn.Close()
		if s.OnDisposition != nil {
			s.OnDisposition("handshake", err)
		}
		return
	}

	switch {
	case req.Path == "/json/version":
		body, err := discovery.VersionResponse(s.browserName, s.browserVersion)
		if err == nil {
			wsproto.WriteJSONResponse(bw, 200, body)
		}
		conn.Close()

	case req.Path == "/json" || req.Path == "/json/list":
		body, err := discovery.ListResponse(s.target, s.addrHost(), s.addrPort())
		if err == nil {
			wsproto.WriteJSONResponse(bw, 200, body)
		}
		conn.Close()

	case req.Path == "/"+s.target.WSPath() && req.IsUpgrade():
		s.upgrade(conn, br, bw, req)

	default:
		writePlainError(bw, 404, "Not Found")
		conn.Close()
	}
}

func (s *Server) upgrade(conn net.Conn, br *bufio.Reader, bw *bufio.Writer, req *wsproto.Request) {
	s.mu.Lock()
	if s.activeSession != 0 {
		s.mu.Unlock()
		writePlainError(bw, 500, "Session already active")
		conn.Close()
		if s.OnDisposition != nil {
			s.OnDisposition("session_busy", nil)
		}
		return
	}
	s.nextSessionID++
	id := s.nextSessionID
	s.activeSession = id
	s.mu.Unlock()

	key := req.Headers.Get("Sec-WebSocket-Key")
	if err := wsproto.WriteUpgradeResponse(bw, key); err != nil {
		s.mu.Lock()
		s.activeSession = 0
		s.mu.Unlock()
		conn.Close()
		return
	}

	conn.SetDeadline(time.Time{})

	sess := newSession(id, conn, br, bw, s.logger)
	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()

	sess.startWriter()
	s.logger.Info("session started", "session_id", id)
	s.plane.PushInbound(queue.InboundEnvelope{Action: queue.StartSession, SessionID: id})

	go s.readLoop(sess)
}

func (s *Server) readLoop(sess *session) {
	defer s.endSession(sess)

	for {
		f, err := wsproto.ReadFrame(sess.reader())
		if err != nil {
			switch {
			case errors.Is(err, wsproto.ErrMaskRequired), errors.Is(err, wsproto.ErrReservedBits):
				sess.enqueueClose(wsproto.CloseProtocolError, "protocol error")
			case errors.Is(err, wsproto.ErrPayloadTooLarge):
				sess.enqueueClose(wsproto.CloseTooBig, "payload too large")
			case errors.Is(err, wsproto.ErrUnsupportedOpcode):
				sess.enqueueClose(wsproto.CloseUnsupportedData, "unsupported opcode")
			default:
				// EOF or a socket error: the peer went away, not a
				// frame protocol violation.
				return
			}
			if s.OnDisposition != nil {
				s.OnDisposition("frame_protocol", err)
			}
			return
		}
		switch f.Opcode {
		case wsproto.OpText:
			s.plane.PushInbound(queue.InboundEnvelope{
				Action:    queue.InboundMessage,
				SessionID: sess.id,
				Payload:   string(f.Payload),
			})
		case wsproto.OpClose:
			sess.enqueueClose(wsproto.CloseNormal, "")
			return
		case wsproto.OpPing:
			sess.enqueue(wsproto.OpPong, f.Payload)
		case wsproto.OpPong:
			// Nothing to do; we never send unsolicited pings.
		}
	}
}

func (s *Server) endSession(sess *session) {
	sess.close()

	s.mu.Lock()
	delete(s.sessions, sess.id)
	if s.activeSession == sess.id {
		s.activeSession = 0
	}
	s.mu.Unlock()

	s.logger.Info("session ended", "session_id", sess.id)
	s.plane.PushInbound(queue.InboundEnvelope{Action: queue.EndSession, SessionID: sess.id})
}

// outboundLoop drains OutboundEnvelopes pushed by the engine thread and
// applies them: SendMessage writes a frame to the named session, Stop
// closes the listener (existing sessions continue), and Kill tears
// everything down.
func (s *Server) outboundLoop() {
	for {
		select {
		case <-s.plane.WakeOutbound():
		case <-s.done:
			return
		}

		for _, env := range s.plane.DrainOutbound() {
			switch env.Action {
			case queue.SendMessage:
				s.mu.Lock()
				sess := s.sessions[env.SessionID]
				s.mu.Unlock()
				if sess != nil {
					sess.enqueueText(env.Payload)
				}
			case queue.Stop:
				s.stopAccepting()
			case queue.Kill:
				s.kill()
				return
			}
		}
	}
}

func (s *Server) stopAccepting() {
	s.mu.Lock()
	s.accepting = false
	ln := s.listener
	s.mu.Unlock()
	if ln != nil {
		ln.Close()
	}
	s.logger.Info("stopped accepting new connections")
}

func (s *Server) kill() {
	s.mu.Lock()
	s.accepting = false
	ln := s.listener
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	for _, sess := range sessions {
		sess.close()
	}
	close(s.done)
}

func (s *Server) addrHost() string {
	if s.host != "" {
		return s.host
	}
	return "127.0.0.1"
}

func (s *Server) addrPort() int {
	if tcpAddr, ok := s.Addr().(*net.TCPAddr); ok {
		return tcpAddr.Port
	}
	return 0
}

func writePlainError(bw *bufio.Writer, status int, text string) {
	wsproto.WriteHTTPResponse(bw, status, "text/plain; charset=UTF-8", []byte(text))
}

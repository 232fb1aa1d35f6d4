package transport

import (
	"bufio"
	"log/slog"
	"net"
	"sync"

	"github.com/avbdr/jsinspect/wsproto"
)

// session is one live WebSocket connection. Reads happen on their own
// goroutine (readLoop, in server.go); writes are serialized through
// writeQueue so SendMessage (from the outbound-drain loop) and control
// frames (pong, close, from the read loop) never interleave on the wire.
type session struct {
	id     int
	conn   net.Conn
	br     *bufio.Reader
	bw     *bufio.Writer
	logger *slog.Logger

	mu          sync.Mutex
	writeQueue  [][]byte
	queuedBytes int
	notify      chan struct{}
	stopped     chan struct{}
	writerDone  chan struct{}
	closed      bool
	closeOnce   sync.Once
}

func newSession(id int, conn net.Conn, br *bufio.Reader, bw *bufio.Writer, logger *slog.Logger) *session {
	return &session{
		id:         id,
		conn:       conn,
		br:         br,
		bw:         bw,
		logger:     logger,
		notify:     make(chan struct{}, 1),
		stopped:    make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

func (s *session) reader() *bufio.Reader { return s.br }

// startWriter launches the per-session write-drain goroutine. It is the
// only goroutine that ever touches s.bw: every close/abort path enqueues
// its frame and then joins this goroutine rather than writing directly,
// so two goroutines never interleave writes on the same *bufio.Writer.
// It swaps the whole pending queue out under the lock, then writes and
// flushes each frame off-lock, mirroring the swap-and-drain discipline
// used by the message plane.
func (s *session) startWriter() {
	go func() {
		defer close(s.writerDone)
		for {
			select {
			case <-s.notify:
				s.flushPending()
			case <-s.stopped:
				// Drain whatever was enqueued right before shutdown
				// (a close or abort frame) before the socket goes away.
				s.flushPending()
				return
			}
		}
	}()
}

func (s *session) flushPending() {
	s.mu.Lock()
	pending := s.writeQueue
	s.writeQueue = nil
	s.queuedBytes = 0
	s.mu.Unlock()

	for _, frame := range pending {
		if _, err := s.bw.Write(frame); err != nil {
			return
		}
	}
	if len(pending) > 0 {
		s.bw.Flush()
	}
}

func (s *session) enqueueText(payload string) {
	s.enqueue(wsproto.OpText, []byte(payload))
}

func (s *session) enqueue(opcode wsproto.Opcode, payload []byte) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.queuedBytes+len(payload) > highWatermark {
		s.mu.Unlock()
		s.logger.Warn("session write backlog exceeded high watermark, closing", "session_id", s.id)
		s.abortWithClose(wsproto.CloseTooBig, "message too big")
		return
	}

	buf, err := wsproto.EncodeFrame(opcode, payload)
	if err != nil {
		s.mu.Unlock()
		return
	}

	s.writeQueue = append(s.writeQueue, buf)
	s.queuedBytes += len(payload)
	select {
	case s.notify <- struct{}{}:
	default:
	}
	s.mu.Unlock()
}

func (s *session) enqueueClose(code uint16, reason string) {
	s.enqueue(wsproto.OpClose, wsproto.EncodeClose(code, reason))
}

// abortWithClose bypasses the regular queue's watermark check (which is
// exactly what's overflowing) but still hands the close frame to the
// writer goroutine instead of writing it here, then tears the session
// down. Used only for the backpressure policy: the normal path for a
// voluntary close is enqueueClose, which queues the close frame behind
// everything already pending, so the writer sends those first.
func (s *session) abortWithClose(code uint16, reason string) {
	buf, err := wsproto.EncodeFrame(wsproto.OpClose, wsproto.EncodeClose(code, reason))
	if err == nil {
		s.mu.Lock()
		if !s.closed {
			s.writeQueue = append(s.writeQueue, buf)
		}
		s.mu.Unlock()
		select {
		case s.notify <- struct{}{}:
		default:
		}
	}
	s.close()
}

// close tears the session down idempotently: marks it closed, stops the
// writer goroutine (which flushes anything already queued, such as a
// close frame enqueued just before this call, before exiting), joins it,
// and only then closes the underlying socket. Safe to call from both the
// read loop (on EOF or an incoming close frame) and the outbound-drain
// loop (on a backpressure close or a Kill envelope).
func (s *session) close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		close(s.stopped)
		<-s.writerDone
		s.conn.Close()
	})
}

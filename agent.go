// Package jsinspect is the public surface (component C7, spec §4.6): a
// small lifecycle facade a host embeds alongside its own *goja.Runtime to
// expose a DevTools-compatible debugging inspector over WebSocket. It
// wires together queue.Plane (C5), transport.Server (C2-C4), and
// engineclient.Client (C6) behind Prepare/Run/Stop and the handful of
// operations a host calls directly: PauseOnNextJavascriptStatement,
// FatalException, Dispatch, GetFrontendURL.
package jsinspect

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/dop251/goja"

	"github.com/avbdr/jsinspect/discovery"
	"github.com/avbdr/jsinspect/engineclient"
	"github.com/avbdr/jsinspect/queue"
	"github.com/avbdr/jsinspect/target"
	"github.com/avbdr/jsinspect/transport"
)

// Options configures an Agent (spec §6 Host-visible API).
type Options struct {
	// Host is the bind address. Defaults to 127.0.0.1.
	Host string
	// Port is the listen port. 0 means ephemeral.
	Port int
	// FilePath, if set, is where the front-end URL is written as a
	// single UTF-8 line on Run.
	FilePath string
	// TargetID, if set, is used verbatim instead of generating a fresh
	// RFC 4122 v4 id.
	TargetID string
	// WaitForConnect makes Run block until the first client attaches.
	WaitForConnect bool
	// LogStream, if set, receives human-readable progress lines
	// ("Debugger attached.", ...). Distinct from the structured
	// diagnostic logger below.
	LogStream io.Writer
	// Logger receives structured diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
	// BrowserName/Version feed the /json/version response. Version must
	// parse as a semantic version if set; defaults to "1.0.0".
	BrowserName string
	Version     string
	// ProcessTitle is the fallback target title when ScriptPath is empty.
	ProcessTitle string
}

// Agent is the facade a host constructs once per engine context.
type Agent struct {
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	state   State
	lastErr error

	target target.Target
	plane  *queue.Plane
	server *transport.Server
	engine *engineclient.Client
	rt     *goja.Runtime

	addrHost string
	addrPort int
}

// New allocates an Agent. It does nothing observable until Prepare.
func New(opts Options) *Agent {
	if opts.Host == "" {
		opts.Host = "127.0.0.1"
	}
	if opts.BrowserName == "" {
		opts.BrowserName = defaultBrowserName
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{opts: opts, logger: logger, state: StateNew}
}

// Prepare builds the engine-thread client and the I/O-thread server
// object, but does not start listening (spec §4.6). rt is the host's
// already-constructed runtime; scriptPath may be empty.
func (a *Agent) Prepare(rt *goja.Runtime, scriptPath string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != StateNew {
		return ErrAlreadyRunning
	}

	version, err := resolveVersion(a.opts.Version)
	if err != nil {
		return err
	}

	tg, err := target.New(a.opts.TargetID, scriptPath, a.opts.ProcessTitle)
	if err != nil {
		return fmt.Errorf("jsinspect: prepare target: %w", err)
	}

	plane := queue.New(nil)
	srv := transport.New(plane, tg, transport.Options{
		Host:           a.opts.Host,
		Port:           a.opts.Port,
		BrowserName:    a.opts.BrowserName,
		BrowserVersion: version,
		Logger:         a.logger,
	})

	srv.OnDisposition = a.onTransportDisposition

	client := engineclient.New(rt, plane, a.logger)
	client.OnSessionStart = func(int) {
		a.logLine("Debugger attached.")
		a.mu.Lock()
		if a.state == StateAccepting {
			a.state = StateConnected
		}
		a.mu.Unlock()
	}
	client.OnSessionEnd = func(int) {
		a.logLine("Debugger disconnected.")
		a.mu.Lock()
		if a.state == StateConnected {
			a.state = StateAccepting
		}
		a.mu.Unlock()
	}
	client.Attach()

	a.rt = rt
	a.target = tg
	a.plane = plane
	a.server = srv
	a.engine = client
	a.state = StateAccepting
	return nil
}

// Run starts the I/O thread and blocks until the listener is bound. If
// WaitForConnect is set, it additionally blocks until the first client
// has attached, per spec §4.6. Returns false on bind failure; the Agent
// transitions to StateError in that case.
func (a *Agent) Run() bool {
	a.mu.Lock()
	if a.state != StateAccepting {
		a.mu.Unlock()
		return false
	}
	srv := a.server
	opts := a.opts
	a.mu.Unlock()

	addr, err := srv.Start(opts.Port)
	if err != nil {
		wrapped := fmt.Errorf("%w: %v", ErrBindFailed, err)
		a.mu.Lock()
		a.state = StateError
		a.lastErr = wrapped
		a.mu.Unlock()
		a.logger.Error("jsinspect: bind failed", "err", wrapped)
		return false
	}

	host, port := splitAddr(addr, opts.Host)
	a.mu.Lock()
	a.addrHost, a.addrPort = host, port
	a.mu.Unlock()

	if opts.FilePath != "" {
		if err := a.writeFrontendURLFile(); err != nil {
			a.logger.Warn("jsinspect: writing front-end URL file failed", "err", err)
		}
	}

	if opts.WaitForConnect {
		a.engine.WaitForFirstSession()
		a.mu.Lock()
		a.state = StateConnected
		a.mu.Unlock()
	}

	return true
}

// GetFrontendURL returns the devtools:// URL for this agent's target.
// Callable only after Prepare; host/port are only meaningful after Run.
func (a *Agent) GetFrontendURL() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return discovery.FrontendURL(a.addrHost, a.addrPort, a.target.ID)
}

// PauseOnNextJavascriptStatement arms a one-shot pause on the engine
// session (spec §4.6). Safe before a client has connected; the pause
// fires on attach.
func (a *Agent) PauseOnNextJavascriptStatement(reason string) {
	a.mu.Lock()
	client := a.engine
	a.mu.Unlock()
	if client == nil {
		return
	}
	client.PauseOnNextJavascriptStatement(reason)
}

// RunScript runs source on the bound runtime with the inspector already
// servicing it, then reports any resulting error through FatalException
// if it's an uncaught script error. It is the convenience path; a host
// that wants to call rt.RunScript directly and handle FatalException
// itself may bypass this.
func (a *Agent) RunScript(name, source string) (goja.Value, error) {
	a.mu.Lock()
	client := a.engine
	a.mu.Unlock()
	if client == nil {
		return nil, ErrNotPrepared
	}
	v, err := client.RunScript(name, source)
	if err != nil {
		a.FatalException(err)
	}
	return v, err
}

// FatalException reports an uncaught top-level script error to any
// attached front end (spec §4.5). If the agent is configured to pause on
// exceptions it blocks until the front end disconnects.
func (a *Agent) FatalException(err error) {
	a.mu.Lock()
	client := a.engine
	a.mu.Unlock()
	if client == nil || err == nil {
		return
	}
	a.logLine("Waiting for the debugger to disconnect...")
	client.FatalException(err)
}

// Dispatch sends a host-side synthetic CDP message directly to the
// engine session, bypassing the queue (spec §4.6). Valid only when no
// script is currently running; engine thread only.
func (a *Agent) Dispatch(payload string) ([]byte, error) {
	a.mu.Lock()
	client := a.engine
	a.mu.Unlock()
	if client == nil {
		return nil, ErrNotPrepared
	}
	result, err := client.Dispatch(payload)
	if errors.Is(err, engineclient.ErrScriptRunning) {
		return nil, ErrScriptRunning
	}
	return result, err
}

// Stop posts Kill, waits for the I/O thread to tear down every session
// and close the listener, then transitions to Done. If Run never bound the
// listener there is no I/O thread to wait for, and Stop goes straight to
// Done.
func (a *Agent) Stop() {
	a.mu.Lock()
	if a.state == StateDone || a.state == StateNew {
		a.mu.Unlock()
		return
	}
	a.state = StateShuttingDown
	plane, srv, client := a.plane, a.server, a.engine
	a.mu.Unlock()

	if srv.Addr() != nil {
		plane.PushOutbound(queue.OutboundEnvelope{Action: queue.Kill})
		<-srv.Done()
	}
	client.Close()

	a.mu.Lock()
	a.state = StateDone
	a.mu.Unlock()
}

// State reports the Agent's current lifecycle state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Err reports the error behind a StateError transition, or nil if the
// Agent never entered StateError. It is the bind failure from Run; later
// per-session dispositions (handshake, frame protocol, session busy) are
// transport-level and never fatal to the Agent, so they only reach the
// logger (see onTransportDisposition).
func (a *Agent) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastErr
}

// onTransportDisposition maps a transport.Server disposition (spec §7)
// onto this package's exported sentinel and logs it. Transport-level
// errors kill the session, never the Agent, so this only logs.
func (a *Agent) onTransportDisposition(kind string, detail error) {
	switch kind {
	case "handshake":
		a.logger.Warn("jsinspect: handshake failed", "err", fmt.Errorf("%w: %v", ErrHandshakeFailed, detail))
	case "frame_protocol":
		a.logger.Warn("jsinspect: frame protocol error", "err", fmt.Errorf("%w: %v", ErrFrameProtocol, detail))
	case "session_busy":
		a.logger.Warn("jsinspect: session busy", "err", ErrSessionBusy)
	}
}

func (a *Agent) logLine(line string) {
	a.mu.Lock()
	w := a.opts.LogStream
	a.mu.Unlock()
	if w == nil {
		return
	}
	fmt.Fprintln(w, line)
}

func (a *Agent) writeFrontendURLFile() error {
	return os.WriteFile(a.opts.FilePath, []byte(a.GetFrontendURL()+"\n"), 0o644)
}

// Package engineclient implements the engine-thread side of the inspector
// (component C6): it binds a *goja.Runtime to the message plane, forwards
// inbound protocol strings to the engine, and implements
// runMessageLoopOnPause by suspending the script goroutine and pumping the
// inbound queue until a resume-class command arrives.
//
// It is grounded on goja's RuntimeHook instrumentation API
// (SetRuntimeHook/OnInstruction/OnException/CaptureCallStack/Scopes/
// VMState), not on the DAP-bridging Debugger/DebugContext hook some of
// goja's own tooling uses — that surface has no exported constructor in
// this module's dependency graph. Breakpoints are matched by source
// position inside OnInstruction rather than by a line-to-PC lookup table,
// since that lookup only resolves top-level code.
package engineclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dop251/goja"
	"github.com/dop251/goja/file"

	"github.com/avbdr/jsinspect/queue"
)

// ErrScriptRunning is returned by operations that cannot safely run while
// a script is mid-execution: nothing in goja's published hook surface
// demonstrates that a second Run*/evaluate call is safe to issue against
// a *Runtime that already has one in flight, paused or not.
var ErrScriptRunning = errors.New("engineclient: cannot evaluate while a script is running")

// frameSnapshot is a plain-Go copy of a goja.StackFrame, captured
// synchronously inside a hook callback (the only place CaptureCallStack is
// known to be safe to call) so it can be read later from the pump
// goroutine without touching the runtime.
type frameSnapshot struct {
	FuncName string
	Filename string
	Line     int
	Column   int
	PC       int
}

// scopeSnapshot is a plain-Go copy of a goja.Scope, values already
// stringified inside the hook.
type scopeSnapshot struct {
	Type      string
	Variables map[string]string
}

type breakpoint struct {
	id        string
	condition string
}

// Client bridges the message plane to one *goja.Runtime. One Client exists
// per Agent; it is installed on the runtime once, before the host's script
// starts running.
type Client struct {
	rt     *goja.Runtime
	plane  *queue.Plane
	logger *slog.Logger

	mu sync.Mutex

	sessionID int

	breakpoints map[string]map[int]breakpoint

	pauseRequested bool
	pauseAtStart   bool
	startReason    string
	pauseOnExc     string // "none", "uncaught", "all"

	stepMode  string // "", "into", "over", "out"
	stepDepth int

	lastPos    file.Position
	running    bool
	paused     bool
	pausedAt   frameSnapshot
	pauseDepth int // rt.VMState().CallDepth at the moment of the pause, for step-over/out comparisons
	stack      []frameSnapshot
	scopes     []scopeSnapshot
	reason     string

	wake   chan struct{}
	closed chan struct{}

	// OnSessionStart and OnSessionEnd, if set, are invoked outside the
	// lock whenever a session begins or ends. The Agent facade uses
	// them to emit its human-readable progress lines; the client
	// itself has no notion of a log stream.
	OnSessionStart func(id int)
	OnSessionEnd   func(id int)
}

// New builds a Client bound to rt and plane. It does not install the hook;
// call Attach for that.
func New(rt *goja.Runtime, plane *queue.Plane, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		rt:          rt,
		plane:       plane,
		logger:      logger,
		breakpoints: make(map[string]map[int]breakpoint),
		pauseOnExc:  "none",
		wake:        make(chan struct{}, 1),
		closed:      make(chan struct{}),
	}
}

// Attach installs the hook on the runtime and starts the pump goroutine
// that services the engine while it is paused. Call once, before RunScript.
func (c *Client) Attach() {
	c.rt.SetRuntimeHook(&hook{c: c})
	go c.pumpLoop()
}

// Close stops the pump goroutine. Call after the script has finished and
// the client will not be reused.
func (c *Client) Close() {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
}

// RunScript runs source on the bound runtime, with the hook already
// servicing the message plane for the duration. Returns whatever error
// goja.Runtime.RunScript returns, including an *goja.Exception for an
// uncaught script error.
func (c *Client) RunScript(name, source string) (goja.Value, error) {
	c.mu.Lock()
	c.running = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()
	return c.rt.RunScript(name, source)
}

// PauseOnNextJavascriptStatement arms a one-shot pause: the next statement
// boundary the hook observes while a session is attached pauses and
// reports reason. Safe to call before a session exists or before the
// script starts; the pause stays armed until a session is attached.
func (c *Client) PauseOnNextJavascriptStatement(reason string) {
	c.mu.Lock()
	c.pauseAtStart = true
	c.startReason = reason
	c.mu.Unlock()
}

// onSessionStart records the active session. Breakpoints and the pause-at-
// start flag survive across sessions (spec §8 S5: a pause "arms not
// fires" until a new session connects).
func (c *Client) onSessionStart(id int) {
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
	c.pushNotification(id, "Runtime.executionContextCreated", runtimeExecutionContextCreated())
	if c.OnSessionStart != nil {
		c.OnSessionStart(id)
	}
}

// onSessionEnd clears the active session. If the engine is paused waiting
// on this session, it is released: spec §5 says a live
// runMessageLoopOnPause is broken by a synthetic EndSession for the active
// session.
func (c *Client) onSessionEnd(id int) (shouldResume bool) {
	c.mu.Lock()
	if c.sessionID != id {
		c.mu.Unlock()
		return false
	}
	c.sessionID = 0
	shouldResume = c.paused
	c.mu.Unlock()

	if c.OnSessionEnd != nil {
		c.OnSessionEnd(id)
	}
	return shouldResume
}

func (c *Client) pushNotification(sessionID int, method string, params any) {
	if sessionID == 0 {
		return
	}
	payload, err := json.Marshal(notification{Method: method, Params: params})
	if err != nil {
		c.logger.Error("engineclient: marshal notification failed", "method", method, "err", err)
		return
	}
	c.plane.PushOutbound(queue.OutboundEnvelope{
		Action:    queue.SendMessage,
		SessionID: sessionID,
		Payload:   string(payload),
	})
}

func (c *Client) pushResponse(sessionID int, id json.RawMessage, result any, errv *protocolError) {
	if sessionID == 0 || id == nil {
		return
	}
	resp := response{ID: id, Result: result, Error: errv}
	payload, err := json.Marshal(resp)
	if err != nil {
		c.logger.Error("engineclient: marshal response failed", "err", err)
		return
	}
	c.plane.PushOutbound(queue.OutboundEnvelope{
		Action:    queue.SendMessage,
		SessionID: sessionID,
		Payload:   string(payload),
	})
}

// notifyPause snapshots the stack/scopes and the pause reason into cached
// fields. It must be called from inside a hook callback (the only place
// CaptureCallStack/Scopes are demonstrated safe) before OnInstruction
// returns HookResultPause.
func (c *Client) notifyPause(rt *goja.Runtime, reason string) {
	stack := snapshotStack(rt)
	scopes := snapshotScopes(rt)

	c.mu.Lock()
	c.paused = true
	c.stack = stack
	c.scopes = scopes
	c.reason = reason
	c.pauseDepth = rt.VMState().CallDepth
	if len(stack) > 0 {
		c.pausedAt = stack[0]
	}
	sessionID := c.sessionID
	c.mu.Unlock()

	c.pushNotification(sessionID, "Debugger.paused", debuggerPaused(stack, reason))

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// pumpLoop is the long-lived goroutine that services the runtime while it
// is paused, using the blocking condition-variable wait rather than
// busy-polling. It corresponds to the "nested message loop" of spec §4.5/
// §9, minus a foreground-task queue: goja's interpreter has no separate
// platform-task concept to pump, so the loop here reduces to wait, drain,
// dispatch, check-for-resume.
func (c *Client) pumpLoop() {
	for {
		select {
		case <-c.wake:
		case <-c.closed:
			return
		}

		c.mu.Lock()
		isPaused := c.paused
		c.mu.Unlock()
		if !isPaused {
			continue
		}

		c.drainWhilePaused()
	}
}

func (c *Client) drainWhilePaused() {
	for {
		c.plane.WaitInbound()
		envs := c.plane.DrainInbound()

		for _, env := range envs {
			switch env.Action {
			case queue.StartSession:
				c.logger.Warn("engineclient: StartSession while a session is already paused, ignoring", "session_id", env.SessionID)
			case queue.EndSession:
				if resume := c.onSessionEnd(env.SessionID); resume {
					c.resume("")
					return
				}
			case queue.InboundMessage:
				if resumed := c.handlePausedMessage(env.SessionID, env.Payload); resumed {
					return
				}
			}
		}
	}
}

// resume clears the paused state and releases the runtime. nextStep is ""
// for a plain resume, or "into"/"over"/"out" to arm a step.
func (c *Client) resume(nextStep string) {
	c.mu.Lock()
	c.paused = false
	c.stepMode = nextStep
	c.stepDepth = c.pauseDepth
	sessionID := c.sessionID
	c.mu.Unlock()

	if err := c.rt.Resume(); err != nil {
		c.logger.Error("engineclient: Resume failed", "err", err)
	}
	c.pushNotification(sessionID, "Debugger.resumed", struct{}{})
}

// WaitForFirstSession blocks until a StartSession envelope arrives and
// returns its session id. It is meant to be called by the Agent facade
// before the script starts running (spec §4.6 Run's wait_for_connect
// option): at that point the pump goroutine is idle (nothing has armed
// c.wake yet) and the hook has not fired a single OnInstruction, so
// draining the plane here has no other consumer to race with. Any
// envelope other than a StartSession arriving first is dropped with a
// warning — a front end cannot send a message before its own upgrade
// completes.
func (c *Client) WaitForFirstSession() int {
	for {
		c.plane.WaitInbound()
		for _, env := range c.plane.DrainInbound() {
			if env.Action == queue.StartSession {
				c.onSessionStart(env.SessionID)
				return env.SessionID
			}
			c.logger.Warn("engineclient: unexpected envelope before first session", "action", env.Action.String())
		}
	}
}

// Dispatch handles a host-side synthetic message, bypassing the queue
// (spec §4.6 Agent.Dispatch). It is only valid while no script is paused
// and no session routing is required; the host is expected to call it
// only from the engine thread between script runs.
func (c *Client) Dispatch(payload string) (json.RawMessage, error) {
	c.mu.Lock()
	running := c.running
	c.mu.Unlock()
	if running {
		return nil, ErrScriptRunning
	}
	req, err := parseRequest(payload)
	if err != nil {
		return nil, err
	}
	result, perr := c.callMethod(req.Method, req.Params, true)
	if perr != nil {
		return nil, fmt.Errorf("%s: %s", perr.Message, req.Method)
	}
	return json.Marshal(result)
}

// FatalException reports an uncaught top-level script error (spec §4.5).
// It is called after RunScript has already returned, so it never touches
// the runtime — the error itself carries everything needed to build the
// notification. If the attached session has pause-on-exceptions armed,
// it blocks until that session disconnects, giving the front end a chance
// to inspect the now-frozen world before the agent tears down.
func (c *Client) FatalException(err error) {
	if err == nil {
		return
	}
	msg := err.Error()
	if exc, ok := err.(*goja.Exception); ok {
		msg = exc.Error()
	}

	c.mu.Lock()
	sessionID := c.sessionID
	shouldWait := c.pauseOnExc != "none"
	c.mu.Unlock()

	c.pushNotification(sessionID, "Runtime.exceptionThrown", map[string]any{
		"timestamp": 0,
		"exceptionDetails": map[string]any{
			"exceptionId": 1,
			"text":        msg,
		},
	})

	if sessionID == 0 || !shouldWait {
		return
	}
	c.waitForDisconnect(sessionID)
}

// waitForDisconnect blocks until the given session ends. Called only after
// the script has already stopped running, so there is no pause state to
// maintain here — just a plain drain of whatever control messages keep
// arriving until the one that matters (EndSession) shows up.
func (c *Client) waitForDisconnect(sessionID int) {
	for {
		c.plane.WaitInbound()
		for _, env := range c.plane.DrainInbound() {
			if env.Action == queue.EndSession && env.SessionID == sessionID {
				return
			}
		}
	}
}

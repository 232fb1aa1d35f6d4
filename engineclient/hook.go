package engineclient

import (
	"github.com/dop251/goja"
	"github.com/dop251/goja/file"

	"github.com/avbdr/jsinspect/queue"
)

// hook adapts Client to goja.RuntimeHook. Only OnInstruction and
// OnException are overridden; the rest embed BaseRuntimeHook's no-ops,
// matching the teacher's own recommendation for partial overrides.
type hook struct {
	goja.BaseRuntimeHook
	c *Client
}

// OnInstruction is called before every VM instruction. It opportunistically
// drains the inbound queue at each new statement boundary (so Runtime.enable
// and friends are serviced even with no breakpoint in play), then checks
// whether this position should pause execution.
func (h *hook) OnInstruction(rt *goja.Runtime, pc int) goja.HookResult {
	c := h.c
	stack := rt.CaptureCallStack(1, nil)
	if len(stack) == 0 {
		return goja.HookResultContinue
	}
	pos := stack[0].Position()

	c.mu.Lock()
	if pos == c.lastPos {
		c.mu.Unlock()
		return goja.HookResultContinue
	}
	c.lastPos = pos
	c.mu.Unlock()

	c.pumpForegroundTasks()

	reason, shouldPause := c.checkPauseConditions(rt, pos)
	if !shouldPause {
		return goja.HookResultContinue
	}

	c.notifyPause(rt, reason)
	return goja.HookResultPause
}

// OnException implements pause-on-exception (Debugger.setPauseOnExceptions).
// Like OnInstruction, any snapshot it needs is taken synchronously here,
// before returning HookResultPause.
func (h *hook) OnException(rt *goja.Runtime, exception *goja.Exception, caught bool) goja.HookResult {
	c := h.c
	c.mu.Lock()
	mode := c.pauseOnExc
	c.mu.Unlock()

	switch mode {
	case "all":
	case "uncaught":
		if caught {
			return goja.HookResultContinue
		}
	default:
		return goja.HookResultContinue
	}

	c.notifyPause(rt, "exception")
	return goja.HookResultPause
}

// checkPauseConditions decides whether the current position should pause
// execution: an explicit Debugger.pause request, the one-shot "pause on
// next statement" flag, a breakpoint at this exact file:line, or an armed
// step having reached its target depth. Nothing pauses while no session is
// attached; every armed condition stays armed until one is.
func (c *Client) checkPauseConditions(rt *goja.Runtime, pos file.Position) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sessionID == 0 {
		return "", false
	}

	if c.pauseRequested {
		c.pauseRequested = false
		return "debugCommand", true
	}
	if c.pauseAtStart {
		c.pauseAtStart = false
		reason := c.startReason
		if reason == "" {
			reason = "other"
		}
		return reason, true
	}
	if lines, ok := c.breakpoints[pos.Filename]; ok {
		if _, hit := lines[pos.Line]; hit {
			return "other", true
		}
	}
	if c.stepMode != "" {
		depth := stackDepthFromRuntime(rt)
		switch c.stepMode {
		case "into":
			c.stepMode = ""
			return "step", true
		case "over":
			if depth <= c.stepDepth {
				c.stepMode = ""
				return "step", true
			}
		case "out":
			if depth < c.stepDepth {
				c.stepMode = ""
				return "step", true
			}
		}
	}
	return "", false
}

func stackDepthFromRuntime(rt *goja.Runtime) int {
	return rt.VMState().CallDepth
}

// pumpForegroundTasks drains and dispatches every already-queued inbound
// envelope without pausing. Called from the engine thread between
// statements, it generalises the teacher's eventloop job pump into a
// checkpoint that keeps session lifecycle and non-pausing CDP commands
// (Runtime.enable, Debugger.setBreakpointByUrl, Debugger.pause, ...)
// flowing even when no breakpoint is ever hit.
func (c *Client) pumpForegroundTasks() {
	for {
		envs := c.plane.DrainInbound()
		if len(envs) == 0 {
			return
		}
		for _, env := range envs {
			switch env.Action {
			case queue.StartSession:
				c.onSessionStart(env.SessionID)
			case queue.EndSession:
				c.onSessionEnd(env.SessionID)
			case queue.InboundMessage:
				c.handleRunningMessage(env.SessionID, env.Payload)
			}
		}
	}
}

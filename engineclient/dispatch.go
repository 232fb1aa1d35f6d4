package engineclient

import (
	"encoding/json"
	"fmt"
)

// handleRunningMessage processes one inbound CDP message while the script
// is running but not paused (called from pumpForegroundTasks, on the
// engine thread). Evaluate-class methods are rejected here too: nothing in
// this tree demonstrates that a second RunString/RunProgram is safe while
// one is already in flight on the same runtime, whether or not the
// runtime happens to be between instructions.
func (c *Client) handleRunningMessage(sessionID int, payload string) {
	req, err := parseRequest(payload)
	if err != nil {
		c.logger.Warn("engineclient: dropping malformed message", "err", err)
		return
	}
	result, perr := c.callMethod(req.Method, req.Params, false)
	c.respondOrError(sessionID, req.ID, result, perr)
}

// handlePausedMessage processes one inbound CDP message while paused (on
// the pump goroutine, never touching the runtime except through Resume).
// Resume-class methods return true to tell drainWhilePaused to stop
// looping; every other method is answered in place.
func (c *Client) handlePausedMessage(sessionID int, payload string) bool {
	req, err := parseRequest(payload)
	if err != nil {
		c.logger.Warn("engineclient: dropping malformed message", "err", err)
		return false
	}

	switch req.Method {
	case "Debugger.resume":
		c.respondOrError(sessionID, req.ID, struct{}{}, nil)
		c.resume("")
		return true
	case "Debugger.stepOver":
		c.respondOrError(sessionID, req.ID, struct{}{}, nil)
		c.resume("over")
		return true
	case "Debugger.stepInto":
		c.respondOrError(sessionID, req.ID, struct{}{}, nil)
		c.resume("into")
		return true
	case "Debugger.stepOut":
		c.respondOrError(sessionID, req.ID, struct{}{}, nil)
		c.resume("out")
		return true
	default:
		result, perr := c.callMethod(req.Method, req.Params, false)
		c.respondOrError(sessionID, req.ID, result, perr)
		return false
	}
}

// callMethod is the shared method table for every CDP request that does
// not itself resume execution. allowEvaluate is true only when Dispatch
// calls in with no script currently running; see client.go's ErrScriptRunning
// doc and DESIGN.md's Open Question decision for why evaluate is scoped
// this narrowly.
func (c *Client) callMethod(method string, params json.RawMessage, allowEvaluate bool) (any, *protocolError) {
	switch method {
	case "Runtime.enable", "Runtime.disable":
		return struct{}{}, nil

	case "Runtime.evaluate":
		if !allowEvaluate {
			return nil, errEngineException("Runtime.evaluate is not supported while a script is running")
		}
		return c.evaluateGlobal(params)

	case "Debugger.evaluateOnCallFrame":
		return nil, errEngineException("Debugger.evaluateOnCallFrame is not supported")

	case "Debugger.enable":
		return map[string]string{"debuggerId": "1"}, nil

	case "Debugger.disable":
		c.mu.Lock()
		c.breakpoints = make(map[string]map[int]breakpoint)
		c.mu.Unlock()
		return struct{}{}, nil

	case "Debugger.setBreakpointByUrl":
		return c.setBreakpointByURL(params)

	case "Debugger.removeBreakpoint":
		return c.removeBreakpoint(params)

	case "Debugger.setPauseOnExceptions":
		return c.setPauseOnExceptions(params)

	case "Debugger.pause":
		c.mu.Lock()
		c.pauseRequested = true
		c.mu.Unlock()
		return struct{}{}, nil

	case "Debugger.resume", "Debugger.stepOver", "Debugger.stepInto", "Debugger.stepOut":
		return nil, errEngineException(method + " requires the engine to be paused")

	default:
		return nil, errEngineException("unsupported method: " + method)
	}
}

func (c *Client) evaluateGlobal(params json.RawMessage) (any, *protocolError) {
	var p struct {
		Expression string `json:"expression"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, errEngineException("malformed Runtime.evaluate params")
	}
	v, err := c.rt.RunString(p.Expression)
	if err != nil {
		return map[string]any{
			"result":           map[string]string{"type": "undefined"},
			"exceptionDetails": map[string]string{"text": err.Error()},
		}, nil
	}
	return map[string]any{
		"result": map[string]any{
			"type":  goTypeToCDPType(v),
			"value": v.Export(),
		},
	}, nil
}

func goTypeToCDPType(v interface{ Export() any }) string {
	switch v.Export().(type) {
	case nil:
		return "undefined"
	case bool:
		return "boolean"
	case string:
		return "string"
	case int64, float64:
		return "number"
	default:
		return "object"
	}
}

type breakpointParams struct {
	LineNumber   int    `json:"lineNumber"`
	URL          string `json:"url"`
	ColumnNumber int    `json:"columnNumber"`
	Condition    string `json:"condition"`
}

func (c *Client) setBreakpointByURL(params json.RawMessage) (any, *protocolError) {
	var p breakpointParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, errEngineException("malformed Debugger.setBreakpointByUrl params")
	}
	id := fmt.Sprintf("%s:%d:%d", p.URL, p.LineNumber, p.ColumnNumber)

	c.mu.Lock()
	if c.breakpoints[p.URL] == nil {
		c.breakpoints[p.URL] = make(map[int]breakpoint)
	}
	c.breakpoints[p.URL][p.LineNumber] = breakpoint{id: id, condition: p.Condition}
	c.mu.Unlock()

	return map[string]any{
		"breakpointId": id,
		"locations": []map[string]any{{
			"scriptId":     p.URL,
			"lineNumber":   p.LineNumber,
			"columnNumber": p.ColumnNumber,
		}},
	}, nil
}

func (c *Client) removeBreakpoint(params json.RawMessage) (any, *protocolError) {
	var p struct {
		BreakpointID string `json:"breakpointId"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, errEngineException("malformed Debugger.removeBreakpoint params")
	}

	c.mu.Lock()
	for url, lines := range c.breakpoints {
		for line, bp := range lines {
			if bp.id == p.BreakpointID {
				delete(lines, line)
			}
		}
		if len(lines) == 0 {
			delete(c.breakpoints, url)
		}
	}
	c.mu.Unlock()

	return struct{}{}, nil
}

func (c *Client) setPauseOnExceptions(params json.RawMessage) (any, *protocolError) {
	var p struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, errEngineException("malformed Debugger.setPauseOnExceptions params")
	}
	switch p.State {
	case "none", "uncaught", "all":
	default:
		return nil, errEngineException("unknown pause-on-exceptions state: " + p.State)
	}
	c.mu.Lock()
	c.pauseOnExc = p.State
	c.mu.Unlock()
	return struct{}{}, nil
}

func debuggerPaused(stack []frameSnapshot, reason string) any {
	frames := make([]map[string]any, 0, len(stack))
	for i, f := range stack {
		frames = append(frames, map[string]any{
			"callFrameId":  fmt.Sprintf("frame:%d", i),
			"functionName": f.FuncName,
			"location": map[string]any{
				"scriptId":     f.Filename,
				"lineNumber":   f.Line,
				"columnNumber": f.Column,
			},
		})
	}
	return map[string]any{
		"callFrames": frames,
		"reason":     reason,
	}
}

func runtimeExecutionContextCreated() any {
	return map[string]any{
		"context": map[string]any{
			"id":       1,
			"origin":   "",
			"name":     "main",
			"uniqueId": "1",
		},
	}
}

package engineclient

import (
	"encoding/json"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dop251/goja"

	"github.com/avbdr/jsinspect/queue"
)

func newTestClient(t *testing.T) (*Client, *goja.Runtime, *queue.Plane) {
	t.Helper()
	rt := goja.New()
	plane := queue.New(nil)
	c := New(rt, plane, nil)
	c.Attach()
	t.Cleanup(c.Close)
	return c, rt, plane
}

func drainOutbound(t *testing.T, plane *queue.Plane, want int) []queue.OutboundEnvelope {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	var envs []queue.OutboundEnvelope
	for time.Now().Before(deadline) {
		envs = append(envs, plane.DrainOutbound()...)
		if len(envs) >= want {
			return envs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d outbound envelopes, got %d: %+v", want, len(envs), envs)
	return nil
}

func TestRunScriptWithNoBreakpointsCompletes(t *testing.T) {
	c, _, _ := newTestClient(t)
	v, err := c.RunScript("test.js", "var x = 1 + 2; x")
	if err != nil {
		t.Fatalf("RunScript: %v", err)
	}
	if got := v.Export(); got != int64(3) {
		t.Fatalf("unexpected result: %v", got)
	}
}

func TestSessionStartPushesExecutionContextCreated(t *testing.T) {
	c, _, plane := newTestClient(t)
	plane.PushInbound(queue.InboundEnvelope{Action: queue.StartSession, SessionID: 1})

	done := make(chan struct{})
	go func() {
		c.RunScript("test.js", "1")
		close(done)
	}()
	<-done

	envs := drainOutbound(t, plane, 1)
	if !strings.Contains(envs[0].Payload, "Runtime.executionContextCreated") {
		t.Fatalf("expected executionContextCreated notification, got %q", envs[0].Payload)
	}
}

func TestBreakpointHitPausesAndResumeContinues(t *testing.T) {
	c, _, plane := newTestClient(t)
	plane.PushInbound(queue.InboundEnvelope{Action: queue.StartSession, SessionID: 1})

	// Both envelopes are drained in order at the first statement, so the
	// StartSession is handled before the breakpoint request needs a
	// session id to reply through.
	setReq := `{"id":1,"method":"Debugger.setBreakpointByUrl","params":{"url":"bp.js","lineNumber":2,"columnNumber":0}}`
	plane.PushInbound(queue.InboundEnvelope{Action: queue.InboundMessage, SessionID: 1, Payload: setReq})

	scriptDone := make(chan error, 1)
	go func() {
		_, err := c.RunScript("bp.js", "var a = 1;\nvar b = 2;\nvar c = a + b;\n")
		scriptDone <- err
	}()

	// Wait until the script reports itself paused (Debugger.paused notification).
	deadline := time.Now().Add(2 * time.Second)
	var sawPause bool
	for time.Now().Before(deadline) {
		for _, e := range plane.DrainOutbound() {
			if strings.Contains(e.Payload, "Debugger.paused") {
				sawPause = true
			}
		}
		if sawPause {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !sawPause {
		t.Fatal("script never reported Debugger.paused")
	}

	resumeReq := `{"id":2,"method":"Debugger.resume"}`
	plane.PushInbound(queue.InboundEnvelope{Action: queue.InboundMessage, SessionID: 1, Payload: resumeReq})

	select {
	case err := <-scriptDone:
		if err != nil {
			t.Fatalf("RunScript: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("script never resumed to completion")
	}
}

func TestPauseOnNextStatementBlocksBeforeSideEffect(t *testing.T) {
	c, rt, plane := newTestClient(t)
	plane.PushInbound(queue.InboundEnvelope{Action: queue.StartSession, SessionID: 1})
	c.PauseOnNextJavascriptStatement("break-on-start")

	var sawOutput atomic.Bool
	rt.Set("print", func(string) { sawOutput.Store(true) })

	scriptDone := make(chan error, 1)
	go func() {
		_, err := c.RunScript("start.js", "print('hi');")
		scriptDone <- err
	}()

	envs := drainOutbound(t, plane, 2)
	var pausePayload string
	for _, e := range envs {
		if strings.Contains(e.Payload, "Debugger.paused") {
			pausePayload = e.Payload
		}
	}
	if pausePayload == "" {
		t.Fatalf("expected Debugger.paused before any statement ran, got %+v", envs)
	}
	if !strings.Contains(pausePayload, "break-on-start") {
		t.Fatalf("expected pause reason break-on-start, got %q", pausePayload)
	}
	if sawOutput.Load() {
		t.Fatal("side effect observed before Debugger.paused was delivered")
	}

	c.mu.Lock()
	sid := c.sessionID
	c.mu.Unlock()
	plane.PushInbound(queue.InboundEnvelope{
		Action: queue.InboundMessage, SessionID: sid,
		Payload: `{"id":1,"method":"Debugger.resume"}`,
	})

	select {
	case err := <-scriptDone:
		if err != nil {
			t.Fatalf("RunScript: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("script never resumed after pause-on-start")
	}
}

func TestSessionEndArmsButDoesNotFirePauseUntilReconnect(t *testing.T) {
	c, _, plane := newTestClient(t)
	plane.PushInbound(queue.InboundEnvelope{Action: queue.StartSession, SessionID: 1})
	setReq := `{"id":1,"method":"Debugger.setBreakpointByUrl","params":{"url":"bp2.js","lineNumber":1,"columnNumber":0}}`
	plane.PushInbound(queue.InboundEnvelope{Action: queue.InboundMessage, SessionID: 1, Payload: setReq})

	// End the session before any script runs; the breakpoint must
	// remain armed rather than firing or being discarded (spec S5).
	plane.PushInbound(queue.InboundEnvelope{Action: queue.EndSession, SessionID: 1})

	// A fresh session connects; the breakpoint should still be there
	// and pause the script when hit.
	plane.PushInbound(queue.InboundEnvelope{Action: queue.StartSession, SessionID: 2})

	scriptDone := make(chan error, 1)
	go func() {
		_, err := c.RunScript("bp2.js", "var a = 1;\nvar b = 2;\n")
		scriptDone <- err
	}()

	envs := drainOutbound(t, plane, 1)
	var sawPause bool
	for _, e := range envs {
		if strings.Contains(e.Payload, "Debugger.paused") {
			sawPause = true
		}
	}
	if !sawPause {
		t.Fatalf("expected the breakpoint to survive the session end and fire on reconnect, got %+v", envs)
	}

	plane.PushInbound(queue.InboundEnvelope{
		Action: queue.InboundMessage, SessionID: 2,
		Payload: `{"id":2,"method":"Debugger.resume"}`,
	})

	select {
	case err := <-scriptDone:
		if err != nil {
			t.Fatalf("RunScript: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("script never resumed")
	}
}

func TestRemoveBreakpointStopsFutureHits(t *testing.T) {
	c, _, _ := newTestClient(t)
	res, perr := c.setBreakpointByURL(mustJSON(t, map[string]any{
		"url": "x.js", "lineNumber": 1, "columnNumber": 0,
	}))
	if perr != nil {
		t.Fatalf("setBreakpointByURL: %v", perr)
	}
	id := res.(map[string]any)["breakpointId"].(string)

	if _, perr := c.removeBreakpoint(mustJSON(t, map[string]any{"breakpointId": id})); perr != nil {
		t.Fatalf("removeBreakpoint: %v", perr)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if lines, ok := c.breakpoints["x.js"]; ok && len(lines) != 0 {
		t.Fatalf("expected breakpoint removed, still have %+v", lines)
	}
}

func TestDispatchEvaluatesWhenNotRunning(t *testing.T) {
	c, _, _ := newTestClient(t)
	raw, err := c.Dispatch(`{"id":1,"method":"Runtime.evaluate","params":{"expression":"21*2"}}`)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !strings.Contains(string(raw), "42") {
		t.Fatalf("expected evaluated result 42 in response, got %q", raw)
	}
}

func TestDispatchRejectedWhileRunning(t *testing.T) {
	c, _, _ := newTestClient(t)
	c.mu.Lock()
	c.running = true
	c.mu.Unlock()

	_, err := c.Dispatch(`{"id":1,"method":"Runtime.evaluate","params":{"expression":"1"}}`)
	if err != ErrScriptRunning {
		t.Fatalf("expected ErrScriptRunning, got %v", err)
	}
}

func TestEvaluateRejectedThroughQueueWhileRunning(t *testing.T) {
	c, _, _ := newTestClient(t)
	result, perr := c.callMethod("Runtime.evaluate", mustJSON(t, map[string]any{"expression": "1"}), false)
	if perr == nil {
		t.Fatalf("expected error, got result %+v", result)
	}
}

func TestPauseOnExceptionsAllPausesOnCaughtThrow(t *testing.T) {
	c, _, plane := newTestClient(t)
	plane.PushInbound(queue.InboundEnvelope{Action: queue.StartSession, SessionID: 1})
	if _, perr := c.setPauseOnExceptions(mustJSON(t, map[string]any{"state": "all"})); perr != nil {
		t.Fatalf("setPauseOnExceptions: %v", perr)
	}

	scriptDone := make(chan error, 1)
	go func() {
		_, err := c.RunScript("exc.js", `try { throw new Error("boom"); } catch (e) {}`)
		scriptDone <- err
	}()

	// executionContextCreated for the session, then Debugger.paused.
	envs := drainOutbound(t, plane, 2)
	var sawPause bool
	for _, e := range envs {
		if strings.Contains(e.Payload, "Debugger.paused") {
			sawPause = true
		}
	}
	if !sawPause {
		t.Fatalf("expected Debugger.paused notification, got %+v", envs)
	}

	c.mu.Lock()
	sid := c.sessionID
	c.mu.Unlock()
	plane.PushInbound(queue.InboundEnvelope{
		Action: queue.InboundMessage, SessionID: sid,
		Payload: `{"id":9,"method":"Debugger.resume"}`,
	})

	select {
	case err := <-scriptDone:
		if err != nil {
			t.Fatalf("RunScript: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("script never resumed after paused exception")
	}
}

func TestFatalExceptionNotifiesWithoutWaitingWhenNoPauseArmed(t *testing.T) {
	c, _, plane := newTestClient(t)
	c.mu.Lock()
	c.sessionID = 1
	c.mu.Unlock()

	c.FatalException(&testError{"boom"})

	envs := drainOutbound(t, plane, 1)
	if !strings.Contains(envs[0].Payload, "Runtime.exceptionThrown") {
		t.Fatalf("expected exceptionThrown notification, got %q", envs[0].Payload)
	}
}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

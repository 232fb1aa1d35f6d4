package engineclient

import "github.com/dop251/goja"

// snapshotStack copies the runtime's current call stack into plain Go
// values. It must only be called from inside a hook callback (OnInstruction
// or OnException) — every captured-stack example in the runtime hook's own
// tests does the same, and nothing demonstrates the call is safe from a
// different goroutine.
func snapshotStack(rt *goja.Runtime) []frameSnapshot {
	frames := rt.CaptureCallStack(0, nil)
	out := make([]frameSnapshot, 0, len(frames))
	for _, f := range frames {
		pos := f.Position()
		out = append(out, frameSnapshot{
			FuncName: f.FuncName(),
			Filename: pos.Filename,
			Line:     pos.Line,
			Column:   pos.Column,
			PC:       f.PC(),
		})
	}
	return out
}

// snapshotScopes copies the runtime's current scope chain into plain Go
// values, stringifying each variable's value while still on the engine
// thread (a goja.Value must not be read after the hook returns).
func snapshotScopes(rt *goja.Runtime) []scopeSnapshot {
	scopes := rt.Scopes()
	out := make([]scopeSnapshot, 0, len(scopes))
	for _, s := range scopes {
		vars := make(map[string]string, len(s.Variables))
		for name, v := range s.Variables {
			vars[name] = v.String()
		}
		out = append(out, scopeSnapshot{Type: s.Type.String(), Variables: vars})
	}
	return out
}

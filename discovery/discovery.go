// Package discovery answers the DevTools discovery endpoints (spec §4.2,
// component C3): /json/version and /json (or /json/list). It is a pure
// JSON-shaping layer — it never touches a socket; the transport package
// calls it once it has decided (by path and method) that a request is a
// discovery request rather than a WebSocket upgrade.
package discovery

import (
	"encoding/json"
	"fmt"

	"github.com/avbdr/jsinspect/target"
)

// Descriptor is one entry of the /json (or /json/list) response array,
// with the exact field set spec §4.2 requires.
type Descriptor struct {
	Description          string `json:"description"`
	DevtoolsFrontendURL   string `json:"devtoolsFrontendUrl"`
	FaviconURL            string `json:"faviconUrl,omitempty"`
	ID                    string `json:"id"`
	Title                 string `json:"title"`
	Type                  string `json:"type"`
	URL                   string `json:"url"`
	WebSocketDebuggerURL  string `json:"webSocketDebuggerUrl"`
}

// VersionInfo is the /json/version response body.
type VersionInfo struct {
	Browser         string `json:"Browser"`
	ProtocolVersion string `json:"Protocol-Version"`
}

// BuildDescriptor renders t as a discovery descriptor for a server bound
// to host:port.
func BuildDescriptor(t target.Target, host string, port int) Descriptor {
	wsURL := fmt.Sprintf("%s:%d/%s", host, port, t.WSPath())
	return Descriptor{
		Description:          "",
		DevtoolsFrontendURL:  FrontendURL(host, port, t.ID),
		ID:                   t.ID,
		Title:                t.Title,
		Type:                 "node",
		URL:                  t.URL,
		WebSocketDebuggerURL: "ws://" + wsURL,
	}
}

// FrontendURL builds the devtools:// front-end URL template (spec §4.6
// GetFrontendURL).
func FrontendURL(host string, port int, id string) string {
	return fmt.Sprintf("devtools://devtools/bundled/inspector.html?ws=%s:%d/%s", host, port, id)
}

// ListResponse marshals the current single-target list, per spec §4.2's
// exact shape (a JSON array, even though this agent only ever has one
// target).
func ListResponse(t target.Target, host string, port int) ([]byte, error) {
	descs := []Descriptor{BuildDescriptor(t, host, port)}
	return json.Marshal(descs)
}

// VersionResponse marshals the /json/version body: browserName/version
// and a fixed protocol version, per spec §4.2.
func VersionResponse(browserName, browserVersion string) ([]byte, error) {
	v := VersionInfo{
		Browser:         browserName + "/" + browserVersion,
		ProtocolVersion: "1.1",
	}
	return json.Marshal(v)
}

// Package busiface implements the service-bus interface layer shared
// by every botfleet daemon: object export, JSON-envelope method
// dispatch, read-only properties, and signal emission over a
// godbus/dbus/v5 session.
package busiface

import "encoding/json"

// Envelope is the wire shape returned by every bus method call. Errors
// are never raised as bus exceptions — they are reported in-band so
// clients on any binding can decode a uniform shape.
type Envelope struct {
	Success bool           `json:"success"`
	Error   string         `json:"error,omitempty"`
	Payload map[string]any `json:"-"`
}

// MarshalJSON flattens Payload into the envelope's top level alongside
// success/error, matching spec.md's "{success, error?, …payload}" shape.
func (e Envelope) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Payload)+2)
	for k, v := range e.Payload {
		out[k] = v
	}
	out["success"] = e.Success
	if e.Error != "" {
		out["error"] = e.Error
	}
	return json.Marshal(out)
}

// OK builds a successful envelope carrying payload as top-level fields.
func OK(payload map[string]any) Envelope {
	return Envelope{Success: true, Payload: payload}
}

// Fail builds a failed envelope with the given error message.
func Fail(msg string) Envelope {
	return Envelope{Success: false, Error: msg}
}

// Encode renders an envelope to its wire JSON string. Encoding failures
// fall back to a hand-built failure envelope rather than propagating
// an error the bus layer has no good way to report.
func Encode(e Envelope) string {
	data, err := json.Marshal(e)
	if err != nil {
		return `{"success":false,"error":"internal: failed to encode response"}`
	}
	return string(data)
}

// Package envelope defines the wire and persistence unit shared by every
// component of relay: the host, the server, and the app/CLI side channels.
package envelope

import (
	"encoding/json"
	"time"
)

// Event type constants (spec.md §6.2).
const (
	TypeRunStarted            = "run.started"
	TypeRunOutput              = "run.output"
	TypeRunInput               = "run.input"
	TypeRunAwaitingInput       = "run.awaiting_input"
	TypePermissionRequested    = "run.permission_requested"
	TypeRunExited              = "run.exited"
	TypeToolCall               = "tool.call"
	TypeToolResult             = "tool.result"
	TypeHostHeartbeat          = "host.heartbeat"
	TypeRPCResponse            = "rpc.response"

	TypeRunAck                 = "run.ack"
	TypeRunSendInput           = "run.send_input"
	TypeRunStop                = "run.stop"
	TypePermissionApprove      = "run.permission.approve"
	TypePermissionDeny         = "run.permission.deny"
	TypeRunResize              = "run.resize"

	TypeRPCRunStart            = "rpc.run.start"
	TypeRPCFSRead              = "rpc.fs.read"
	TypeRPCFSSearch            = "rpc.fs.search"
	TypeRPCFSList              = "rpc.fs.list"
	TypeRPCFSWrite             = "rpc.fs.write"
	TypeRPCGitStatus           = "rpc.git.status"
	TypeRPCGitDiff             = "rpc.git.diff"
	TypeRPCRunStop             = "rpc.run.stop"
	TypeRPCRunsList            = "rpc.runs.list"
	TypeRPCBash                = "rpc.bash"
	TypeRPCHostInfo            = "rpc.host.info"
	TypeRPCHostDoctor          = "rpc.host.doctor"
	TypeRPCHostCapabilities    = "rpc.host.capabilities"
	TypeRPCHostLogsTail        = "rpc.host.logs.tail"
)

// Envelope is the JSON object described in spec.md §6.1. Data defaults to an
// empty object when omitted, matching the wire contract that downstream
// consumers may unmarshal Data into a concrete struct unconditionally.
type Envelope struct {
	Type   string          `json:"type"`
	TS     time.Time       `json:"ts"`
	HostID string          `json:"host_id,omitempty"`
	RunID  string          `json:"run_id,omitempty"`
	Seq    *int64          `json:"seq,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Durable reports whether this envelope carries both a run_id and a seq,
// meaning it must flow through the spool (spec.md §3 "Envelope" invariant).
func (e Envelope) Durable() bool {
	return e.RunID != "" && e.Seq != nil
}

// New builds an envelope with Data marshaled from v. Panics are never raised:
// a marshal failure on an internally-constructed payload is a programming
// error, not a runtime condition, so it is converted to an empty object.
func New(typ string, data any) Envelope {
	raw, err := json.Marshal(data)
	if err != nil {
		raw = []byte(`{}`)
	}
	return Envelope{Type: typ, TS: time.Now().UTC(), Data: raw}
}

// WithRun returns a copy of e carrying the given run identity and sequence.
func (e Envelope) WithRun(hostID, runID string, seq int64) Envelope {
	e.HostID = hostID
	e.RunID = runID
	e.Seq = &seq
	return e
}

// Decode unmarshals e.Data into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}

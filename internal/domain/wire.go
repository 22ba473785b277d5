package domain

// WireVersion is the bridge message format version.
const WireVersion = 1

// InvokeMessage is the body of POST {base}/channels/{channel}/invoke.
type InvokeMessage struct {
	V               int      `json:"v" minimum:"1"`
	RequestID       string   `json:"request_id" minLength:"1" maxLength:"128"`
	Args            []any    `json:"args,omitempty"`
	TimeoutMs       int      `json:"timeout_ms,omitempty" minimum:"0"`
	RequiresModules []string `json:"requires_modules,omitempty"`
}

// InvokeReply carries the Outcome of one accepted request.
type InvokeReply struct {
	V         int     `json:"v"`
	RequestID string  `json:"request_id"`
	Outcome   Outcome `json:"outcome"`
}

// ChannelInfo describes a registered channel to bridge clients.
type ChannelInfo struct {
	Name       string    `json:"name"`
	Summary    string    `json:"summary,omitempty"`
	Args       []ArgInfo `json:"args"`
	Response   string    `json:"response"`
	Modules    []string  `json:"modules,omitempty"`
	TimeoutMs  int64     `json:"timeout_ms"`
	Idempotent bool      `json:"idempotent"`
	Disabled   bool      `json:"disabled,omitempty"`
}

type ArgInfo struct {
	Name     string   `json:"name"`
	Kind     string   `json:"kind"`
	Optional bool     `json:"optional,omitempty"`
	Enum     []string `json:"enum,omitempty"`
}

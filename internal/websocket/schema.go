package websocket

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionAnswer   Action = "answer"
	ActionNext     Action = "next"
	ActionPrevious Action = "previous"
	ActionJump     Action = "jump"
	ActionFlag     Action = "flag"
	ActionFinish   Action = "finish"
	ActionContinue Action = "continue"
	ActionPing     Action = "ping"
)

// Request is a command sent by the client. Answer is set for answer,
// Index for jump.
type Request struct {
	Action Action `json:"action"`
	Answer string `json:"answer,omitempty"`
	Index  *int   `json:"index,omitempty"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventTick    Event = "tick"
	EventPhase   Event = "phase"
	EventResults Event = "results"
	EventState   Event = "state"
	EventError   Event = "error"
	EventPong    Event = "pong"
)

// Message is every frame the server sends.
type Message struct {
	Event Event       `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

// ErrorResponse reports a rejected command. Code matches the REST error codes.
type ErrorResponse struct {
	Event Event  `json:"event"`
	Code  string `json:"code,omitempty"`
	Error string `json:"error"`
}

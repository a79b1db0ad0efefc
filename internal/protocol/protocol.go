// Package protocol defines the messages exchanged with the remote
// conversational agent and their JSON wire encoding.
//
// Inbound and outbound messages are closed sets of variants. Consumers switch
// on the concrete type; adding a message kind means adding a variant here and
// handling it at every switch.
//
// The encoding follows the ElevenLabs Conversational AI WebSocket API: every
// message is one JSON text frame with a "type" discriminator, except outbound
// user audio, which is a bare {"user_audio_chunk": <base64>} object.
package protocol

import "errors"

var (
	// ErrMalformed is returned by [Decode] for frames that are not valid
	// messages of a known type.
	ErrMalformed = errors.New("protocol: malformed message")
)

// Inbound is a message received from the remote agent.
type Inbound interface {
	// Kind returns the wire type name.
	Kind() string
	inbound()
}

// Audio carries a chunk of synthesized agent speech as 16 kHz mono PCM.
type Audio struct {
	EventID int64
	PCM     []byte
}

// AgentResponse is (part of) the agent's reply text.
type AgentResponse struct {
	Text string
}

// UserTranscript is the remote side's transcription of the user's turn.
type UserTranscript struct {
	Text string
}

// Ping is a liveness probe. It must be answered with a [Pong] carrying the
// same EventID.
type Ping struct {
	EventID int64
	// PingMs is the round-trip hint reported by the server.
	PingMs int
}

// Interruption tells the device that agent audio up to and including EventID
// is void.
type Interruption struct {
	EventID int64
}

// AgentResponseCorrection replaces previously sent agent text, typically after
// an interruption truncated it.
type AgentResponseCorrection struct {
	Original  string
	Corrected string
}

// Metadata is the first message of a conversation.
type Metadata struct {
	ConversationID string
	OutputFormat   string
	InputFormat    string
}

// Other is a well-formed message of a type the device does not act on
// (VAD scores, tentative responses, tool calls). It is logged and skipped.
type Other struct {
	Type string
}

func (Audio) Kind() string                   { return TypeAudio }
func (AgentResponse) Kind() string           { return TypeAgentResponse }
func (UserTranscript) Kind() string          { return TypeUserTranscript }
func (Ping) Kind() string                    { return TypePing }
func (Interruption) Kind() string            { return TypeInterruption }
func (AgentResponseCorrection) Kind() string { return TypeAgentResponseCorrection }
func (Metadata) Kind() string                { return TypeMetadata }
func (o Other) Kind() string                 { return o.Type }

func (Audio) inbound()                   {}
func (AgentResponse) inbound()           {}
func (UserTranscript) inbound()          {}
func (Ping) inbound()                    {}
func (Interruption) inbound()            {}
func (AgentResponseCorrection) inbound() {}
func (Metadata) inbound()                {}
func (Other) inbound()                   {}

// IsContent reports whether m counts as agent content for turn timing: audio
// or non-empty agent text.
func IsContent(m Inbound) bool {
	switch v := m.(type) {
	case Audio:
		return len(v.PCM) > 0
	case AgentResponse:
		return v.Text != ""
	default:
		return false
	}
}

// Outbound is a message sent to the remote agent.
type Outbound interface {
	Kind() string
	outbound()
}

// AudioChunk is one frame of user audio.
type AudioChunk struct {
	PCM []byte
}

// Pong answers a [Ping].
type Pong struct {
	EventID int64
}

// UserMessage injects text as if the user had said it.
type UserMessage struct {
	Text string
}

// UserActivity tells the remote side the user is still present, resetting its
// inactivity timer without starting a turn.
type UserActivity struct{}

// Initiation configures a new conversation. It is the first message after
// connecting.
type Initiation struct {
	// SuppressGreeting overrides the agent's first message with an empty one.
	// Used after a reconnect so the agent does not greet twice.
	SuppressGreeting bool
}

func (AudioChunk) Kind() string   { return "user_audio_chunk" }
func (Pong) Kind() string         { return TypePong }
func (UserMessage) Kind() string  { return TypeUserMessage }
func (UserActivity) Kind() string { return TypeUserActivity }
func (Initiation) Kind() string   { return TypeInitiation }

func (AudioChunk) outbound()   {}
func (Pong) outbound()         {}
func (UserMessage) outbound()  {}
func (UserActivity) outbound() {}
func (Initiation) outbound()   {}

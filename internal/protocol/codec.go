package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Wire type names.
const (
	TypeAudio                   = "audio"
	TypeAgentResponse           = "agent_response"
	TypeUserTranscript          = "user_transcript"
	TypePing                    = "ping"
	TypeInterruption            = "interruption"
	TypeAgentResponseCorrection = "agent_response_correction"
	TypeMetadata                = "conversation_initiation_metadata"

	TypePong         = "pong"
	TypeUserMessage  = "user_message"
	TypeUserActivity = "user_activity"
	TypeInitiation   = "conversation_initiation_client_data"
)

// PCMFormat is the audio format requested for both directions.
const PCMFormat = "pcm_16000"

// ---- inbound wire shapes ----

type serverEvent struct {
	Type string `json:"type"`

	AudioEvent *struct {
		AudioBase64 string `json:"audio_base_64"`
		EventID     int64  `json:"event_id"`
	} `json:"audio_event,omitempty"`

	AgentResponseEvent *struct {
		AgentResponse string `json:"agent_response"`
	} `json:"agent_response_event,omitempty"`

	UserTranscriptionEvent *struct {
		UserTranscript string `json:"user_transcript"`
	} `json:"user_transcription_event,omitempty"`

	PingEvent *struct {
		EventID int64 `json:"event_id"`
		PingMs  int   `json:"ping_ms"`
	} `json:"ping_event,omitempty"`

	InterruptionEvent *struct {
		EventID int64 `json:"event_id"`
	} `json:"interruption_event,omitempty"`

	CorrectionEvent *struct {
		Original  string `json:"original_agent_response"`
		Corrected string `json:"corrected_agent_response"`
	} `json:"agent_response_correction_event,omitempty"`

	MetadataEvent *struct {
		ConversationID string `json:"conversation_id"`
		OutputFormat   string `json:"agent_output_audio_format"`
		InputFormat    string `json:"user_input_audio_format"`
	} `json:"conversation_initiation_metadata_event,omitempty"`
}

// Decode parses one inbound text frame.
func Decode(data []byte) (Inbound, error) {
	var ev serverEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch ev.Type {
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)

	case TypeAudio:
		if ev.AudioEvent == nil {
			return nil, fmt.Errorf("%w: audio without audio_event", ErrMalformed)
		}
		pcm, err := base64.StdEncoding.DecodeString(ev.AudioEvent.AudioBase64)
		if err != nil {
			return nil, fmt.Errorf("%w: audio payload: %v", ErrMalformed, err)
		}
		return Audio{EventID: ev.AudioEvent.EventID, PCM: pcm}, nil

	case TypeAgentResponse:
		if ev.AgentResponseEvent == nil {
			return nil, fmt.Errorf("%w: agent_response without event", ErrMalformed)
		}
		return AgentResponse{Text: ev.AgentResponseEvent.AgentResponse}, nil

	case TypeUserTranscript:
		if ev.UserTranscriptionEvent == nil {
			return nil, fmt.Errorf("%w: user_transcript without event", ErrMalformed)
		}
		return UserTranscript{Text: ev.UserTranscriptionEvent.UserTranscript}, nil

	case TypePing:
		if ev.PingEvent == nil {
			return nil, fmt.Errorf("%w: ping without ping_event", ErrMalformed)
		}
		return Ping{EventID: ev.PingEvent.EventID, PingMs: ev.PingEvent.PingMs}, nil

	case TypeInterruption:
		var id int64
		if ev.InterruptionEvent != nil {
			id = ev.InterruptionEvent.EventID
		}
		return Interruption{EventID: id}, nil

	case TypeAgentResponseCorrection:
		var c AgentResponseCorrection
		if ev.CorrectionEvent != nil {
			c.Original, c.Corrected = ev.CorrectionEvent.Original, ev.CorrectionEvent.Corrected
		}
		return c, nil

	case TypeMetadata:
		var m Metadata
		if ev.MetadataEvent != nil {
			m = Metadata{
				ConversationID: ev.MetadataEvent.ConversationID,
				OutputFormat:   ev.MetadataEvent.OutputFormat,
				InputFormat:    ev.MetadataEvent.InputFormat,
			}
		}
		return m, nil

	default:
		return Other{Type: ev.Type}, nil
	}
}

// ---- outbound wire shapes ----

type audioChunkMsg struct {
	UserAudioChunk string `json:"user_audio_chunk"`
}

type pongMsg struct {
	Type    string `json:"type"`
	EventID int64  `json:"event_id"`
}

type userMessageMsg struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type typeOnlyMsg struct {
	Type string `json:"type"`
}

type initiationMsg struct {
	Type     string         `json:"type"`
	Override overrideConfig `json:"conversation_config_override"`
}

type overrideConfig struct {
	Agent *agentOverride `json:"agent,omitempty"`
	TTS   formatOverride `json:"tts"`
	ASR   asrOverride    `json:"asr"`
}

type agentOverride struct {
	FirstMessage string `json:"first_message"`
}

type formatOverride struct {
	OutputAudioFormat string `json:"output_audio_format"`
}

type asrOverride struct {
	InputAudioFormat string `json:"input_audio_format"`
}

// Encode serialises m as one text frame.
func Encode(m Outbound) ([]byte, error) {
	var v any
	switch msg := m.(type) {
	case AudioChunk:
		v = audioChunkMsg{UserAudioChunk: base64.StdEncoding.EncodeToString(msg.PCM)}
	case Pong:
		v = pongMsg{Type: TypePong, EventID: msg.EventID}
	case UserMessage:
		v = userMessageMsg{Type: TypeUserMessage, Text: msg.Text}
	case UserActivity:
		v = typeOnlyMsg{Type: TypeUserActivity}
	case Initiation:
		init := initiationMsg{
			Type: TypeInitiation,
			Override: overrideConfig{
				TTS: formatOverride{OutputAudioFormat: PCMFormat},
				ASR: asrOverride{InputAudioFormat: PCMFormat},
			},
		}
		if msg.SuppressGreeting {
			init.Override.Agent = &agentOverride{}
		}
		v = init
	default:
		return nil, fmt.Errorf("protocol: cannot encode %T", m)
	}
	return json.Marshal(v)
}

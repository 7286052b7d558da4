// Package realtime defines the JSON events exchanged with the realtime voice
// API. Outbound events are built by the client; inbound frames are decoded
// with ParseServerEvent.
package realtime

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrParse 入站消息无法解析
var ErrParse = errors.New("malformed server event")

// 客户端事件类型
const (
	TypeSessionUpdate          = "session.update"
	TypeInputAudioBufferAppend = "input_audio_buffer.append"
)

// 服务端事件类型
const (
	TypeSessionCreated              = "session.created"
	TypeSessionUpdated              = "session.updated"
	TypeResponseCreated             = "response.created"
	TypeResponseAudioDelta          = "response.audio.delta"
	TypeResponseAudioDone           = "response.audio.done"
	TypeResponseAudioTranscriptDone = "response.audio_transcript.done"
	TypeResponseDone                = "response.done"
	TypeSpeechStarted               = "input_audio_buffer.speech_started"
	TypeSpeechStopped               = "input_audio_buffer.speech_stopped"
	TypeInputTranscriptionCompleted = "conversation.item.input_audio_transcription.completed"
	TypeError                       = "error"
)

// AudioFormatPCM16 输入输出音频格式
const AudioFormatPCM16 = "pcm16"

// SessionUpdateEvent 连接建立后发送一次，配置会话
type SessionUpdateEvent struct {
	EventID string        `json:"event_id,omitempty"`
	Type    string        `json:"type"`
	Session SessionParams `json:"session"`
}

type SessionParams struct {
	Modalities              []string                 `json:"modalities,omitempty"`
	Instructions            string                   `json:"instructions,omitempty"`
	Voice                   string                   `json:"voice,omitempty"`
	InputAudioTranscription *InputAudioTranscription `json:"input_audio_transcription,omitempty"`
	InputAudioFormat        string                   `json:"input_audio_format"`
	OutputAudioFormat       string                   `json:"output_audio_format"`
	TurnDetection           *TurnDetection           `json:"turn_detection,omitempty"`
	Temperature             float64                  `json:"temperature,omitempty"`
}

type InputAudioTranscription struct {
	Model string `json:"model"`
}

// TurnDetection 服务端VAD参数
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
}

// InputAudioBufferAppendEvent 上行一帧base64编码的PCM16音频
type InputAudioBufferAppendEvent struct {
	EventID string `json:"event_id,omitempty"`
	Type    string `json:"type"`
	Audio   string `json:"audio"`
}

// NewSessionUpdate 构造 session.update 事件，音频格式固定为 pcm16
func NewSessionUpdate(params SessionParams) SessionUpdateEvent {
	params.InputAudioFormat = AudioFormatPCM16
	params.OutputAudioFormat = AudioFormatPCM16
	return SessionUpdateEvent{
		EventID: newEventID(),
		Type:    TypeSessionUpdate,
		Session: params,
	}
}

// NewAudioAppend 构造 input_audio_buffer.append 事件
func NewAudioAppend(audio string) InputAudioBufferAppendEvent {
	return InputAudioBufferAppendEvent{
		EventID: newEventID(),
		Type:    TypeInputAudioBufferAppend,
		Audio:   audio,
	}
}

func newEventID() string {
	return "evt_" + uuid.NewString()
}

// ServerEvent 入站事件，只解析客户端关心的字段
type ServerEvent struct {
	Type    string `json:"type"`
	EventID string `json:"event_id,omitempty"`

	// response.audio.delta 等
	ResponseID string `json:"response_id,omitempty"`
	ItemID     string `json:"item_id,omitempty"`
	Delta      string `json:"delta,omitempty"`

	// response.audio_transcript.done / conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// session.created / session.updated
	Session *SessionInfo `json:"session,omitempty"`

	// response.created / response.done
	Response *ResponseInfo `json:"response,omitempty"`

	// error 事件的内容可能是对象也可能是字符串
	Error json.RawMessage `json:"error,omitempty"`
}

type SessionInfo struct {
	ID    string `json:"id"`
	Model string `json:"model,omitempty"`
	Voice string `json:"voice,omitempty"`
}

type ResponseInfo struct {
	ID     string `json:"id"`
	Status string `json:"status,omitempty"`
}

// ErrorDetail error 事件中的错误对象
type ErrorDetail struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Param   string `json:"param,omitempty"`
	EventID string `json:"event_id,omitempty"`
}

// ErrorInfo 解析error字段；字段是字符串时放进 Message
func (e *ServerEvent) ErrorInfo() ErrorDetail {
	if len(e.Error) == 0 {
		return ErrorDetail{Message: "unknown error"}
	}
	var detail ErrorDetail
	if err := json.Unmarshal(e.Error, &detail); err == nil {
		return detail
	}
	var msg string
	if err := json.Unmarshal(e.Error, &msg); err == nil {
		return ErrorDetail{Message: msg}
	}
	return ErrorDetail{Message: string(e.Error)}
}

// ParseServerEvent 解析一条入站消息；非法JSON或缺少type时返回 ErrParse
func ParseServerEvent(data []byte) (*ServerEvent, error) {
	var evt ServerEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if evt.Type == "" {
		return nil, fmt.Errorf("%w: missing type field", ErrParse)
	}
	return &evt, nil
}

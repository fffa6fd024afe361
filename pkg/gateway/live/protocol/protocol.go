package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Client message types.
const (
	TypeStart  = "start"
	TypeStop   = "stop"
	TypeAudio  = "audio"
	TypeAnswer = "answer"
	TypeText   = "text"
)

// Server message types.
const (
	TypeReady    = "ready"
	TypeError    = "error"
	TypeAudioEnd = "audio-end"
	TypeClosed   = "closed"
)

const (
	CodeBadRequest  = "bad_request"
	CodeUnknownType = "unknown_type"

	MessageUnknownType   = "Unknown message type"
	MessageInvalidFormat = "Invalid message format"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: CodeBadRequest, Message: message, Param: param}
}

type ClientStart struct {
	Type string `json:"type"`
}

type ClientStop struct {
	Type string `json:"type"`
}

// ClientAudio carries base64 PCM16 LE mono microphone audio.
type ClientAudio struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

type ClientAnswer struct {
	Type string `json:"type"`
}

type ClientText struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// DecodeClientMessage decodes one text frame into a Client* value. Unknown
// types return a *DecodeError with CodeUnknownType.
func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest(MessageInvalidFormat, "")
	}

	switch strings.TrimSpace(envelope.Type) {
	case TypeStart:
		return ClientStart{Type: TypeStart}, nil
	case TypeStop:
		return ClientStop{Type: TypeStop}, nil
	case TypeAnswer:
		return ClientAnswer{Type: TypeAnswer}, nil
	case TypeAudio:
		var msg ClientAudio
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid audio message", "")
		}
		if strings.TrimSpace(msg.Data) == "" {
			return nil, badRequest("audio.data is required", "data")
		}
		return msg, nil
	case TypeText:
		var msg ClientText
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid text message", "")
		}
		return msg, nil
	default:
		return nil, &DecodeError{Code: CodeUnknownType, Message: MessageUnknownType, Param: "type"}
	}
}

type ServerReady struct {
	Type string `json:"type"`
}

type ServerError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type ServerText struct {
	Type string `json:"type"`
	Role string `json:"role"`
	Text string `json:"text"`
}

type ServerAudio struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

type ServerAudioEnd struct {
	Type string `json:"type"`
}

type ServerClosed struct {
	Type string `json:"type"`
}

// DecodeServerMessage is the client-side counterpart of DecodeClientMessage.
func DecodeServerMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest(MessageInvalidFormat, "")
	}

	switch strings.TrimSpace(envelope.Type) {
	case TypeReady:
		return ServerReady{Type: TypeReady}, nil
	case TypeAudioEnd:
		return ServerAudioEnd{Type: TypeAudioEnd}, nil
	case TypeClosed:
		return ServerClosed{Type: TypeClosed}, nil
	case TypeError:
		var msg ServerError
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid error message", "")
		}
		return msg, nil
	case TypeText:
		var msg ServerText
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid text message", "")
		}
		return msg, nil
	case TypeAudio:
		var msg ServerAudio
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid audio message", "")
		}
		return msg, nil
	default:
		return nil, &DecodeError{Code: CodeUnknownType, Message: MessageUnknownType, Param: "type"}
	}
}

package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeClientMessage_ControlTypes(t *testing.T) {
	cases := map[string]any{
		`{"type":"start"}`:  ClientStart{Type: TypeStart},
		`{"type":"stop"}`:   ClientStop{Type: TypeStop},
		`{"type":"answer"}`: ClientAnswer{Type: TypeAnswer},
	}
	for raw, want := range cases {
		got, err := DecodeClientMessage([]byte(raw))
		if err != nil {
			t.Fatalf("DecodeClientMessage(%s) error = %v", raw, err)
		}
		if got != want {
			t.Fatalf("DecodeClientMessage(%s) = %#v, want %#v", raw, got, want)
		}
	}
}

func TestDecodeClientMessage_Audio(t *testing.T) {
	msg, err := DecodeClientMessage([]byte(`{"type":"audio","data":"AAAAAA=="}`))
	if err != nil {
		t.Fatalf("DecodeClientMessage() error = %v", err)
	}
	audio, ok := msg.(ClientAudio)
	if !ok {
		t.Fatalf("decoded type = %T, want ClientAudio", msg)
	}
	if audio.Data != "AAAAAA==" {
		t.Fatalf("data=%q", audio.Data)
	}
}

func TestDecodeClientMessage_AudioRequiresData(t *testing.T) {
	_, err := DecodeClientMessage([]byte(`{"type":"audio"}`))
	var de *DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("err=%v, want *DecodeError", err)
	}
	if de.Code != CodeBadRequest || de.Param != "data" {
		t.Fatalf("decode error=%+v", de)
	}
}

func TestDecodeClientMessage_Text(t *testing.T) {
	msg, err := DecodeClientMessage([]byte(`{"type":"text","content":"hello"}`))
	if err != nil {
		t.Fatalf("DecodeClientMessage() error = %v", err)
	}
	if text := msg.(ClientText); text.Content != "hello" {
		t.Fatalf("content=%q", text.Content)
	}
}

func TestDecodeClientMessage_UnknownType(t *testing.T) {
	for _, raw := range []string{`{"type":"dance"}`, `{}`, `{"type":""}`} {
		_, err := DecodeClientMessage([]byte(raw))
		var de *DecodeError
		if !errors.As(err, &de) {
			t.Fatalf("%s: err=%v, want *DecodeError", raw, err)
		}
		if de.Code != CodeUnknownType || de.Message != MessageUnknownType {
			t.Fatalf("%s: decode error=%+v", raw, de)
		}
	}
}

func TestDecodeClientMessage_InvalidJSON(t *testing.T) {
	_, err := DecodeClientMessage([]byte(`{"type":`))
	var de *DecodeError
	if !errors.As(err, &de) || de.Message != MessageInvalidFormat {
		t.Fatalf("err=%v, want invalid format", err)
	}
}

func TestServerMessages_WireShape(t *testing.T) {
	cases := []struct {
		msg  any
		want string
	}{
		{ServerReady{Type: TypeReady}, `{"type":"ready"}`},
		{ServerError{Type: TypeError, Message: "boom"}, `{"type":"error","message":"boom"}`},
		{ServerText{Type: TypeText, Role: "assistant", Text: "hi"}, `{"type":"text","role":"assistant","text":"hi"}`},
		{ServerAudio{Type: TypeAudio, Data: "QUJD"}, `{"type":"audio","data":"QUJD"}`},
		{ServerAudioEnd{Type: TypeAudioEnd}, `{"type":"audio-end"}`},
		{ServerClosed{Type: TypeClosed}, `{"type":"closed"}`},
	}
	for _, tc := range cases {
		got, err := json.Marshal(tc.msg)
		if err != nil {
			t.Fatalf("marshal %T: %v", tc.msg, err)
		}
		if string(got) != tc.want {
			t.Fatalf("%T=%s, want %s", tc.msg, got, tc.want)
		}
	}
}

func TestDecodeServerMessage(t *testing.T) {
	msg, err := DecodeServerMessage([]byte(`{"type":"text","role":"user","text":"yo"}`))
	if err != nil {
		t.Fatalf("DecodeServerMessage() error = %v", err)
	}
	text, ok := msg.(ServerText)
	if !ok || text.Role != "user" || text.Text != "yo" {
		t.Fatalf("decoded=%#v", msg)
	}
	if _, err := DecodeServerMessage([]byte(`{"type":"ping"}`)); err == nil {
		t.Fatalf("expected error for unknown server type")
	}
}

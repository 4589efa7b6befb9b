package frame

import (
	"errors"
	"testing"

	apperrors "github.com/multi-agent/chatstream/pkg/errors"
)

func TestDecodeKnownKinds(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Kind
	}{
		{"start", `{"type":"start","message_id":"m1"}`, KindStart},
		{"chunk", `{"type":"chunk","content":"Hi "}`, KindChunk},
		{"action_streaming", `{"type":"action_streaming","tool":"search","status":"running","step":1}`, KindActionStreaming},
		{"action_args_chunk", `{"type":"action_args_chunk","tool":"search","partial_args":"{\"q\":","step":1}`, KindActionArgsChunk},
		{"action", `{"type":"action","tool":"search","args":{"q":"go"},"step":1}`, KindAction},
		{"observation", `{"type":"observation","content":"ok","success":true,"step":1}`, KindObservation},
		{"end", `{"type":"end"}`, KindEnd},
		{"cancelled", `{"type":"cancelled"}`, KindCancelled},
		{"error", `{"type":"error","message":"boom"}`, KindError},
		{"title_updated", `{"type":"title_updated","title":"New"}`, KindTitleUpdated},
		{"heartbeat", `{"type":"heartbeat"}`, KindHeartbeat},
		{"resuming_stream", `{"type":"resuming_stream","message_id":"X"}`, KindResumingStream},
		{"user_message_saved", `{"type":"user_message_saved","message_id":"u1"}`, KindUserMessageSaved},
		{"cancel_acknowledged", `{"type":"cancel_acknowledged"}`, KindCancelAcknowledged},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Decode([]byte(tt.raw))
			if err != nil {
				t.Fatalf("Decode() error: %v", err)
			}
			if f.Kind() != tt.want {
				t.Errorf("Kind() = %q, want %q", f.Kind(), tt.want)
			}
			if _, unknown := f.(Unknown); unknown {
				t.Error("known kind decoded as Unknown")
			}
		})
	}
}

func TestDecodeFields(t *testing.T) {
	f, err := Decode([]byte(`{"type":"action","tool":"search","args":{"q":"go"},"step":2}`))
	if err != nil {
		t.Fatal(err)
	}
	a, ok := f.(Action)
	if !ok {
		t.Fatalf("type = %T, want Action", f)
	}
	if a.Tool != "search" || a.Step != 2 {
		t.Errorf("Action = %+v", a)
	}
	if got := a.ArgsMap()["q"]; got != "go" {
		t.Errorf("ArgsMap()[q] = %v, want go", got)
	}

	f, err = Decode([]byte(`{"type":"resuming_stream","message_id":"X"}`))
	if err != nil {
		t.Fatal(err)
	}
	if r := f.(ResumingStream); r.MessageID != "X" {
		t.Errorf("MessageID = %q, want X", r.MessageID)
	}
}

func TestDecodeUnknown(t *testing.T) {
	raw := []byte(`{"type":"future_kind","x":1}`)
	f, err := Decode(raw)
	if err != nil {
		t.Fatalf("unknown kind should not error: %v", err)
	}
	u, ok := f.(Unknown)
	if !ok {
		t.Fatalf("type = %T, want Unknown", f)
	}
	if u.Type != "future_kind" || string(u.Raw) != string(raw) {
		t.Errorf("Unknown = %+v", u)
	}
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `hello`},
		{"array", `[1,2]`},
		{"missing type", `{"content":"x"}`},
		{"wrong field type", `{"type":"chunk","content":42}`},
		{"empty", ``},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.raw))
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, apperrors.ErrMalformedFrame) {
				t.Errorf("error %v is not ErrMalformedFrame", err)
			}
			if apperrors.CodeOf(err) != apperrors.CodeProtocol {
				t.Errorf("CodeOf = %q, want %q", apperrors.CodeOf(err), apperrors.CodeProtocol)
			}
		})
	}
}

func TestErrorText(t *testing.T) {
	tests := []struct {
		name       string
		e          Error
		wantText   string
		wantBenign bool
	}{
		{"content wins", Error{Content: "bad", Message: "other"}, "bad", false},
		{"message fallback", Error{Message: "oops"}, "oops", false},
		{"no active task", Error{Message: "No active task found for session"}, "No active task found for session", true},
		{"no active task upper", Error{Content: "NO ACTIVE TASK"}, "NO ACTIVE TASK", true},
		{"empty", Error{}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.e.Text(); got != tt.wantText {
				t.Errorf("Text() = %q, want %q", got, tt.wantText)
			}
			if got := tt.e.IsNoActiveTask(); got != tt.wantBenign {
				t.Errorf("IsNoActiveTask() = %v, want %v", got, tt.wantBenign)
			}
		})
	}
}

func TestOutboundEncode(t *testing.T) {
	data, err := Message("Hello").Encode()
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"type":"message","content":"Hello"}` {
		t.Errorf("Message = %s", data)
	}
	data, err = Cancel().Encode()
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"type":"cancel"}` {
		t.Errorf("Cancel = %s", data)
	}
}

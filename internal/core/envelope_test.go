package core

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeEnvelope(t *testing.T) {
	tests := []struct {
		in       string
		tag      string
		payload  string
		terminal bool
	}{
		{`["SUCCESS", 3]`, TagSuccess, `3`, true},
		{`["ERROR", "boom"]`, TagError, `"boom"`, true},
		{`["TIMEOUT_EXPIRED", "Timeout"]`, TagTimeoutExpired, `"Timeout"`, true},
		{`["PROGRESS", {"percent":25}]`, "PROGRESS", `{"percent":25}`, false},
		{`[7, "step"]`, "7", `"step"`, false},
		{`["RUNNING"]`, "RUNNING", `null`, false},
	}
	for _, tt := range tests {
		env, err := DecodeEnvelope([]byte(tt.in))
		if err != nil {
			t.Fatalf("DecodeEnvelope(%s): %v", tt.in, err)
		}
		if env.Tag != tt.tag {
			t.Errorf("DecodeEnvelope(%s).Tag = %q, want %q", tt.in, env.Tag, tt.tag)
		}
		if string(env.Payload) != tt.payload {
			t.Errorf("DecodeEnvelope(%s).Payload = %s, want %s", tt.in, env.Payload, tt.payload)
		}
		if env.Terminal() != tt.terminal {
			t.Errorf("DecodeEnvelope(%s).Terminal() = %v, want %v", tt.in, env.Terminal(), tt.terminal)
		}
	}
}

func TestDecodeEnvelope_Invalid(t *testing.T) {
	for _, in := range []string{`{}`, `[]`, `[1,2,3]`, `[{"a":1}, 2]`, `"SUCCESS"`} {
		if _, err := DecodeEnvelope([]byte(in)); err == nil {
			t.Errorf("DecodeEnvelope(%s) should fail", in)
		}
	}
}

func TestEnvelopeDescription(t *testing.T) {
	env := Envelope{Tag: TagError, Payload: json.RawMessage(`"Test error"`)}
	if got := env.Description(); got != "Test error" {
		t.Errorf("Description() = %q, want %q", got, "Test error")
	}
	env.Payload = json.RawMessage(`{"code":1}`)
	if got := env.Description(); got != `{"code":1}` {
		t.Errorf("Description() = %q, want raw JSON", got)
	}
}

func TestEnvelopeMarshal(t *testing.T) {
	b, err := json.Marshal(Envelope{Tag: "PROGRESS", Payload: json.RawMessage(`{"percent":50}`)})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(b) != `["PROGRESS",{"percent":50}]` {
		t.Errorf("Marshal = %s", b)
	}
	b, _ = json.Marshal(Envelope{Tag: TagSuccess})
	if string(b) != `["SUCCESS",null]` {
		t.Errorf("Marshal empty payload = %s", b)
	}
}

func TestEncodeRequest_PreservesOrder(t *testing.T) {
	args, err := EncodeArgs([]any{1, 2, "three", json.RawMessage(`{"x":4}`)})
	if err != nil {
		t.Fatalf("EncodeArgs: %v", err)
	}
	req, err := EncodeRequest(args)
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}
	if string(req) != `[[1,2,"three",{"x":4}]]` {
		t.Errorf("EncodeRequest = %s", req)
	}
	back, err := DecodeRequest(req)
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}
	if len(back) != 4 || string(back[2]) != `"three"` {
		t.Errorf("DecodeRequest = %v", back)
	}
}

func TestEncodeRequest_NoArgs(t *testing.T) {
	req, err := EncodeRequest(nil)
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}
	if string(req) != `[[]]` {
		t.Errorf("EncodeRequest(nil) = %s, want [[]]", req)
	}
}

func TestEncodeArgs_Unencodable(t *testing.T) {
	_, err := EncodeArgs([]any{1, make(chan int)})
	if err == nil {
		t.Fatal("expected error for channel argument")
	}
}

func TestFailureIs(t *testing.T) {
	f := NewFailure(KindRuntime, "boom", nil)
	if f.Error() != "boom" {
		t.Errorf("Error() = %q, want boom", f.Error())
	}
	if !errors.Is(f, ErrRuntime) {
		t.Error("runtime failure should match ErrRuntime")
	}
	if errors.Is(f, ErrTimeout) {
		t.Error("runtime failure should not match ErrTimeout")
	}
	wrapped := NewFailure(KindUnitFault, "", errors.New("load failed"))
	if wrapped.Error() != "load failed" {
		t.Errorf("Error() = %q, want wrapped message", wrapped.Error())
	}
	if KindOf(wrapped) != KindUnitFault {
		t.Errorf("KindOf = %v", KindOf(wrapped))
	}
	if KindOf(errors.New("plain")) != 0 {
		t.Error("KindOf(plain) should be 0")
	}
}

func TestStatus(t *testing.T) {
	for _, s := range []Status{StatusSuccess, StatusError, StatusTimeoutExpired} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	if StatusPending.Terminal() || StatusRunning.Terminal() {
		t.Error("PENDING and RUNNING are not terminal")
	}
	if Status("DONE").Valid() {
		t.Error("unknown status should not be valid")
	}
}

package apierror

import (
	"encoding/json"
	"testing"
)

func TestFrame_Shape(t *testing.T) {
	frame := Frame(Validation("unknown_event_type", "unsupported event", "type"))

	var env struct {
		Type  string `json:"type"`
		Error struct {
			Type    string `json:"type"`
			Code    string `json:"code"`
			Message string `json:"message"`
			Param   string `json:"param"`
		} `json:"error"`
	}
	if err := json.Unmarshal(frame, &env); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if env.Type != "error" {
		t.Fatalf("envelope type=%q", env.Type)
	}
	if env.Error.Type != "validation_error" || env.Error.Code != "unknown_event_type" || env.Error.Param != "type" {
		t.Fatalf("error=%+v", env.Error)
	}
}

func TestError_String(t *testing.T) {
	e := RateLimit("too many requests")
	if e.Error() != "rate_limit_error: too many requests" {
		t.Fatalf("got %q", e.Error())
	}
	e2 := Validation("bad", "bad field", "voice")
	if e2.Error() != "validation_error: bad field (voice)" {
		t.Fatalf("got %q", e2.Error())
	}
}

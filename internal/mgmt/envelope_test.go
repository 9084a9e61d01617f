package mgmt

import (
	"encoding/json"
	"testing"
)

func TestNewRequestMarshalsRequestPayload(t *testing.T) {
	type payload struct {
		Key string `json:"key"`
	}
	env, err := NewRequest(CommandConfGet, OutputJSON, payload{Key: "metrics_port"})
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if env.Header.Command != CommandConfGet {
		t.Errorf("Command = %d, want %d", env.Header.Command, CommandConfGet)
	}
	if env.Header.ClientVersion != ProtocolVersion {
		t.Errorf("ClientVersion = %q, want %q", env.Header.ClientVersion, ProtocolVersion)
	}

	var got payload
	if err := json.Unmarshal(env.Request, &got); err != nil {
		t.Fatalf("unmarshaling Request: %v", err)
	}
	if got.Key != "metrics_port" {
		t.Errorf("Request.Key = %q, want metrics_port", got.Key)
	}
}

func TestNewRequestWithNilPayloadOmitsRequest(t *testing.T) {
	env, err := NewRequest(CommandPing, OutputText, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if env.Request != nil {
		t.Errorf("Request = %v, want nil for a nil payload", env.Request)
	}
}

func TestSuccessEchoesHeaderAndSetsStatusTrue(t *testing.T) {
	req, _ := NewRequest(CommandStatus, OutputText, nil)
	resp, err := Success(req, map[string]string{"state": "ok"})
	if err != nil {
		t.Fatalf("Success: %v", err)
	}
	if !resp.Outcome.Status {
		t.Error("Success should set Outcome.Status = true")
	}
	if resp.Outcome.Error != nil {
		t.Error("Success should leave Outcome.Error nil")
	}
	if resp.Header.Command != req.Header.Command {
		t.Error("Success should echo the request header")
	}
}

func TestFailureSetsStatusFalseAndErrorCode(t *testing.T) {
	req, _ := NewRequest(CommandConfGet, OutputText, nil)
	resp := Failure(req, ErrConfGetUnknownKey)
	if resp.Outcome.Status {
		t.Error("Failure should set Outcome.Status = false")
	}
	if resp.Outcome.Error == nil || *resp.Outcome.Error != ErrConfGetUnknownKey {
		t.Errorf("Outcome.Error = %v, want %d", resp.Outcome.Error, ErrConfGetUnknownKey)
	}
}

func TestEnvelopeRoundTripsThroughJSON(t *testing.T) {
	req, _ := NewRequest(CommandConfSet, OutputRaw, map[string]string{"key": "v", "value": "1"})
	resp, _ := Success(req, map[string]string{"applied": "true"})

	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded Envelope
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Header.Command != CommandConfSet {
		t.Errorf("decoded Command = %d, want %d", decoded.Header.Command, CommandConfSet)
	}
	if !decoded.Outcome.Status {
		t.Error("decoded Outcome.Status should be true")
	}
}

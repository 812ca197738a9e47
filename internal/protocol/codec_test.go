package protocol

import "testing"

func TestRoundTrip(t *testing.T) {
	codec := NewCodec()
	cases := []Frame{
		{
			Kind:   KindNodeRegister,
			NodeID: "n1",
			Capabilities: Capabilities{
				AgentTypes:     []string{"high"},
				Tools:          []string{"s"},
				MaxConcurrency: 4,
				Channels:       []string{"c"},
			},
			Token: "t",
		},
		{Kind: KindNodeRegisterAck, NodeID: "n1", SessionID: "s1"},
		{Kind: KindHeartbeatPing, Timestamp: 1000},
		{Kind: KindHeartbeatPong, Timestamp: 1000},
		{
			Kind: KindLaneMessage,
			Lane: LaneSteer,
			Message: LaneMessage{
				ID:        "m1",
				Lane:      LaneSteer,
				ChannelID: "c1",
				Timestamp: 42,
			},
		},
		{Kind: KindLaneMessageAck, MessageID: "m1"},
		{Kind: KindSessionUpdate, SessionID: "s1", NodeID: "n1", State: StateIdle, Timestamp: 5},
		{Kind: KindConfigChanged, Fields: []string{"laneCapacity"}, Timestamp: 5},
		{Kind: KindError, Error: ProblemDetails{Type: "about:blank", Title: "bad", Status: 400}, Timestamp: 5},
	}

	for _, want := range cases {
		raw, err := codec.Encode(want)
		if err != nil {
			t.Fatalf("encode %v: %v", want.Kind, err)
		}
		got, err := Decode(raw)
		if err != nil {
			t.Fatalf("decode %v: %v", want.Kind, err)
		}
		if got.Kind != want.Kind {
			t.Fatalf("kind mismatch: got %v want %v", got.Kind, want.Kind)
		}
		raw2, err := codec.Encode(got)
		if err != nil {
			t.Fatalf("re-encode %v: %v", want.Kind, err)
		}
		if string(raw) != string(raw2) {
			t.Fatalf("re-serialisation differs:\n%s\n%s", raw, raw2)
		}
	}
}

func TestHeartbeatRejectsNonPositiveTimestamp(t *testing.T) {
	for _, ts := range []int64{0, -1} {
		f := Frame{Kind: KindHeartbeatPing, Timestamp: ts}
		if err := ValidateFrame(f); err == nil {
			t.Fatalf("timestamp %d should be rejected", ts)
		}
	}
}

func TestIdentityLengthBounds(t *testing.T) {
	mk := func(n int) string {
		b := make([]byte, n)
		for i := range b {
			b[i] = 'a'
		}
		return string(b)
	}

	if err := ValidateIdentity(IdentityContext{Name: mk(80)}); err != nil {
		t.Fatalf("80-char name should pass: %v", err)
	}
	if err := ValidateIdentity(IdentityContext{Name: mk(81)}); err == nil {
		t.Fatalf("81-char name should be rejected")
	}
	if err := ValidateIdentity(IdentityContext{Bio: mk(512)}); err != nil {
		t.Fatalf("512-char bio should pass: %v", err)
	}
	if err := ValidateIdentity(IdentityContext{Bio: mk(513)}); err == nil {
		t.Fatalf("513-char bio should be rejected")
	}
	if err := ValidateIdentity(IdentityContext{SystemPromptPrefix: mk(4096)}); err != nil {
		t.Fatalf("4096-char prefix should pass: %v", err)
	}
	if err := ValidateIdentity(IdentityContext{SystemPromptPrefix: mk(4097)}); err == nil {
		t.Fatalf("4097-char prefix should be rejected")
	}
}

func TestConfigChangedRequiresNonEmptyFields(t *testing.T) {
	f := Frame{Kind: KindConfigChanged, Timestamp: 1}
	if err := ValidateFrame(f); err == nil {
		t.Fatalf("empty fields list should be rejected")
	}
}

func TestUnknownKindRejected(t *testing.T) {
	f := Frame{Kind: Kind("bogus.kind")}
	if err := ValidateFrame(f); err == nil {
		t.Fatalf("unknown kind should be rejected")
	}
}

func TestFractionalTimestampRejected(t *testing.T) {
	if _, err := Decode([]byte(`{"kind":"heartbeat.ping","timestamp":1.5}`)); err == nil {
		t.Fatalf("fractional timestamp should be rejected")
	}
}

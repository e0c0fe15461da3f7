package wschat

import (
	"testing"
	"time"
)

func TestConfigDefaultsApplyWhenUnset(t *testing.T) {
	s := New(Config{}, nil, nil, nil)
	if s.cfg.AuthTimeout != 10*time.Second {
		t.Fatalf("AuthTimeout = %v, want 10s", s.cfg.AuthTimeout)
	}
	if s.cfg.MessageRatePerMin != 60 {
		t.Fatalf("MessageRatePerMin = %d, want 60", s.cfg.MessageRatePerMin)
	}
	if s.cfg.TypingRatePerMin != 30 {
		t.Fatalf("TypingRatePerMin = %d, want 30", s.cfg.TypingRatePerMin)
	}
}

func TestConfigAuthRequiredReflectsAPIKeys(t *testing.T) {
	noKeys := Config{}
	if noKeys.authRequired() {
		t.Fatal("expected auth not required with no keys configured")
	}
	withKeys := Config{APIKeys: []string{"secret"}}
	if !withKeys.authRequired() {
		t.Fatal("expected auth required with keys configured")
	}
	if !withKeys.validKey("secret") {
		t.Fatal("expected configured key to validate")
	}
	if withKeys.validKey("wrong") {
		t.Fatal("expected unknown key to be rejected")
	}
}

func TestAppendReplayEvictsByCount(t *testing.T) {
	s := New(Config{}, nil, nil, nil)
	now := time.Now()
	for i := 0; i < replayMaxEntries+10; i++ {
		s.appendReplay(outbound{seq: uint64(i), ts: now, payload: i})
	}
	if len(s.replay) > replayMaxEntries {
		t.Fatalf("replay length = %d, want <= %d", len(s.replay), replayMaxEntries)
	}
	if s.replay[0].seq != uint64(10) {
		t.Fatalf("oldest surviving seq = %d, want %d", s.replay[0].seq, 10)
	}
}

func TestAppendReplayEvictsByAge(t *testing.T) {
	s := New(Config{}, nil, nil, nil)
	old := time.Now().Add(-2 * time.Hour)
	s.appendReplay(outbound{seq: 1, ts: old, payload: "stale"})
	s.appendReplay(outbound{seq: 2, ts: time.Now(), payload: "fresh"})
	if len(s.replay) != 1 {
		t.Fatalf("replay length = %d, want 1", len(s.replay))
	}
	if s.replay[0].seq != 2 {
		t.Fatalf("surviving seq = %d, want 2", s.replay[0].seq)
	}
}

func TestFrameAddsTypeDiscriminator(t *testing.T) {
	f := frame("chat_message", map[string]any{"body": "hi"})
	if f["type"] != "chat_message" {
		t.Fatalf("type = %v, want chat_message", f["type"])
	}
	if f["body"] != "hi" {
		t.Fatalf("body = %v, want hi", f["body"])
	}
}

func TestNewClientIDsAreUnique(t *testing.T) {
	a := newClientID()
	b := newClientID()
	if a == b {
		t.Fatalf("expected distinct client ids, got %q twice", a)
	}
}

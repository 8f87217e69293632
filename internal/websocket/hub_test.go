package websocket

import (
	"encoding/json"
	"io"
	"testing"

	"github.com/rs/zerolog"

	"github.com/visualmatrix/api/internal/model"
)

func newTestHub() *Hub {
	return NewHub(zerolog.New(io.Discard))
}

func receive(t *testing.T, s *Session) model.WSMessage {
	t.Helper()
	select {
	case data := <-s.Send:
		var msg model.WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("bad frame %s: %v", data, err)
		}
		return msg
	default:
		t.Fatal("expected a queued frame")
	}
	return model.WSMessage{}
}

func TestHub_EmitToAllSessionsOfUser(t *testing.T) {
	h := newTestHub()
	a1, a2 := NewSession("alice"), NewSession("alice")
	b := NewSession("bob")
	h.Join(a1)
	h.Join(a2)
	h.Join(b)

	h.EmitToUser("alice", model.EventAnalysisComplete, model.AnalysisCompleteEvent{JobID: "j1", Prompt: "a cat"})

	for _, s := range []*Session{a1, a2} {
		msg := receive(t, s)
		if msg.Type != model.EventAnalysisComplete {
			t.Errorf("expected %s, got %s", model.EventAnalysisComplete, msg.Type)
		}
		data := msg.Data.(map[string]interface{})
		if data["jobId"] != "j1" || data["prompt"] != "a cat" {
			t.Errorf("unexpected payload %v", data)
		}
	}
	if len(b.Send) != 0 {
		t.Error("other users must not receive the event")
	}
}

func TestHub_OfflineUserIsNoop(t *testing.T) {
	h := newTestHub()
	h.EmitToUser("nobody", model.EventGenerationFailed, model.GenerationFailedEvent{JobID: "j"})
	if h.SessionCount("nobody") != 0 {
		t.Error("emitting must not create a room")
	}
}

func TestHub_LeaveClosesAndIsIdempotent(t *testing.T) {
	h := newTestHub()
	s := NewSession("alice")
	h.Join(s)
	if h.SessionCount("alice") != 1 {
		t.Fatalf("expected 1 session")
	}

	h.Leave(s)
	h.Leave(s)

	if h.SessionCount("alice") != 0 {
		t.Errorf("expected no sessions after leave")
	}
	if _, ok := <-s.Send; ok {
		t.Error("expected send channel closed")
	}

	h.EmitToUser("alice", model.EventGenerationStarted, model.GenerationStartedEvent{JobID: "j", Quantity: 2})
}

func TestHub_SlowSessionDropped(t *testing.T) {
	h := newTestHub()
	slow := NewSession("alice")
	fast := NewSession("alice")
	h.Join(slow)
	h.Join(fast)

	for i := 0; i < sendBuffer; i++ {
		slow.Send <- []byte("{}")
	}
	h.EmitToUser("alice", model.EventGenerationProgress, model.GenerationProgressEvent{JobID: "j", Completed: 1, Total: 2})

	if h.SessionCount("alice") != 1 {
		t.Errorf("expected slow session dropped, have %d", h.SessionCount("alice"))
	}
	if msg := receive(t, fast); msg.Type != model.EventGenerationProgress {
		t.Errorf("unexpected frame %+v", msg)
	}
}

func TestHub_SendOnlyToRegisteredSession(t *testing.T) {
	h := newTestHub()
	s := NewSession("alice")
	h.send(s, []byte(`{"type":"pong"}`))
	if len(s.Send) != 0 {
		t.Error("unregistered session must not receive frames")
	}

	h.Join(s)
	h.send(s, []byte(`{"type":"pong"}`))
	if msg := receive(t, s); msg.Type != model.WSMessageTypePong {
		t.Errorf("expected pong, got %+v", msg)
	}
}

package orchestrator

import (
	"bytes"
	"io"
	"log/slog"
	"strings"
	"testing"
)

func TestBroadcaster(t *testing.T) {
	b := NewBroadcaster(2, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ch1, cancel1 := b.Subscribe()
	ch2, cancel2 := b.Subscribe()
	defer cancel2()

	if b.Subscribers() != 2 {
		t.Fatalf("Subscribers() = %d, want 2", b.Subscribers())
	}

	b.Publish(Event{Type: EventBatchStart, BatchID: "x"})

	if e := <-ch1; e.BatchID != "x" {
		t.Errorf("subscriber 1 got %+v", e)
	}
	if e := <-ch2; e.Type != EventBatchStart {
		t.Errorf("subscriber 2 got %+v", e)
	}

	cancel1()
	cancel1()
	if _, ok := <-ch1; ok {
		t.Error("channel should be closed after unsubscribe")
	}
	if b.Subscribers() != 1 {
		t.Errorf("Subscribers() = %d, want 1", b.Subscribers())
	}
}

func TestBroadcasterDropsWhenFull(t *testing.T) {
	var logs bytes.Buffer
	b := NewBroadcaster(1, slog.New(slog.NewTextHandler(&logs, nil)))
	ch, cancel := b.Subscribe()
	defer cancel()

	b.Publish(Event{Type: EventProgress, BatchID: "1"})
	b.Publish(Event{Type: EventProgress, BatchID: "2"})

	if e := <-ch; e.BatchID != "1" {
		t.Errorf("got %s, want 1", e.BatchID)
	}
	select {
	case e := <-ch:
		t.Errorf("unexpected buffered event %+v", e)
	default:
	}
	if !strings.Contains(logs.String(), "dropping event") {
		t.Errorf("drop was not logged: %q", logs.String())
	}
}

func TestBroadcasterKeepsTerminalAndCaptchaEvents(t *testing.T) {
	b := NewBroadcaster(2, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ch, cancel := b.Subscribe()
	defer cancel()

	b.Publish(Event{Type: EventProgress, BatchID: "1"})
	b.Publish(Event{Type: EventProgress, BatchID: "2"})
	b.Publish(Event{Type: EventCaptchaRequired, BatchID: "3"})
	b.Publish(Event{Type: EventProgress, BatchID: "4"})
	b.Publish(Event{Type: EventBatchTerminal, BatchID: "5"})

	var got []string
	for len(ch) > 0 {
		got = append(got, (<-ch).BatchID)
	}
	if strings.Join(got, ",") != "3,5" {
		t.Errorf("buffered events = %v, want [3 5]", got)
	}
}

func TestMultiSink(t *testing.T) {
	var got []string
	m := MultiSink{
		SinkFunc(func(e Event) { got = append(got, "a:"+e.BatchID) }),
		nil,
		SinkFunc(func(e Event) { got = append(got, "b:"+e.BatchID) }),
	}

	m.Publish(Event{BatchID: "z"})

	if len(got) != 2 || got[0] != "a:z" || got[1] != "b:z" {
		t.Errorf("got %v", got)
	}
}

func TestStateTerminal(t *testing.T) {
	terminal := []State{StateCompleted, StateCancelled, StateLimitExhausted, StateSessionExpired, StateError}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []State{StateIdle, StateInitializing, StateSending, StateCaptchaWait, StateSwitchingAccount} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

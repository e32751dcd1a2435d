package realtime

import (
	"context"
	"encoding/json"
	"slices"
	"testing"
)

func TestBusDeliversInRegistrationOrder(t *testing.T) {
	b := NewBus()
	var calls []string
	b.On("e", func(context.Context, json.RawMessage) { calls = append(calls, "first") })
	b.On("e", func(context.Context, json.RawMessage) { calls = append(calls, "second") })

	b.Publish(context.Background(), "e", nil)
	if !slices.Equal(calls, []string{"first", "second"}) {
		t.Fatalf("calls = %v", calls)
	}
}

func TestBusUnsubscribeRemovesOnlyThatHandler(t *testing.T) {
	b := NewBus()
	var calls []string
	off := b.On("e", func(context.Context, json.RawMessage) { calls = append(calls, "a") })
	b.On("e", func(context.Context, json.RawMessage) { calls = append(calls, "b") })

	off()
	off()
	b.Publish(context.Background(), "e", nil)
	if !slices.Equal(calls, []string{"b"}) {
		t.Fatalf("calls = %v, want [b]", calls)
	}

	b.Off("e")
	b.Publish(context.Background(), "e", nil)
	if len(calls) != 1 {
		t.Fatalf("handler ran after Off: %v", calls)
	}
}

func TestBusRecoversHandlerPanic(t *testing.T) {
	b := NewBus()
	ran := false
	b.On("e", func(context.Context, json.RawMessage) { panic("boom") })
	b.On("e", func(context.Context, json.RawMessage) { ran = true })

	b.Publish(context.Background(), "e", nil)
	if !ran {
		t.Fatal("second handler skipped after panic")
	}
}

func TestSubscribeDecodesPayload(t *testing.T) {
	b := NewBus()
	var got OperatorStatusChanged
	Subscribe(b, EventOperatorStatusChanged, func(_ context.Context, v OperatorStatusChanged) {
		got = v
	})

	b.Publish(context.Background(), EventOperatorStatusChanged, json.RawMessage(`{"operatorId":"op-1","status":"online"}`))
	if got.OperatorID != "op-1" || got.Status != OperatorOnline {
		t.Fatalf("got %+v", got)
	}

	got = OperatorStatusChanged{}
	b.Publish(context.Background(), EventOperatorStatusChanged, json.RawMessage(`[`))
	if got != (OperatorStatusChanged{}) {
		t.Fatalf("undecodable payload delivered: %+v", got)
	}
}

func TestBusResetRemovesAllHandlers(t *testing.T) {
	b := NewBus()
	calls := 0
	b.On("a", func(context.Context, json.RawMessage) { calls++ })
	b.On("b", func(context.Context, json.RawMessage) { calls++ })

	b.Reset()
	b.Publish(context.Background(), "a", nil)
	b.Publish(context.Background(), "b", nil)
	if calls != 0 {
		t.Fatalf("%d handlers ran after Reset", calls)
	}

	b.On("a", func(context.Context, json.RawMessage) { calls++ })
	b.Publish(context.Background(), "a", nil)
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 after re-registering", calls)
	}
}

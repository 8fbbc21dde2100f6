package standalone

import (
	"context"
	"testing"
	"time"

	"github.com/cfiorelli/musicr/internal/bus"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := b.Subscribe(ctx, "room:lobby")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := b.Publish(ctx, "room:lobby", []byte("hello")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case msg := <-ch:
		if msg.Channel != "room:lobby" {
			t.Errorf("Channel = %q, want room:lobby", msg.Channel)
		}
		if string(msg.Payload) != "hello" {
			t.Errorf("Payload = %q, want hello", msg.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published message")
	}
}

func TestBus_PublishDifferentChannelNotDelivered(t *testing.T) {
	b := New()
	defer b.Close()

	ctx := context.Background()
	ch, err := b.Subscribe(ctx, "room:a")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := b.Publish(ctx, "room:b", []byte("nope")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case msg := <-ch:
		t.Fatalf("unexpected delivery: %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_SubscribeClosesOnContextDone(t *testing.T) {
	b := New()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := b.Subscribe(ctx, "room:lobby")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel to be closed, got a message instead")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscription channel to close")
	}
}

func TestBus_PublishAfterCloseIsNoop(t *testing.T) {
	b := New()
	ctx := context.Background()
	ch, err := b.Subscribe(ctx, "room:lobby")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := b.Publish(ctx, "room:lobby", []byte("x")); err != nil {
		t.Fatalf("Publish after close returned error: %v", err)
	}

	select {
	case msg, ok := <-ch:
		if ok {
			t.Fatalf("expected no delivery after close, got %+v", msg)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_MultipleSubscribersFanOut(t *testing.T) {
	b := New()
	defer b.Close()

	ctx := context.Background()
	ch1, err := b.Subscribe(ctx, "room:lobby")
	if err != nil {
		t.Fatalf("Subscribe ch1: %v", err)
	}
	ch2, err := b.Subscribe(ctx, "room:lobby")
	if err != nil {
		t.Fatalf("Subscribe ch2: %v", err)
	}

	if err := b.Publish(ctx, "room:lobby", []byte("fanout")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	for i, ch := range []<-chan bus.Message{ch1, ch2} {
		select {
		case msg := <-ch:
			if string(msg.Payload) != "fanout" {
				t.Errorf("subscriber %d: Payload = %q, want fanout", i, msg.Payload)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: timed out waiting for message", i)
		}
	}
}

var _ bus.Bus = (*Bus)(nil)

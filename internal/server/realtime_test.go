package server

import (
	"context"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/onespark/backend/internal/comments"
)

func TestCommentStreamPublishesToSubscriber(t *testing.T) {
	dispatcher := NewCommentStream()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx)
	defer cleanup()

	dispatcher.Publish(comments.Event{
		Type:    comments.EventPosted,
		Comment: comments.View{ID: "comment_1", Text: "hello"},
	})

	select {
	case received := <-stream:
		if received.Type != comments.EventPosted {
			t.Fatalf("expected event type %s, got %s", comments.EventPosted, received.Type)
		}
		if received.Comment.ID != "comment_1" {
			t.Fatalf("unexpected comment %#v", received.Comment)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime message within deadline")
	}
}

func TestCommentStreamFansOutToEverySubscriber(t *testing.T) {
	dispatcher := NewCommentStream()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first, cleanupFirst := dispatcher.Subscribe(ctx)
	defer cleanupFirst()
	second, cleanupSecond := dispatcher.Subscribe(ctx)
	defer cleanupSecond()

	dispatcher.Publish(comments.Event{Type: comments.EventRemoved, Comment: comments.View{ID: "comment_2"}})

	for index, stream := range []<-chan comments.Event{first, second} {
		select {
		case msg := <-stream:
			if msg.Comment.ID != "comment_2" {
				t.Fatalf("subscriber %d received %#v", index, msg)
			}
		case <-time.After(500 * time.Millisecond):
			t.Fatalf("subscriber %d received nothing", index)
		}
	}
}

func TestCommentStreamUnsubscribesOnCancel(t *testing.T) {
	dispatcher := NewCommentStream()
	ctx, cancel := context.WithCancel(context.Background())

	_, cleanup := dispatcher.Subscribe(ctx)
	defer cleanup()
	if dispatcher.Subscribers() != 1 {
		t.Fatalf("expected one subscriber, got %d", dispatcher.Subscribers())
	}

	cancel()
	deadline := time.Now().Add(time.Second)
	for dispatcher.Subscribers() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber not removed after context cancellation")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cleanup()
}

func TestCommentStreamDropsWhenBufferFull(t *testing.T) {
	dispatcher := NewCommentStream()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx)
	defer cleanup()

	for index := 0; index < realtimeBufferSize+5; index++ {
		dispatcher.Publish(comments.Event{Type: comments.EventPosted})
	}
	if len(stream) != realtimeBufferSize {
		t.Fatalf("expected buffer to hold %d events, got %d", realtimeBufferSize, len(stream))
	}
	dispatcher.Publish(comments.Event{})
	if len(stream) != realtimeBufferSize {
		t.Fatalf("events without a type must be ignored")
	}
}

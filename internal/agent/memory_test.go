package agent

import (
	"context"
	"testing"

	"github.com/axonhq/axon/pkg/models"
)

func TestBufferAppendsPerSession(t *testing.T) {
	buffer := NewBuffer()
	ctx := context.Background()

	if err := buffer.AddMessages(ctx, "a", []models.Message{models.NewUserText("one")}); err != nil {
		t.Fatalf("AddMessages: %v", err)
	}
	if err := buffer.AddMessages(ctx, "b", []models.Message{models.NewUserText("other")}); err != nil {
		t.Fatalf("AddMessages: %v", err)
	}
	if err := buffer.AddMessages(ctx, "a", []models.Message{models.NewUserText("two")}); err != nil {
		t.Fatalf("AddMessages: %v", err)
	}

	msgs, err := buffer.GetMessages(ctx, "a", 0)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("session a holds %d messages, want 2", len(msgs))
	}
	if buffer.Len("b") != 1 {
		t.Errorf("session b holds %d messages, want 1", buffer.Len("b"))
	}
	if buffer.Len("missing") != 0 {
		t.Errorf("unknown session holds %d messages, want 0", buffer.Len("missing"))
	}
}

func TestBufferLimitReturnsTail(t *testing.T) {
	buffer := NewBuffer()
	ctx := context.Background()
	for _, text := range []string{"one", "two", "three"} {
		if err := buffer.AddMessages(ctx, "s", []models.Message{models.NewUserText(text)}); err != nil {
			t.Fatalf("AddMessages: %v", err)
		}
	}

	msgs, err := buffer.GetMessages(ctx, "s", 2)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("limited read = %d messages, want 2", len(msgs))
	}
	last, ok := msgs[1].(*models.UserMessage)
	if !ok || last.PlainText() != "three" {
		t.Errorf("tail = %+v", msgs[1])
	}
}

func TestBufferReturnsCopies(t *testing.T) {
	buffer := NewBuffer()
	ctx := context.Background()
	if err := buffer.AddMessages(ctx, "s", []models.Message{models.NewUserText("one")}); err != nil {
		t.Fatalf("AddMessages: %v", err)
	}

	msgs, _ := buffer.GetMessages(ctx, "s", 0)
	msgs[0] = models.NewUserText("mutated")

	again, _ := buffer.GetMessages(ctx, "s", 0)
	if again[0].(*models.UserMessage).PlainText() != "one" {
		t.Error("mutating a returned slice leaked into the buffer")
	}
}

package memory

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/axonhq/axon/pkg/models"
)

func TestMaintenance_RunOnceFlushesAgedDirtySessions(t *testing.T) {
	store, cold, _ := newTieredForTest(t)
	ctx := context.Background()

	if _, err := store.CreateSessionWithID(ctx, "sess-aged", "coder", "", nil); err != nil {
		t.Fatalf("CreateSessionWithID: %v", err)
	}
	if err := store.AddMessages(ctx, "sess-aged", []models.Message{
		models.NewUserText("hi"),
		models.NewAssistantMessage("hello"),
	}); err != nil {
		t.Fatalf("AddMessages: %v", err)
	}

	if _, err := store.CreateSessionWithID(ctx, "sess-fresh", "coder", "", nil); err != nil {
		t.Fatalf("CreateSessionWithID: %v", err)
	}
	if err := store.AddMessage(ctx, "sess-fresh", models.NewUserText("hi")); err != nil {
		t.Fatalf("AddMessage: %v", err)
	}

	// Age one session's dirty window past the flush threshold.
	store.mu.Lock()
	store.dirty["sess-aged"].since = time.Now().Add(-2 * time.Minute)
	store.mu.Unlock()

	m := NewMaintenance(store, testLogger(), MaintenanceConfig{FlushAge: time.Minute})
	flushed, archived, err := m.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if flushed != 1 {
		t.Errorf("expected 1 flushed, got %d", flushed)
	}
	if archived != 0 {
		t.Errorf("expected 0 archived, got %d", archived)
	}
	if cold.storedCount("sess-aged") != 2 {
		t.Errorf("expected aged session checkpointed, got %d", cold.storedCount("sess-aged"))
	}
	if cold.storedCount("sess-fresh") != 0 {
		t.Errorf("expected fresh session untouched, got %d", cold.storedCount("sess-fresh"))
	}
	if store.DirtyCount("sess-aged") != 0 {
		t.Errorf("expected dirty reset, got %d", store.DirtyCount("sess-aged"))
	}
	if store.DirtyCount("sess-fresh") != 1 {
		t.Errorf("expected fresh session still dirty, got %d", store.DirtyCount("sess-fresh"))
	}
}

func TestMaintenance_RunOnceArchivesIdleSessions(t *testing.T) {
	store, cold, _ := newTieredForTest(t)
	ctx := context.Background()
	old := time.Now().UTC().Add(-60 * 24 * time.Hour)

	cold.sessions["sess-idle"] = &models.Session{
		ID:        "sess-idle",
		AgentName: "coder",
		Status:    models.SessionClosed,
		CreatedAt: old,
		UpdatedAt: old,
	}
	cold.messages["sess-idle"] = []models.Stamped{
		{Sequence: 1, CreatedAt: old, Message: models.NewUserText("hi")},
	}
	cold.stale = []string{"sess-idle"}

	m := NewMaintenance(store, testLogger(), MaintenanceConfig{
		ArchiveAfter: 30 * 24 * time.Hour,
	})
	flushed, archived, err := m.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if flushed != 0 {
		t.Errorf("expected 0 flushed, got %d", flushed)
	}
	if archived != 1 {
		t.Errorf("expected 1 archived, got %d", archived)
	}
	if got := cold.status("sess-idle"); got != models.SessionArchived {
		t.Errorf("expected archived status, got %s", got)
	}
	if cold.storedCount("sess-idle") != 1 {
		t.Errorf("expected transcript retained, got %d", cold.storedCount("sess-idle"))
	}
}

func TestMaintenance_RunOnceCollectsFlushErrors(t *testing.T) {
	store, cold, _ := newTieredForTest(t)
	ctx := context.Background()

	if _, err := store.CreateSessionWithID(ctx, "sess-1", "coder", "", nil); err != nil {
		t.Fatalf("CreateSessionWithID: %v", err)
	}
	if err := store.AddMessage(ctx, "sess-1", models.NewUserText("hi")); err != nil {
		t.Fatalf("AddMessage: %v", err)
	}
	store.mu.Lock()
	store.dirty["sess-1"].since = time.Now().Add(-time.Hour)
	store.mu.Unlock()
	cold.failReplace = errors.New("cold tier down")

	m := NewMaintenance(store, testLogger(), MaintenanceConfig{FlushAge: time.Minute})
	flushed, _, err := m.RunOnce(ctx)
	if err == nil {
		t.Fatal("expected collected error")
	}
	if flushed != 0 {
		t.Errorf("expected 0 flushed, got %d", flushed)
	}
}

func TestMaintenance_StartRejectsBadSchedule(t *testing.T) {
	store, _, _ := newTieredForTest(t)
	m := NewMaintenance(store, testLogger(), MaintenanceConfig{Schedule: "every ten minutes"})

	err := m.Start()
	if err == nil {
		t.Fatal("expected schedule parse error")
	}
	if !strings.Contains(err.Error(), "invalid maintenance schedule") {
		t.Errorf("unexpected error %v", err)
	}
}

func TestMaintenance_StartStop(t *testing.T) {
	store, _, _ := newTieredForTest(t)
	m := NewMaintenance(store, testLogger(), MaintenanceConfig{Schedule: "@every 1h"})

	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	m.Stop()
}

func TestMaintenance_StopWithoutStart(t *testing.T) {
	store, _, _ := newTieredForTest(t)
	m := NewMaintenance(store, testLogger(), MaintenanceConfig{})
	m.Stop()
}

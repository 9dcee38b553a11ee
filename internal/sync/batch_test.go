package sync

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mwhitfield/calsyncd/internal/provider"
	"github.com/mwhitfield/calsyncd/internal/store"
)

func TestChunkRespectsCap(t *testing.T) {
	tests := []struct {
		name    string
		ids     int
		cap     int
		batches int
	}{
		{"25 users cap 10", 25, 10, 3},
		{"20 users cap 20", 20, 20, 1},
		{"21 users cap 20", 21, 20, 2},
		{"1 user cap 10", 1, 10, 1},
		{"0 users", 0, 10, 0},
		{"cap 1", 3, 1, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ids := make([]string, tt.ids)
			for i := range ids {
				ids[i] = "conn"
			}

			groups := chunk(ids, tt.cap)
			if len(groups) != tt.batches {
				t.Errorf("expected %d batches, got %d", tt.batches, len(groups))
			}
			for _, g := range groups {
				if len(g) > tt.cap {
					t.Errorf("batch of %d exceeds cap %d", len(g), tt.cap)
				}
			}
		})
	}
}

func TestBatchSyncGroupsByProviderCap(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "calsyncd-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	db, err := store.New(filepath.Join(tempDir, "test.db"))
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	defer db.Close()

	user, err := db.GetOrCreateUser("admin@example.com", "Admin")
	if err != nil {
		t.Fatalf("failed to create user: %v", err)
	}

	// 25 connections against a provider with a batch cap of 10 must issue
	// exactly ceil(25/10) = 3 batches.
	var ids []string
	for i := 0; i < 25; i++ {
		conn := &store.Connection{
			UserID:      user.ID,
			Name:        "Connection",
			Provider:    store.ProviderMicrosoft,
			CalendarIDs: []string{"cal-1"},
			Enabled:     true,
		}
		if err := db.CreateConnection(conn); err != nil {
			t.Fatalf("failed to create connection: %v", err)
		}
		ids = append(ids, conn.ID)
	}

	client := &fakeClient{name: "microsoft", batchCap: 10}
	client.events = []provider.RemoteEvent{remoteEvent("evt-1", "Standup")}
	engine := NewEngine(db, &fakeFactory{client: client}, nil, Options{
		RetryBackoff: time.Millisecond,
	})

	result := engine.BatchSync(context.Background(), ids, ModeFull)
	if result.Batches != 3 {
		t.Errorf("expected 3 batches, got %d", result.Batches)
	}
	if result.Succeeded != 25 {
		t.Errorf("expected 25 succeeded, got %d (errors: %v)", result.Succeeded, result.Errors)
	}
	if result.Failed != 0 {
		t.Errorf("expected 0 failed, got %d", result.Failed)
	}
}

func TestBatchSyncReportsMissingConnections(t *testing.T) {
	engine, _, conn, client, cleanup := setupTestEngine(t)
	defer cleanup()

	client.events = []provider.RemoteEvent{remoteEvent("evt-1", "Standup")}

	result := engine.BatchSync(context.Background(), []string{conn.ID, "missing-id"}, ModeFull)
	if result.Succeeded != 1 {
		t.Errorf("expected 1 succeeded, got %d", result.Succeeded)
	}
	if result.Failed != 1 {
		t.Errorf("expected 1 failed, got %d", result.Failed)
	}
}

func TestSyncAllEnabledSkipsDisabled(t *testing.T) {
	engine, db, conn, client, cleanup := setupTestEngine(t)
	defer cleanup()

	client.events = []provider.RemoteEvent{remoteEvent("evt-1", "Standup")}

	disabled := &store.Connection{
		UserID:      conn.UserID,
		Name:        "Disabled",
		Provider:    store.ProviderMicrosoft,
		CalendarIDs: []string{"cal-2"},
		Enabled:     false,
	}
	if err := db.CreateConnection(disabled); err != nil {
		t.Fatalf("failed to create connection: %v", err)
	}

	result := engine.SyncAllEnabled(context.Background(), ModeAuto)
	if result.Connections != 1 {
		t.Errorf("expected only the enabled connection, got %d", result.Connections)
	}
	if result.Succeeded != 1 {
		t.Errorf("expected 1 succeeded, got %d (errors: %v)", result.Succeeded, result.Errors)
	}
}

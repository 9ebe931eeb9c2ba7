package db_test

import (
	"context"
	"testing"

	"github.com/onnwee/zulip-irc-bridge/db"
	"github.com/onnwee/zulip-irc-bridge/testutil"
)

func TestCursorStoreRoundTrip(t *testing.T) {
	database := testutil.SetupTestDB(t)
	ctx := context.Background()
	store := &db.CursorStore{DB: database, Key: "bridge-bot@example.com"}

	if _, _, found, err := store.LoadCursor(ctx); err != nil || found {
		t.Fatalf("LoadCursor() on empty table found=%v err=%v", found, err)
	}

	if err := store.SaveCursor(ctx, "q-1", 10); err != nil {
		t.Fatalf("SaveCursor() error = %v", err)
	}
	if err := store.SaveCursor(ctx, "q-1", 12); err != nil {
		t.Fatalf("SaveCursor() update error = %v", err)
	}
	queueID, last, found, err := store.LoadCursor(ctx)
	if err != nil || !found || queueID != "q-1" || last != 12 {
		t.Errorf("LoadCursor() = %q, %d, %v, %v", queueID, last, found, err)
	}

	other := &db.CursorStore{DB: database, Key: "other-bot@example.com"}
	if _, _, found, _ := other.LoadCursor(ctx); found {
		t.Error("cursor rows are not keyed by bot")
	}
}

func TestCursorStoreQueueChangeMovesRegisteredAt(t *testing.T) {
	database := testutil.SetupTestDB(t)
	ctx := context.Background()
	store := &db.CursorStore{DB: database, Key: "bridge-bot@example.com"}

	if err := store.SaveCursor(ctx, "q-1", 5); err != nil {
		t.Fatal(err)
	}
	if _, err := database.Exec(`UPDATE relay_cursor SET registered_at = NOW() - INTERVAL '1 hour'`); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveCursor(ctx, "q-1", 6); err != nil {
		t.Fatal(err)
	}
	var stale bool
	if err := database.QueryRow(`SELECT registered_at < NOW() - INTERVAL '30 minutes' FROM relay_cursor`).Scan(&stale); err != nil {
		t.Fatal(err)
	}
	if !stale {
		t.Error("registered_at moved without a queue change")
	}
	if err := store.SaveCursor(ctx, "q-2", -1); err != nil {
		t.Fatal(err)
	}
	if err := database.QueryRow(`SELECT registered_at < NOW() - INTERVAL '30 minutes' FROM relay_cursor`).Scan(&stale); err != nil {
		t.Fatal(err)
	}
	if stale {
		t.Error("registered_at not updated for a new queue")
	}
}

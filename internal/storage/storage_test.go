package storage

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "nested", "journal.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpen_Pragmas(t *testing.T) {
	db := openDB(t)

	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("query journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("journal_mode = %q, want wal", journalMode)
	}

	var fk int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&fk); err != nil {
		t.Fatalf("query foreign_keys: %v", err)
	}
	if fk != 1 {
		t.Errorf("foreign_keys = %d, want 1", fk)
	}
}

func TestOpen_Path(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b", "journal.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()
	if db.Path() != path {
		t.Errorf("Path() = %q, want %q", db.Path(), path)
	}
}

func TestSchema(t *testing.T) {
	db := openDB(t)

	st, err := db.Schema()
	if err != nil {
		t.Fatalf("Schema failed: %v", err)
	}
	if !st.UpToDate() || st.Current != st.Latest || st.Current == 0 {
		t.Errorf("schema = %+v, want up to date at a non-zero version", st)
	}
}

func TestSchema_ReportsPendingScripts(t *testing.T) {
	db, err := openRaw(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("openRaw failed: %v", err)
	}
	defer db.Close()

	st, err := db.Schema()
	if err != nil {
		t.Fatalf("Schema failed: %v", err)
	}
	if st.Current != 0 || st.UpToDate() || len(st.Pending) != st.Latest {
		t.Errorf("schema = %+v, want every script pending", st)
	}
}

func TestWithTx_Rollback(t *testing.T) {
	db := openDB(t)

	testErr := errors.New("test error")
	err := db.WithTx(func(tx *Tx) error {
		if _, err := tx.Exec("INSERT INTO kv_store (key, value) VALUES (?, ?)", "k", "v"); err != nil {
			return err
		}
		return testErr
	})
	if err != testErr {
		t.Errorf("WithTx error = %v, want %v", err, testErr)
	}
	if _, err := db.KVGet("k"); err != ErrNotFound {
		t.Errorf("KVGet after rollback = %v, want ErrNotFound", err)
	}
}

func TestKV(t *testing.T) {
	db := openDB(t)

	if err := db.KVSet("key", "v1", 0); err != nil {
		t.Fatalf("KVSet failed: %v", err)
	}
	_ = db.KVSet("key", "v2", 0)
	if v, err := db.KVGet("key"); err != nil || v != "v2" {
		t.Errorf("KVGet = %q, %v; want v2", v, err)
	}

	if err := db.KVDelete("key"); err != nil {
		t.Fatalf("KVDelete failed: %v", err)
	}
	if err := db.KVDelete("key"); err != ErrNotFound {
		t.Errorf("second KVDelete = %v, want ErrNotFound", err)
	}

	_ = db.KVSet("expired", "v", time.Nanosecond)
	time.Sleep(time.Millisecond)
	if _, err := db.KVGet("expired"); err != ErrNotFound {
		t.Error("expired key should not be found")
	}
}

func TestSaveAndGetRun(t *testing.T) {
	db := openDB(t)

	started := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	rec := &RunRecord{
		ID:             "run-1",
		ConversationID: "conv-1",
		Status:         "completed",
		Prompt:         "add a test",
		Mode:           "agent",
		Response:       "Done",
		FilesTouched:   []string{"a.go", "a_test.go"},
		Approvals:      2,
		StartedAt:      started,
		EndedAt:        started.Add(90 * time.Second),
	}
	if err := db.SaveRun(rec); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}

	got, err := db.GetRun("run-1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.Status != "completed" || got.Response != "Done" || got.Approvals != 2 {
		t.Errorf("GetRun = %+v", got)
	}
	if len(got.FilesTouched) != 2 || got.FilesTouched[1] != "a_test.go" {
		t.Errorf("FilesTouched = %v", got.FilesTouched)
	}
	if !got.StartedAt.Equal(started) {
		t.Errorf("StartedAt = %v, want %v", got.StartedAt, started)
	}
	if got.Duration() != 90*time.Second {
		t.Errorf("Duration = %v", got.Duration())
	}

	conv, err := db.LastConversation()
	if err != nil || conv != "conv-1" {
		t.Errorf("LastConversation = %q, %v", conv, err)
	}

	if _, err := db.GetRun("missing"); err != ErrNotFound {
		t.Errorf("GetRun(missing) = %v, want ErrNotFound", err)
	}
}

func TestSaveRun_RequiresID(t *testing.T) {
	db := openDB(t)
	if err := db.SaveRun(&RunRecord{Status: "error"}); err == nil {
		t.Error("want error for empty id")
	}
}

func TestRecentRuns(t *testing.T) {
	db := openDB(t)

	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	for i, id := range []string{"r1", "r2", "r3"} {
		err := db.SaveRun(&RunRecord{
			ID:        id,
			Status:    "completed",
			StartedAt: base,
			EndedAt:   base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("SaveRun(%s): %v", id, err)
		}
	}

	runs, err := db.RecentRuns(2)
	if err != nil {
		t.Fatalf("RecentRuns failed: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("RecentRuns returned %d runs, want 2", len(runs))
	}
	if runs[0].ID != "r3" || runs[1].ID != "r2" {
		t.Errorf("RecentRuns order wrong: %v, %v", runs[0].ID, runs[1].ID)
	}
	if runs[0].FilesTouched != nil && len(runs[0].FilesTouched) != 0 {
		t.Errorf("FilesTouched = %v, want empty", runs[0].FilesTouched)
	}

	if _, err := db.LastConversation(); err != ErrNotFound {
		t.Errorf("LastConversation without conversations = %v, want ErrNotFound", err)
	}
}

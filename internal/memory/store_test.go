package memory

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"groupchat/internal/domain"

	_ "modernc.org/sqlite"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "sub", "groupchat.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunMigrations_FreshAndIdempotent(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "m.db"))
	require.NoError(t, err)
	defer db.Close()

	v, err := GetSchemaVersion(db)
	require.NoError(t, err)
	assert.Equal(t, 0, v)

	require.NoError(t, RunMigrations(db, testLogger()))
	require.NoError(t, RunMigrations(db, testLogger()))

	v, err = GetSchemaVersion(db)
	require.NoError(t, err)
	assert.Equal(t, schemaVersion, v)

	for _, table := range []string{"documents", "settings", "usage_log"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		assert.NoError(t, err, "table %s", table)
	}
}

func TestSQLiteStore_SaveReplacesCollection(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := map[string]any{
		"s1": domain.Session{ID: "s1", Name: "一", MemberIDs: []string{"a"}},
		"s2": domain.Session{ID: "s2", Name: "二"},
	}
	require.NoError(t, s.Save(ctx, domain.CollectionSessions, first))
	require.NoError(t, s.Save(ctx, domain.CollectionSessions, map[string]any{
		"s2": domain.Session{ID: "s2", Name: "二号", Messages: []domain.Message{{ID: "m1", SenderID: "user", Text: "hi"}}},
	}))
	require.NoError(t, s.Save(ctx, domain.CollectionAgents, map[string]any{
		"a": domain.Agent{ID: "a", Name: "Ada", ProviderID: "p", ModelID: "m"},
	}))

	snap, err := s.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Sessions, 1)
	assert.Equal(t, "二号", snap.Sessions[0].Name)
	require.Len(t, snap.Sessions[0].Messages, 1)
	assert.Equal(t, "hi", snap.Sessions[0].Messages[0].Text)
	require.Len(t, snap.Agents, 1)
	assert.Equal(t, "Ada", snap.Agents[0].Name)
	assert.Empty(t, snap.Providers)
	assert.Nil(t, snap.Settings)
}

func TestSQLiteStore_Settings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveSettings(ctx, domain.Settings{Autoplay: true, BreathingTimeMs: 800}))
	require.NoError(t, s.SaveSettings(ctx, domain.Settings{Concurrency: true, TurnTimeoutSeconds: 60}))

	snap, err := s.LoadAll(ctx)
	require.NoError(t, err)
	require.NotNil(t, snap.Settings)
	assert.Equal(t, domain.Settings{Concurrency: true, TurnTimeoutSeconds: 60}, *snap.Settings)
}

func TestSQLiteStore_SkipsCorruptDocuments(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, domain.CollectionGroups, map[string]any{"g1": domain.Group{ID: "g1", Name: "工作"}}))
	_, err := s.db.Exec(`INSERT INTO documents (collection, id, body) VALUES (?, ?, ?)`, domain.CollectionGroups, "g2", "{not json")
	require.NoError(t, err)

	snap, err := s.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Groups, 1)
	assert.Equal(t, "工作", snap.Groups[0].Name)
}

func TestSQLiteStore_UsageLedger(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	records := []domain.UsageRecord{
		{SessionID: "s1", AgentID: "a", ModelID: "m", Outcome: domain.DecisionSpeak, Input: 100, Output: 20, Cost: 0.5, At: at},
		{SessionID: "s1", AgentID: "a", ModelID: "m", Outcome: domain.DecisionPass, Input: 90, Output: 2, Cost: 0.25, At: at},
		{SessionID: "s2", AgentID: "b", ModelID: "m", Outcome: domain.DecisionSpeak, Input: 10, Output: 10, Cost: 1, At: at},
	}
	for _, r := range records {
		require.NoError(t, s.RecordUsage(ctx, r))
	}

	all, err := s.UsageByAgent(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "b", all[0].AgentID)
	assert.Equal(t, domain.AgentUsage{AgentID: "a", Turns: 2, Passes: 1, Input: 190, Output: 22, Cost: 0.75}, all[1])

	one, err := s.UsageByAgent(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, "a", one[0].AgentID)
}

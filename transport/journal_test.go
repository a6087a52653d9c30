package transport

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJournalLifecycle(t *testing.T) {
	j, err := OpenJournal(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer j.Close()

	state, msgID, err := j.Lookup(42, 1)
	require.NoError(t, err)
	assert.Empty(t, state)
	assert.Empty(t, msgID)

	require.NoError(t, j.Begin(42, 1, "<rem-1@corp.example.com>"))
	state, msgID, err = j.Lookup(42, 1)
	require.NoError(t, err)
	assert.Equal(t, JournalInflight, state)
	assert.Equal(t, "<rem-1@corp.example.com>", msgID)

	require.NoError(t, j.Accept(42, 1))
	state, msgID, err = j.Lookup(42, 1)
	require.NoError(t, err)
	assert.Equal(t, JournalAccepted, state)
	assert.Equal(t, "<rem-1@corp.example.com>", msgID, "accept keeps the journaled message id")

	stats, err := j.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats[JournalAccepted])
	assert.Equal(t, int64(0), stats[JournalInflight])
	assert.Equal(t, int64(0), stats[JournalFailed])

	require.NoError(t, j.Clear(42, 1))
	state, _, err = j.Lookup(42, 1)
	require.NoError(t, err)
	assert.Empty(t, state)
}

func TestJournalFailedAttemptIsRetriable(t *testing.T) {
	j, err := OpenJournal(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer j.Close()

	require.NoError(t, j.Begin(7, 2, "<first@corp.example.com>"))
	require.NoError(t, j.Fail(7, 2))

	state, _, err := j.Lookup(7, 2)
	require.NoError(t, err)
	assert.Equal(t, JournalFailed, state)

	// The retry journals a new handoff with a fresh message id.
	require.NoError(t, j.Begin(7, 2, "<second@corp.example.com>"))
	state, msgID, err := j.Lookup(7, 2)
	require.NoError(t, err)
	assert.Equal(t, JournalInflight, state)
	assert.Equal(t, "<second@corp.example.com>", msgID)
}

func TestJournalSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")

	j, err := OpenJournal(path)
	require.NoError(t, err)
	require.NoError(t, j.Begin(9, 1, "<rem@corp.example.com>"))
	require.NoError(t, j.Accept(9, 1))
	require.NoError(t, j.Close())

	// After a crash and restart the accepted handoff must still be visible,
	// or the reminder would be sent twice.
	j, err = OpenJournal(path)
	require.NoError(t, err)
	defer j.Close()

	state, msgID, err := j.Lookup(9, 1)
	require.NoError(t, err)
	assert.Equal(t, JournalAccepted, state)
	assert.Equal(t, "<rem@corp.example.com>", msgID)
}

func TestJournalPurge(t *testing.T) {
	j, err := OpenJournal(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer j.Close()

	require.NoError(t, j.Begin(1, 1, "<old@corp.example.com>"))
	require.NoError(t, j.Begin(2, 1, "<fresh@corp.example.com>"))

	purged, err := j.PurgeOlderThan(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(0), purged)

	// Backdate one entry past the cutoff.
	_, err = j.db.Exec(`UPDATE send_journal SET updated_at = datetime('now', '-2 hours') WHERE record_id = 1`)
	require.NoError(t, err)

	purged, err = j.PurgeOlderThan(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	state, _, err := j.Lookup(2, 1)
	require.NoError(t, err)
	assert.Equal(t, JournalInflight, state, "fresh entries survive the purge")
}

func TestOpenJournalRejectsEmptyPath(t *testing.T) {
	_, err := OpenJournal("   ")
	assert.Error(t, err)
}

package runbooks

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/deploywatch-rca/internal/models"
	"github.com/miradorstack/deploywatch-rca/internal/repo"
)

const keyErrorRunbook = `# KeyError in request handlers

Applies to Python services raising KeyError while reading request payloads.

## Diagnosis
Check whether a recent deployment renamed a payload field such as user_id.

## Mitigation
Roll back the deployment or add a default for the missing key.
`

const dbRunbook = `## Connection pool exhausted
Database connection refused or timeout errors under load. Increase the pool size.
`

func writeRunbooks(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "key_error.md"), []byte(keyErrorRunbook), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "database-timeouts.md"), []byte(dbRunbook), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600))
	return dir
}

func TestLoadDirSplitsSections(t *testing.T) {
	docs, err := LoadDir(writeRunbooks(t))
	require.NoError(t, err)
	require.Len(t, docs, 4)

	byID := make(map[string]Document)
	for _, d := range docs {
		byID[d.ID] = d
	}
	assert.Equal(t, "KeyError in request handlers", byID["key_error#0"].Title)
	assert.Equal(t, "KeyError in request handlers: Diagnosis", byID["key_error#1"].Title)
	assert.Equal(t, "Database Timeouts: Connection pool exhausted", byID["database-timeouts#0"].Title)
}

func TestLoadDirMissing(t *testing.T) {
	docs, err := LoadDir(filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestTokenizeSplitsCamelCaseAndStripsAccents(t *testing.T) {
	assert.Equal(t, []string{"key", "error", "keyerror", "user", "cafe"}, Tokenize("KeyError: user café"))
}

func TestIndexRanksRelevantSection(t *testing.T) {
	docs, err := LoadDir(writeRunbooks(t))
	require.NoError(t, err)
	idx := NewIndex(docs)

	matches := idx.Search("KeyError: 'user_id' missing key", 3, 0.05)
	require.NotEmpty(t, matches)
	assert.Contains(t, matches[0].Document.ID, "key_error")

	db := idx.Search("connection refused timeout", 1, 0.05)
	require.Len(t, db, 1)
	assert.Equal(t, "database-timeouts#0", db[0].Document.ID)

	assert.Empty(t, idx.Search("zzz qqq", 3, 0.05))
}

type stubRemote struct {
	enabled bool
	results []models.RunbookExcerpt
	err     error
	indexed []string
}

func (s *stubRemote) Enabled() bool { return s.enabled }

func (s *stubRemote) SearchRunbooks(context.Context, string, int) ([]models.RunbookExcerpt, error) {
	return s.results, s.err
}

func (s *stubRemote) IndexRunbook(_ context.Context, doc repo.RunbookDocument) error {
	s.indexed = append(s.indexed, doc.ID)
	return nil
}

func TestMatcherPrefersRemote(t *testing.T) {
	remote := &stubRemote{enabled: true, results: []models.RunbookExcerpt{{ID: "remote-1", Score: 0.9}}}
	m := NewMatcher(nil, NewIndex(nil), remote, 3, 0)

	ev := models.NewErrorEvent("svc", "KeyError: 'user_id'", "", nil, time.Now())
	evidence, err := m.Gather(context.Background(), ev, models.Unattributed())
	require.NoError(t, err)
	require.Len(t, evidence.Runbooks, 1)
	assert.Equal(t, "remote-1", evidence.Runbooks[0].ID)
}

func TestMatcherFallsBackToLocal(t *testing.T) {
	docs, err := LoadDir(writeRunbooks(t))
	require.NoError(t, err)
	remote := &stubRemote{enabled: true, err: errors.New("connection refused")}
	m := NewMatcher(nil, NewIndex(docs), remote, 3, 0.05)

	got, err := m.Match(context.Background(), "KeyError user_id")
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Contains(t, got[0].ID, "key_error")
	assert.LessOrEqual(t, len(got[0].Snippet), repo.SnippetChars+3)
}

func TestMatcherRemoteFailureWithoutLocal(t *testing.T) {
	m := NewMatcher(nil, NewIndex(nil), &stubRemote{enabled: true, err: errors.New("down")}, 3, 0)
	_, err := m.Match(context.Background(), "boom")
	require.Error(t, err)
}

func TestMatcherSync(t *testing.T) {
	docs, err := LoadDir(writeRunbooks(t))
	require.NoError(t, err)
	remote := &stubRemote{enabled: true}
	n, err := NewMatcher(nil, NewIndex(docs), remote, 3, 0).Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Len(t, remote.indexed, 4)
}

func TestQueryUsesStackTail(t *testing.T) {
	ev := models.ErrorEvent{Error: "boom", Stacktrace: "a\nb\nc\nd\ne"}
	assert.Equal(t, "boom c d e", Query(ev))
}

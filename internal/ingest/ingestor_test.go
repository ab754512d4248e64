package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/targetfeed/targetfeed/internal/notify/memory"
	"github.com/targetfeed/targetfeed/internal/staging"
	"github.com/targetfeed/targetfeed/internal/store"
)

type fakeRepo struct {
	mu sync.Mutex

	alreadyIngested bool
	upsertErr       error
	insertErr       error

	upserts     []store.FileUpsert
	insertCalls int
	lastTargets []store.Target
	lastRandoms []store.Random
}

func (f *fakeRepo) UpsertFile(_ context.Context, file store.FileUpsert) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return 0, false, f.upsertErr
	}
	f.upserts = append(f.upserts, file)
	return 1, f.alreadyIngested, nil
}

func (f *fakeRepo) InsertRecords(_ context.Context, _ store.FileUpsert, targets []store.Target, randoms []store.Random) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return 0, f.insertErr
	}
	f.insertCalls++
	f.lastTargets = targets
	f.lastRandoms = randoms
	return 1, nil
}

func newTestArea(t *testing.T) staging.Area {
	t.Helper()
	area := staging.New(filepath.Join(t.TempDir(), "downloads"))
	require.NoError(t, area.EnsureDirs())
	return area
}

func writePending(t *testing.T, area staging.Area, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(area.PendingPath(name), []byte(content), 0o600))
}

func TestRunOnceIngestsAndRelocates(t *testing.T) {
	t.Parallel()

	area := newTestArea(t)
	content := `{
		"targets": [
			{"target_id": "t1", "host": "a.com"},
			{"target_id": "t2", "host": "WWW.A.com"},
			{"target_id": "t3", "host": "b.com"}
		],
		"randoms": [{"name": "r", "id": "1"}]
	}`
	writePending(t, area, "15-03-2024_10-30-00_data.json", content)

	repo := &fakeRepo{}
	publisher := memory.New()
	ing := New(area, repo, publisher, nil, Config{NotifyTopic: "ingested"}, zap.NewNop())

	require.NoError(t, ing.RunOnce(context.Background()))

	require.Len(t, repo.upserts, 1)
	up := repo.upserts[0]
	require.Equal(t, "15-03-2024_10-30-00_data.json", up.Filename)
	require.NotNil(t, up.FetchedAt)
	sum := sha256.Sum256([]byte(content))
	require.Equal(t, hex.EncodeToString(sum[:]), up.SHA256)
	require.EqualValues(t, len(content), up.SizeBytes)

	require.Equal(t, 1, repo.insertCalls)
	require.Len(t, repo.lastTargets, 2)
	require.Len(t, repo.lastRandoms, 1)

	require.NoFileExists(t, area.PendingPath("15-03-2024_10-30-00_data.json"))
	require.FileExists(t, filepath.Join(area.Processed, "15-03-2024_10-30-00_data.json"))

	msgs := publisher.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "ingested", msgs[0].Topic)
}

func TestRunOnceSkipsAlreadyIngestedFile(t *testing.T) {
	t.Parallel()

	area := newTestArea(t)
	writePending(t, area, "2024-03-15_10-30-00_data.json", `{"targets": [{"host": "a.com"}]}`)

	repo := &fakeRepo{alreadyIngested: true}
	ing := New(area, repo, nil, nil, Config{}, zap.NewNop())

	require.NoError(t, ing.RunOnce(context.Background()))

	// Metadata refresh happens, record extraction does not.
	require.Len(t, repo.upserts, 1)
	require.Equal(t, 0, repo.insertCalls)
	require.FileExists(t, filepath.Join(area.Processed, "2024-03-15_10-30-00_data.json"))
}

func TestRunOnceLeavesUnparseableFileInPending(t *testing.T) {
	t.Parallel()

	area := newTestArea(t)
	writePending(t, area, "2024-03-15_10-30-00_data.json", `{broken`)

	repo := &fakeRepo{}
	ing := New(area, repo, nil, nil, Config{}, zap.NewNop())

	require.NoError(t, ing.RunOnce(context.Background()))

	require.Equal(t, 0, repo.insertCalls)
	require.FileExists(t, area.PendingPath("2024-03-15_10-30-00_data.json"))
	require.NoFileExists(t, filepath.Join(area.Processed, "2024-03-15_10-30-00_data.json"))
}

func TestRunOnceQuarantinesFileAfterParseRetryBudget(t *testing.T) {
	t.Parallel()

	area := newTestArea(t)
	writePending(t, area, "2024-03-15_10-30-00_data.json", `{broken`)

	repo := &fakeRepo{}
	ing := New(area, repo, nil, nil, Config{MaxParseRetries: 3}, zap.NewNop())

	for i := 0; i < 2; i++ {
		require.NoError(t, ing.RunOnce(context.Background()))
		require.FileExists(t, area.PendingPath("2024-03-15_10-30-00_data.json"))
	}

	// Third failed attempt exhausts the budget.
	require.NoError(t, ing.RunOnce(context.Background()))
	require.NoFileExists(t, area.PendingPath("2024-03-15_10-30-00_data.json"))
	require.FileExists(t, filepath.Join(area.Failed, "2024-03-15_10-30-00_data.json"))
	require.Equal(t, 0, repo.insertCalls)

	// Quarantined files count as seen, so the fetcher will not refetch them.
	require.True(t, area.Seen("2024-03-15_10-30-00_data.json"))
}

func TestRunOnceLeavesFileInPendingOnInsertError(t *testing.T) {
	t.Parallel()

	area := newTestArea(t)
	writePending(t, area, "2024-03-15_10-30-00_data.json", `{"targets": [{"host": "a.com"}]}`)

	repo := &fakeRepo{insertErr: errors.New("connection reset")}
	ing := New(area, repo, nil, nil, Config{}, zap.NewNop())

	require.NoError(t, ing.RunOnce(context.Background()))
	require.FileExists(t, area.PendingPath("2024-03-15_10-30-00_data.json"))
}

func TestRunOnceRelocatesLatestAliasWithoutIngestion(t *testing.T) {
	t.Parallel()

	area := newTestArea(t)
	writePending(t, area, "last.json", `{"targets": [{"host": "a.com"}]}`)

	repo := &fakeRepo{}
	ing := New(area, repo, nil, nil, Config{}, zap.NewNop())

	require.NoError(t, ing.RunOnce(context.Background()))

	require.Empty(t, repo.upserts)
	require.Equal(t, 0, repo.insertCalls)
	require.FileExists(t, filepath.Join(area.Processed, "last.json"))
}

func TestRunOnceOneFileFailureDoesNotBlockSiblings(t *testing.T) {
	t.Parallel()

	area := newTestArea(t)
	writePending(t, area, "2024-03-15_10-00-00_a.json", `{broken`)
	writePending(t, area, "2024-03-15_11-00-00_b.json", `{"targets": [{"host": "b.com"}]}`)

	repo := &fakeRepo{}
	ing := New(area, repo, nil, nil, Config{}, zap.NewNop())

	require.NoError(t, ing.RunOnce(context.Background()))

	require.FileExists(t, area.PendingPath("2024-03-15_10-00-00_a.json"))
	require.FileExists(t, filepath.Join(area.Processed, "2024-03-15_11-00-00_b.json"))
	require.Equal(t, 1, repo.insertCalls)
}

func TestRunOnceReingestionIsIdempotent(t *testing.T) {
	t.Parallel()

	area := newTestArea(t)
	content := `{"targets": [{"host": "a.com"}]}`
	writePending(t, area, "2024-03-15_10-30-00_data.json", content)

	repo := &fakeRepo{}
	ing := New(area, repo, nil, nil, Config{}, zap.NewNop())
	require.NoError(t, ing.RunOnce(context.Background()))
	require.Equal(t, 1, repo.insertCalls)

	// Re-deliver the identical file; the store now reports it fully ingested.
	writePending(t, area, "2024-03-15_10-30-00_data.json", content)
	repo.alreadyIngested = true
	require.NoError(t, ing.RunOnce(context.Background()))

	require.Equal(t, 1, repo.insertCalls)
	require.Len(t, repo.upserts, 2)
	require.Equal(t, repo.upserts[0].SHA256, repo.upserts[1].SHA256)
}

type fakeArchiver struct {
	mu      sync.Mutex
	objects map[string][]byte
	err     error
}

func (f *fakeArchiver) Upload(_ context.Context, name string, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	if f.objects == nil {
		f.objects = make(map[string][]byte)
	}
	f.objects[name] = append([]byte(nil), data...)
	return "gs://test/" + name, nil
}

func TestRunOnceArchivesProcessedFile(t *testing.T) {
	t.Parallel()

	area := newTestArea(t)
	content := `{"targets": [{"host": "a.com"}]}`
	writePending(t, area, "2024-03-15_10-30-00_data.json", content)

	arch := &fakeArchiver{}
	ing := New(area, &fakeRepo{}, nil, arch, Config{}, zap.NewNop())
	require.NoError(t, ing.RunOnce(context.Background()))

	require.Equal(t, []byte(content), arch.objects["2024-03-15_10-30-00_data.json"])
}

func TestRunOnceArchiveFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	area := newTestArea(t)
	writePending(t, area, "2024-03-15_10-30-00_data.json", `{"targets": [{"host": "a.com"}]}`)

	arch := &fakeArchiver{err: errors.New("bucket gone")}
	ing := New(area, &fakeRepo{}, nil, arch, Config{}, zap.NewNop())
	require.NoError(t, ing.RunOnce(context.Background()))

	// The file still reaches processed; the archive copy is best-effort.
	require.FileExists(t, filepath.Join(area.Processed, "2024-03-15_10-30-00_data.json"))
}

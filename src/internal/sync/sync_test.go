package sync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/kiberchaika/blackbird/src/internal/dataset"
	"gitlab.com/kiberchaika/blackbird/src/internal/index"
	"gitlab.com/kiberchaika/blackbird/src/internal/ops"
	"gitlab.com/kiberchaika/blackbird/src/internal/schema"
	"gitlab.com/kiberchaika/blackbird/src/internal/webdav"
)

// remoteFixture is a dataset directory served over HTTP like a WebDAV mirror
type remoteFixture struct {
	root   string
	server *httptest.Server
	index  *index.Index
}

func (me *remoteFixture) url(t *testing.T) string {
	t.Helper()
	parsed, err := url.Parse(me.server.URL)
	require.NoError(t, err)
	return "webdav://" + parsed.Host
}

func writeSized(t *testing.T, root, name string, size int) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(name))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

// newRemote creates a remote dataset with schema and index on disk and
// serves it over httptest
func newRemote(t *testing.T, files map[string]int) *remoteFixture {
	t.Helper()
	root := t.TempDir()

	s := schema.New(root)
	require.NoError(t, s.Add("instrumental.mp3", "*_instrumental.mp3", false))
	require.NoError(t, s.Add("vocals.mp3", "*_vocals.mp3", false))
	require.NoError(t, s.Add("mir.json", "*.mir.json", false))
	require.NoError(t, s.Save())

	for name, size := range files {
		writeSized(t, root, name, size)
	}

	idx, err := index.Build(s, map[string]string{"Main": root}, nil)
	require.NoError(t, err)
	require.NoError(t, idx.Save(index.Path(root)))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := filepath.Join(root, filepath.FromSlash(r.URL.Path))
		data, err := os.ReadFile(path)
		if err != nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write(data)
	}))
	t.Cleanup(server.Close)

	return &remoteFixture{root: root, server: server, index: idx}
}

func newLocal(t *testing.T) *dataset.Dataset {
	t.Helper()
	ds, err := dataset.Open(t.TempDir())
	require.NoError(t, err)
	return ds
}

func connect(t *testing.T, remote *remoteFixture) *webdav.Client {
	t.Helper()
	client, err := webdav.Connect(remote.url(t), webdav.Options{})
	require.NoError(t, err)
	return client
}

func TestSyncDownloadsAll(t *testing.T) {
	remote := newRemote(t, map[string]int{
		"ArtistA/Album1/01.X_instrumental.mp3": 100,
		"ArtistA/Album1/01.X_vocals.mp3":       200,
		"ArtistB/Album2/02.Y_instrumental.mp3": 300,
	})
	local := newLocal(t)

	stats, err := New(local, connect(t, remote)).Sync(context.Background(), Config{Parallel: 2})
	require.NoError(t, err)

	assert.Equal(t, 3, stats.TotalFiles)
	assert.Equal(t, 3, stats.SyncedFiles)
	assert.Equal(t, 0, stats.FailedFiles)
	assert.Equal(t, int64(600), stats.SyncedSize)

	// every requested file exists locally with the expected byte length
	for sym, want := range map[string]int64{
		"ArtistA/Album1/01.X_instrumental.mp3": 100,
		"ArtistA/Album1/01.X_vocals.mp3":       200,
		"ArtistB/Album2/02.Y_instrumental.mp3": 300,
	} {
		info, err := os.Stat(filepath.Join(local.Root(), filepath.FromSlash(sym)))
		require.NoError(t, err)
		assert.Equal(t, want, info.Size())
	}

	// full success deletes the state file
	latest, err := ops.FindLatest(local.BlackbirdDir(), ops.TypeSync)
	require.NoError(t, err)
	assert.Empty(t, latest)
}

func TestSyncComponentFilter(t *testing.T) {
	remote := newRemote(t, map[string]int{
		"A/B/01.X_instrumental.mp3": 10,
		"A/B/01.X_vocals.mp3":       20,
	})
	local := newLocal(t)

	stats, err := New(local, connect(t, remote)).Sync(context.Background(), Config{
		Components: []string{"vocals.mp3"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalFiles)

	_, err = os.Stat(filepath.Join(local.Root(), "A", "B", "01.X_vocals.mp3"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(local.Root(), "A", "B", "01.X_instrumental.mp3"))
	assert.True(t, os.IsNotExist(err))
}

func TestSyncUnknownComponentSuggestion(t *testing.T) {
	remote := newRemote(t, map[string]int{"A/B/01.X_vocals.mp3": 10})
	local := newLocal(t)

	_, err := New(local, connect(t, remote)).Sync(context.Background(), Config{
		Components: []string{"vocals.mp"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vocals.mp3")
}

func TestSyncArtistGlobFilter(t *testing.T) {
	remote := newRemote(t, map[string]int{
		"Pink Floyd/A/01.X_vocals.mp3":   10,
		"Led Zeppelin/B/02.Y_vocals.mp3": 10,
	})
	local := newLocal(t)

	stats, err := New(local, connect(t, remote)).Sync(context.Background(), Config{
		Artists: []string{"Pink*"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalFiles)
}

func TestSyncMissingComponentFilter(t *testing.T) {
	remote := newRemote(t, map[string]int{
		"A/B/01.X_instrumental.mp3": 10, // has vocals too
		"A/B/01.X_vocals.mp3":       10,
		"A/B/02.Y_instrumental.mp3": 10, // lacks vocals
	})
	local := newLocal(t)

	stats, err := New(local, connect(t, remote)).Sync(context.Background(), Config{
		Components:       []string{"instrumental.mp3"},
		MissingComponent: "vocals.mp3",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalFiles)

	_, err = os.Stat(filepath.Join(local.Root(), "A", "B", "02.Y_instrumental.mp3"))
	assert.NoError(t, err)
}

func TestSyncResumeSizeMismatchRedownloads(t *testing.T) {
	remote := newRemote(t, map[string]int{"A/B/01.X_vocals.mp3": 1024})
	local := newLocal(t)

	// existing file one byte short of the expected size
	writeSized(t, local.Root(), "A/B/01.X_vocals.mp3", 1023)

	stats, err := New(local, connect(t, remote)).Sync(context.Background(), Config{Resume: true})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.DownloadedFiles)
	assert.Equal(t, 0, stats.FailedFiles)

	info, err := os.Stat(filepath.Join(local.Root(), "A", "B", "01.X_vocals.mp3"))
	require.NoError(t, err)
	assert.Equal(t, int64(1024), info.Size())
}

func TestSyncResumeSkipsExisting(t *testing.T) {
	remote := newRemote(t, map[string]int{"A/B/01.X_vocals.mp3": 64})
	local := newLocal(t)
	writeSized(t, local.Root(), "A/B/01.X_vocals.mp3", 64)

	stats, err := New(local, connect(t, remote)).Sync(context.Background(), Config{Resume: true})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.SkippedFiles)
	assert.Equal(t, 0, stats.DownloadedFiles)
}

func TestSyncFailureKeepsStateFile(t *testing.T) {
	remote := newRemote(t, map[string]int{
		"A/B/01.X_vocals.mp3": 10,
		"A/B/02.Y_vocals.mp3": 10,
	})
	// remove one file after the index was built so its download 404s
	require.NoError(t, os.Remove(filepath.Join(remote.root, "A", "B", "02.Y_vocals.mp3")))

	local := newLocal(t)
	stats, err := New(local, connect(t, remote)).Sync(context.Background(), Config{})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.FailedFiles)
	assert.Equal(t, 1, stats.SyncedFiles)

	latest, err := ops.FindLatest(local.BlackbirdDir(), ops.TypeSync)
	require.NoError(t, err)
	require.NotEmpty(t, latest)

	state, err := ops.Load(latest)
	require.NoError(t, err)
	assert.Equal(t, 1, state.FailedCount())
}

func TestResumeUnknownHashFails(t *testing.T) {
	local := newLocal(t)

	state, err := ops.Create(local.BlackbirdDir(), ops.TypeSync, "webdav://host", "Main", []uint64{12345}, nil)
	require.NoError(t, err)

	remote := newRemote(t, map[string]int{})
	stats, err := New(local, connect(t, remote)).Resume(context.Background(), state.Path(), 1, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.FailedFiles)

	loaded, err := ops.Load(state.Path())
	require.NoError(t, err)
	assert.Equal(t, "failed: not in index", loaded.Files[12345])
}

func TestCloneInitializesDataset(t *testing.T) {
	remote := newRemote(t, map[string]int{
		"A/B/01.X_instrumental.mp3": 10,
		"A/B/01.X_vocals.mp3":       20,
	})

	dest := filepath.Join(t.TempDir(), "cloned")
	stats, err := Clone(context.Background(), connect(t, remote), dest, Config{})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.SyncedFiles)

	require.FileExists(t, filepath.Join(dest, ".blackbird", "schema.json"))
	require.FileExists(t, filepath.Join(dest, ".blackbird", "index.gob"))
	require.FileExists(t, filepath.Join(dest, "A", "B", "01.X_vocals.mp3"))

	s, err := schema.Load(dest)
	require.NoError(t, err)
	assert.Len(t, s.Components, 3)
}

func TestSyncProportion(t *testing.T) {
	remote := newRemote(t, map[string]int{
		"ArtistA/X/01.A_vocals.mp3": 10,
		"ArtistB/X/01.B_vocals.mp3": 10,
		"ArtistC/X/01.C_vocals.mp3": 10,
		"ArtistD/X/01.D_vocals.mp3": 10,
	})
	local := newLocal(t)

	stats, err := New(local, connect(t, remote)).Sync(context.Background(), Config{
		Proportion: 0.5,
		Offset:     1,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalFiles)

	// artists are sorted, so offset 1 with half of four artists selects B and C
	_, err = os.Stat(filepath.Join(local.Root(), "ArtistB", "X", "01.B_vocals.mp3"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(local.Root(), "ArtistC", "X", "01.C_vocals.mp3"))
	assert.NoError(t, err)
}

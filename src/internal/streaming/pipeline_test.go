package streaming

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/kiberchaika/blackbird/src/internal/index"
	"gitlab.com/kiberchaika/blackbird/src/internal/schema"
)

// remoteFixture serves a dataset over HTTP and records uploads
type remoteFixture struct {
	root     string
	server   *httptest.Server
	mut      sync.Mutex
	uploaded map[string][]byte
}

func (me *remoteFixture) url(t *testing.T) string {
	t.Helper()
	parsed, err := url.Parse(me.server.URL)
	require.NoError(t, err)
	return "webdav://" + parsed.Host
}

func (me *remoteFixture) uploads() map[string][]byte {
	me.mut.Lock()
	defer me.mut.Unlock()
	out := make(map[string][]byte, len(me.uploaded))
	for k, v := range me.uploaded {
		out[k] = v
	}
	return out
}

func writeSized(t *testing.T, root, name string, size int) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(name))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
}

func newRemote(t *testing.T, files map[string]int) *remoteFixture {
	t.Helper()
	root := t.TempDir()

	s := schema.New(root)
	require.NoError(t, s.Add("vocals.mp3", "*_vocals.mp3", false))
	require.NoError(t, s.Add("instrumental.mp3", "*_instrumental.mp3", false))
	require.NoError(t, s.Save())

	for name, size := range files {
		writeSized(t, root, name, size)
	}

	idx, err := index.Build(s, map[string]string{"Main": root}, nil)
	require.NoError(t, err)
	require.NoError(t, idx.Save(index.Path(root)))

	fixture := &remoteFixture{root: root, uploaded: make(map[string][]byte)}
	fixture.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPut:
			body, _ := io.ReadAll(r.Body)
			fixture.mut.Lock()
			fixture.uploaded[r.URL.Path] = body
			fixture.mut.Unlock()
			w.WriteHeader(http.StatusCreated)
		default:
			path := filepath.Join(root, filepath.FromSlash(r.URL.Path))
			data, err := os.ReadFile(path)
			if err != nil {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Write(data)
		}
	}))
	t.Cleanup(fixture.server.Close)
	return fixture
}

func TestPipelineFullPass(t *testing.T) {
	remote := newRemote(t, map[string]int{
		"ArtistA/Album1/01.X_vocals.mp3": 100,
		"ArtistA/Album1/02.Y_vocals.mp3": 150,
		"ArtistB/Album2/03.Z_vocals.mp3": 200,
	})
	workDir := t.TempDir()

	p, err := New(Config{
		URL:             remote.url(t),
		Components:      []string{"vocals.mp3"},
		QueueSize:       2,
		PrefetchWorkers: 2,
		UploadWorkers:   1,
		WorkDir:         workDir,
	})
	require.NoError(t, err)
	require.NoError(t, p.Start())

	sizes := map[string]int64{
		"ArtistA/Album1/01.X_vocals.mp3": 100,
		"ArtistA/Album1/02.Y_vocals.mp3": 150,
		"ArtistB/Album2/03.Z_vocals.mp3": 200,
	}

	var seen []string
	for {
		items := p.Take(2)
		if len(items) == 0 {
			break
		}
		for _, item := range items {
			// every taken item exists locally with the expected size
			info, err := os.Stat(item.LocalPath)
			require.NoError(t, err)
			assert.Equal(t, sizes[item.RemotePath], info.Size())
			seen = append(seen, item.RemotePath)

			result := filepath.Join(workDir, item.Metadata.Track+".result.json")
			require.NoError(t, os.WriteFile(result, []byte(`{"ok":true}`), 0o644))
			require.NoError(t, p.SubmitResult(item, result, item.Metadata.Track+".mir.json"))
		}
	}
	p.Stop(false)

	sort.Strings(seen)
	assert.Equal(t, []string{
		"ArtistA/Album1/01.X_vocals.mp3",
		"ArtistA/Album1/02.Y_vocals.mp3",
		"ArtistB/Album2/03.Z_vocals.mp3",
	}, seen)

	uploads := remote.uploads()
	assert.Contains(t, uploads, "/ArtistA/Album1/01.X.mir.json")
	assert.Contains(t, uploads, "/ArtistA/Album1/02.Y.mir.json")
	assert.Contains(t, uploads, "/ArtistB/Album2/03.Z.mir.json")

	// clean completion removes the state file, sources and results
	_, err = os.Stat(filepath.Join(workDir, StateFilename))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(workDir, "downloads", "ArtistA", "Album1", "01.X_vocals.mp3"))
	assert.True(t, os.IsNotExist(err))

	downloaded, uploaded, _, failedDown, failedUp := p.Stats()
	assert.Equal(t, int64(3), downloaded)
	assert.Equal(t, int64(3), uploaded)
	assert.Equal(t, int64(0), failedDown)
	assert.Equal(t, int64(0), failedUp)
}

func TestPipelineSkip(t *testing.T) {
	remote := newRemote(t, map[string]int{"A/B/01.X_vocals.mp3": 50})
	workDir := t.TempDir()

	p, err := New(Config{URL: remote.url(t), WorkDir: workDir})
	require.NoError(t, err)
	require.NoError(t, p.Start())

	items := p.Take(1)
	require.Len(t, items, 1)
	p.Skip(items[0])
	assert.Empty(t, p.Take(1))
	p.Stop(false)

	assert.Empty(t, remote.uploads())
	_, err = os.Stat(items[0].LocalPath)
	assert.True(t, os.IsNotExist(err))
}

func TestPipelineResumeExcludesProcessed(t *testing.T) {
	remote := newRemote(t, map[string]int{
		"A/B/01.X_vocals.mp3": 10,
		"A/B/02.Y_vocals.mp3": 10,
		"A/B/03.Z_vocals.mp3": 10,
		"A/B/04.W_vocals.mp3": 10,
	})
	workDir := t.TempDir()

	// a previous run processed half of the files
	state := map[string]interface{}{
		"url":             remote.url(t),
		"processed":       []string{"A/B/01.X_vocals.mp3", "A/B/02.Y_vocals.mp3"},
		"pending_uploads": []interface{}{},
	}
	data, err := json.Marshal(state)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(workDir, StateFilename), data, 0o644))

	p, err := New(Config{URL: remote.url(t), WorkDir: workDir})
	require.NoError(t, err)
	require.NoError(t, p.Start())

	var seen []string
	for {
		items := p.Take(4)
		if len(items) == 0 {
			break
		}
		for _, item := range items {
			seen = append(seen, item.RemotePath)
			p.Skip(item)
		}
	}
	p.Stop(false)

	sort.Strings(seen)
	assert.Equal(t, []string{"A/B/03.Z_vocals.mp3", "A/B/04.W_vocals.mp3"}, seen)

	// everything processed now, state file removed
	_, err = os.Stat(filepath.Join(workDir, StateFilename))
	assert.True(t, os.IsNotExist(err))
}

func TestPipelineResumesPendingUploads(t *testing.T) {
	remote := newRemote(t, map[string]int{})
	workDir := t.TempDir()

	// a result file from a previous run that was never uploaded
	result := filepath.Join(workDir, "01.X.mir.json")
	require.NoError(t, os.WriteFile(result, []byte(`{"bpm":100}`), 0o644))

	state := map[string]interface{}{
		"url":       remote.url(t),
		"processed": []string{},
		"pending_uploads": []map[string]string{
			{"local": result, "remote": "A/B/01.X.mir.json"},
		},
	}
	data, err := json.Marshal(state)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(workDir, StateFilename), data, 0o644))

	p, err := New(Config{URL: remote.url(t), WorkDir: workDir})
	require.NoError(t, err)
	require.NoError(t, p.Start())

	assert.Empty(t, p.Take(1))
	p.Stop(false)

	uploads := remote.uploads()
	assert.Contains(t, uploads, "/A/B/01.X.mir.json")
	_, err = os.Stat(result)
	assert.True(t, os.IsNotExist(err), "uploaded result file is deleted")
}

func TestUploadQueue(t *testing.T) {
	q := newUploadQueue()
	q.put(&uploadTask{remoteName: "a"})
	q.put(&uploadTask{remoteName: "b"})

	task, ok := q.get()
	require.True(t, ok)
	assert.Equal(t, "a", task.remoteName)
	q.taskDone()

	task, ok = q.get()
	require.True(t, ok)
	assert.Equal(t, "b", task.remoteName)
	q.taskDone()

	q.join() // returns immediately, nothing outstanding
	q.close()
	_, ok = q.get()
	assert.False(t, ok)
}

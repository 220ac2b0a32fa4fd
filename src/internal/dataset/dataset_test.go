package dataset

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/kiberchaika/blackbird/src/internal/index"
	"gitlab.com/kiberchaika/blackbird/src/internal/schema"
)

func writeFile(t *testing.T, root, name string, size int) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(name))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
}

// newFixture creates a dataset with a schema and a few tracks on disk
func newFixture(t *testing.T) *Dataset {
	t.Helper()
	root := t.TempDir()

	s := schema.New(root)
	require.NoError(t, s.Add("instrumental.mp3", "*_instrumental.mp3", false))
	require.NoError(t, s.Add("vocals.mp3", "*_vocals.mp3", false))
	require.NoError(t, s.Add("mir.json", "*.mir.json", false))
	require.NoError(t, s.Save())

	writeFile(t, root, "ArtistA/Album1/01.X_instrumental.mp3", 10)
	writeFile(t, root, "ArtistA/Album1/01.X_vocals.mp3", 20)
	writeFile(t, root, "ArtistA/Album1/01.X.mir.json", 3)
	writeFile(t, root, "ArtistA/Album1/02.Y_instrumental.mp3", 10)
	writeFile(t, root, "ArtistB/Album2/03.Z_vocals.mp3", 30)

	ds, err := Open(root)
	require.NoError(t, err)
	return ds
}

func TestOpenBuildsAndPersistsIndex(t *testing.T) {
	ds := newFixture(t)
	assert.Len(t, ds.Index.Tracks, 3)
	require.FileExists(t, index.Path(ds.Root()))

	// a second open loads the persisted index
	ds2, err := Open(ds.Root())
	require.NoError(t, err)
	assert.Equal(t, ds.Index.TotalSize, ds2.Index.TotalSize)
}

func TestFindTracks(t *testing.T) {
	ds := newFixture(t)

	matches, err := ds.FindTracks([]string{"instrumental.mp3"}, []string{"vocals.mp3"}, "", "")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	paths := matches["Main/ArtistA/Album1/02.Y"]
	require.Len(t, paths, 1)
	assert.True(t, filepath.IsAbs(paths[0]))
	assert.True(t, strings.HasSuffix(paths[0], "02.Y_instrumental.mp3"))
}

func TestFindTracksContradictoryFilter(t *testing.T) {
	ds := newFixture(t)
	matches, err := ds.FindTracks([]string{"vocals.mp3"}, []string{"vocals.mp3"}, "", "")
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestFindTracksUnknownComponent(t *testing.T) {
	ds := newFixture(t)
	_, err := ds.FindTracks([]string{"nope"}, nil, "", "")
	assert.Error(t, err)
}

func TestFindTracksArtistFilter(t *testing.T) {
	ds := newFixture(t)
	matches, err := ds.FindTracks(nil, nil, "ArtistB", "")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	_, exists := matches["Main/ArtistB/Album2/03.Z"]
	assert.True(t, exists)
}

func TestAnalyze(t *testing.T) {
	ds := newFixture(t)
	a := ds.Analyze()

	assert.Equal(t, int64(73), a.TotalSize)
	assert.Equal(t, []string{"ArtistA", "ArtistB"}, a.Artists)
	assert.Equal(t, 3, a.TotalTracks)
	assert.Equal(t, 1, a.CompleteTracks) // only 01.X has all three components
	assert.Equal(t, 2, a.TracksByArtist["ArtistA"])
	assert.Equal(t, ComponentUsage{Count: 2, Size: 20}, a.Components["instrumental.mp3"])
	assert.Equal(t, ComponentUsage{Count: 2, Size: 50}, a.Components["vocals.mp3"])
}

func TestWriteStatus(t *testing.T) {
	ds := newFixture(t)
	var sb strings.Builder
	ds.WriteStatus(&sb)
	out := sb.String()
	assert.Contains(t, out, "Main")
	assert.Contains(t, out, "3 tracks")
}

func TestRelevantChange(t *testing.T) {
	sep := string(filepath.Separator)
	assert.True(t, relevantChange(filepath.Join("data", "Artist", "Album", "01_vocals.mp3")))
	assert.False(t, relevantChange(filepath.Join("data", ".blackbird", "index.gob")))
	assert.False(t, relevantChange("data"+sep+".blackbird"))
	assert.False(t, relevantChange(filepath.Join("data", "A", ".DS_Store")))
	assert.False(t, relevantChange(filepath.Join("data", "A", "x.tmp")))
}

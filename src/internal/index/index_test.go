package index

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/kiberchaika/blackbird/src/internal/schema"
)

func writeFile(t *testing.T, root, name string, size int) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(name))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
}

func testSchema(t *testing.T) *schema.Schema {
	t.Helper()
	s := schema.New(t.TempDir())
	require.NoError(t, s.Add("instrumental.mp3", "*_instrumental.mp3", false))
	require.NoError(t, s.Add("instrumental.wav", "*_instrumental.wav", false))
	require.NoError(t, s.Add("vocals.mp3", "*_vocals.mp3", false))
	require.NoError(t, s.Add("mir.json", "*.mir.json", false))
	return s
}

func TestBuildCDIndexing(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "ArtistX/AlbumY/CD1/01.T_instrumental.mp3", 10)

	idx, err := Build(testSchema(t), map[string]string{"Main": root}, nil)
	require.NoError(t, err)

	require.Len(t, idx.Tracks, 1)
	track := idx.Tracks["Main/ArtistX/AlbumY/CD1/01.T"]
	require.NotNil(t, track)
	assert.Equal(t, "CD1", track.CDNumber)
	assert.Equal(t, "Main/ArtistX/AlbumY", track.AlbumPath)
	assert.Equal(t, "01.T", track.BaseName)
	assert.Equal(t, "Main/ArtistX/AlbumY/CD1/01.T_instrumental.mp3", track.Files["instrumental.mp3"])
}

func TestBuildMultiLocationTotals(t *testing.T) {
	main := t.TempDir()
	loc2 := t.TempDir()
	writeFile(t, main, "A1/B1/01.X_instrumental.wav", 1000)
	writeFile(t, loc2, "A2/B2/02.Y_instrumental.wav", 1500)

	idx, err := Build(testSchema(t), map[string]string{"Main": main, "Loc2": loc2}, nil)
	require.NoError(t, err)

	assert.Len(t, idx.Tracks, 2)
	assert.Equal(t, int64(2500), idx.TotalSize)
	assert.Equal(t, int64(1000), idx.StatsByLocation["Main"].TotalSize)
	assert.Equal(t, int64(1500), idx.StatsByLocation["Loc2"].TotalSize)
	assert.Equal(t, 1, idx.StatsByLocation["Main"].TrackCount)
	assert.Equal(t, 1, idx.StatsByLocation["Loc2"].ArtistCount)
}

func TestBuildFileSizesMatchDisk(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "A/B/01.X_instrumental.mp3", 123)
	writeFile(t, root, "A/B/01.X_vocals.mp3", 456)
	writeFile(t, root, "A/B/01.X.mir.json", 7)

	locs := map[string]string{"Main": root}
	idx, err := Build(testSchema(t), locs, nil)
	require.NoError(t, err)

	for _, track := range idx.Tracks {
		for comp, sym := range track.Files {
			size, exists := track.FileSizes[sym]
			require.True(t, exists, "size missing for %s (%s)", sym, comp)

			abs := filepath.Join(root, filepath.FromSlash(sym[len("Main/"):]))
			info, err := os.Stat(abs)
			require.NoError(t, err)
			assert.Equal(t, info.Size(), size)
		}
	}
}

func TestBuildSkipsUnstructuredAndHidden(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "stray_instrumental.mp3", 5)             // directly under root
	writeFile(t, root, "A/B/C/D/01.X_instrumental.mp3", 5)      // too deep, C is no CD dir
	writeFile(t, root, "A/B/.hidden_instrumental.mp3", 5)       // hidden
	writeFile(t, root, ".blackbird/stash_instrumental.mp3", 5)  // metadata dir
	writeFile(t, root, "A/B/01.X_instrumental.mp3", 5)          // valid

	idx, err := Build(testSchema(t), map[string]string{"Main": root}, nil)
	require.NoError(t, err)
	assert.Len(t, idx.Tracks, 1)
	assert.Equal(t, int64(5), idx.TotalSize)
}

func TestBuildHashLookup(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "A/B/01.X_instrumental.mp3", 42)

	idx, err := Build(testSchema(t), map[string]string{"Main": root}, nil)
	require.NoError(t, err)

	sym := "Main/A/B/01.X_instrumental.mp3"
	fi, ok := idx.FileByHash(Hash(sym))
	require.True(t, ok)
	assert.Equal(t, sym, fi.Path)
	assert.Equal(t, int64(42), fi.Size)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "A/B/01.X_instrumental.mp3", 11)
	writeFile(t, root, "A/B/01.X_vocals.mp3", 22)
	writeFile(t, root, "C/D/CD2/03.Z_instrumental.mp3", 33)

	idx, err := Build(testSchema(t), map[string]string{"Main": root}, nil)
	require.NoError(t, err)

	path := Path(root)
	require.NoError(t, idx.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, idx.Tracks, loaded.Tracks)
	assert.Equal(t, idx.FileInfoByHash, loaded.FileInfoByHash)
	assert.Equal(t, idx.TotalSize, loaded.TotalSize)
	assert.Equal(t, Version, loaded.Version)
}

func TestSaveCreatesBackupAndLoadFallsBack(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "A/B/01.X_instrumental.mp3", 11)

	idx, err := Build(testSchema(t), map[string]string{"Main": root}, nil)
	require.NoError(t, err)

	path := Path(root)
	require.NoError(t, idx.Save(path))
	require.NoError(t, idx.Save(path)) // second save renames the first to .bak

	_, err = os.Stat(path + ".bak")
	require.NoError(t, err)

	// loading falls back to the backup when the primary is gone
	require.NoError(t, os.Remove(path))
	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, idx.TotalSize, loaded.TotalSize)
}

func buildSearchIndex(t *testing.T) *Index {
	t.Helper()
	root := t.TempDir()
	writeFile(t, root, "Pink Floyd/The Wall/01.ABG_instrumental.mp3", 1)
	writeFile(t, root, "Pink Floyd/Animals/01.Dogs_instrumental.mp3", 1)
	writeFile(t, root, "Led Zeppelin/IV/04.STH_instrumental.mp3", 1)

	idx, err := Build(testSchema(t), map[string]string{"Main": root}, nil)
	require.NoError(t, err)
	return idx
}

func TestSearchByArtist(t *testing.T) {
	idx := buildSearchIndex(t)

	assert.Equal(t, []string{"Pink Floyd"}, idx.SearchByArtist("floyd", false, false))
	assert.Empty(t, idx.SearchByArtist("floyd", true, false))
	assert.Equal(t, []string{"Pink Floyd"}, idx.SearchByArtist("Floyd", true, false))

	// fuzzy kicks in only when the substring search is empty
	assert.Equal(t, []string{"Pink Floyd"}, idx.SearchByArtist("Pink Floid", false, true))
	assert.Empty(t, idx.SearchByArtist("Completely Different", false, true))
}

func TestSearchByAlbum(t *testing.T) {
	idx := buildSearchIndex(t)

	assert.Equal(t, []string{"Main/Pink Floyd/The Wall"}, idx.SearchByAlbum("wall", ""))
	assert.Empty(t, idx.SearchByAlbum("wall", "Led Zeppelin"))
	assert.Len(t, idx.SearchByAlbum("", "Pink Floyd"), 2)
}

func TestSearchByTrack(t *testing.T) {
	idx := buildSearchIndex(t)

	tracks := idx.SearchByTrack("dogs", "", "", false)
	require.Len(t, tracks, 1)
	assert.Equal(t, "01.Dogs", tracks[0].BaseName)

	assert.Empty(t, idx.SearchByTrack("dogs", "Led Zeppelin", "", false))
	assert.Empty(t, idx.SearchByTrack("dogs", "", "", true))
	assert.Len(t, idx.SearchByTrack("", "Pink Floyd", "", false), 2)
	assert.Len(t, idx.SearchByTrack("", "", "Main/Pink Floyd/Animals", false), 1)
}

func TestHashDeterminism(t *testing.T) {
	assert.Equal(t, Hash("Main/A/B/x.mp3"), Hash("Main/A/B/x.mp3"))
	assert.NotEqual(t, Hash("Main/A/B/x.mp3"), Hash("Main/A/B/y.mp3"))
}

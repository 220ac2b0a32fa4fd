package index

import (
	"sort"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hbollon/go-edlib"
	l "github.com/sirupsen/logrus"
)

var log *l.Entry = l.WithFields(l.Fields{"srv": "index"})

// Version is the index format version that is persisted with every snapshot.
const Version = "1.0"

// fuzzy search parameters: up to fuzzyLimit matches with a similarity of at
// least fuzzyCutoff are returned when a substring search comes up empty
const (
	fuzzyCutoff = 0.6
	fuzzyLimit  = 5
)

// TrackInfo describes one track: a cluster of component files sharing a base
// name inside an album directory of one location. All paths are symbolic
// ('Location/rel/path').
type TrackInfo struct {
	TrackPath string // Location/Artist/Album[/CDn]/base
	Artist    string
	AlbumPath string // Location/Artist/Album
	CDNumber  string // 'CDn' or empty
	BaseName  string
	Files     map[string]string // component name -> symbolic file path
	FileSizes map[string]int64  // symbolic file path -> size in bytes
}

// FileInfo is the hash-table value of one indexed file.
type FileInfo struct {
	Path string // symbolic path
	Size int64
}

// LocationStats aggregates per-location counters.
type LocationStats struct {
	FileCount   int
	TotalSize   int64
	TrackCount  int
	AlbumCount  int
	ArtistCount int
}

// Index is the in-memory representation of a dataset snapshot: every track
// across all locations, addressable by symbolic paths and by 64-bit file
// hashes.
type Index struct {
	LastUpdated     time.Time
	Tracks          map[string]*TrackInfo      // track path -> info
	TrackByAlbum    map[string]map[string]bool // album path -> set of track paths
	AlbumByArtist   map[string]map[string]bool // artist -> set of album paths
	FileInfoByHash  map[uint64]FileInfo        // Hash(symbolic path) -> file info
	StatsByLocation map[string]LocationStats
	TotalSize       int64
	Version         string
}

// New creates an empty index.
func New() *Index {
	return &Index{
		LastUpdated:     time.Now(),
		Tracks:          make(map[string]*TrackInfo),
		TrackByAlbum:    make(map[string]map[string]bool),
		AlbumByArtist:   make(map[string]map[string]bool),
		FileInfoByHash:  make(map[uint64]FileInfo),
		StatsByLocation: make(map[string]LocationStats),
		Version:         Version,
	}
}

// Hash is the deterministic 64-bit hash of a symbolic path that keys
// FileInfoByHash. It is stable across processes and runs.
func Hash(symbolic string) uint64 {
	return xxhash.Sum64String(symbolic)
}

// FileByHash looks up a file by its symbolic path hash.
func (me *Index) FileByHash(h uint64) (FileInfo, bool) {
	fi, ok := me.FileInfoByHash[h]
	return fi, ok
}

// TrackFiles returns the component -> symbolic path mapping of a track, or
// nil if the track is unknown.
func (me *Index) TrackFiles(trackPath string) map[string]string {
	track, exists := me.Tracks[trackPath]
	if !exists {
		return nil
	}
	return track.Files
}

// SearchByArtist returns artists whose name contains the query. With fuzzy
// enabled and an empty substring result, up to five approximately matching
// names with a similarity of at least 0.6 are returned instead.
func (me *Index) SearchByArtist(query string, caseSensitive, fuzzy bool) []string {
	var matches []string
	for artist := range me.AlbumByArtist {
		if containsFold(artist, query, caseSensitive) {
			matches = append(matches, artist)
		}
	}
	sort.Strings(matches)

	if len(matches) > 0 || !fuzzy {
		return matches
	}

	type scored struct {
		artist string
		score  float32
	}
	var candidates []scored
	for artist := range me.AlbumByArtist {
		a, b := artist, query
		if !caseSensitive {
			a, b = strings.ToLower(a), strings.ToLower(b)
		}
		score, err := edlib.StringsSimilarity(b, a, edlib.Levenshtein)
		if err != nil {
			log.Warnf("similarity computation failed for '%s': %v", artist, err)
			continue
		}
		if score >= fuzzyCutoff {
			candidates = append(candidates, scored{artist: artist, score: score})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].artist < candidates[j].artist
	})
	for i := 0; i < len(candidates) && i < fuzzyLimit; i++ {
		matches = append(matches, candidates[i].artist)
	}
	return matches
}

// SearchByAlbum returns album paths whose album name contains the query,
// optionally restricted to one artist. The result is sorted.
func (me *Index) SearchByAlbum(query string, artist string) []string {
	var albums []string
	collect := func(albumPaths map[string]bool) {
		for albumPath := range albumPaths {
			name := albumPath
			if i := strings.LastIndex(albumPath, "/"); i >= 0 {
				name = albumPath[i+1:]
			}
			if containsFold(name, query, false) {
				albums = append(albums, albumPath)
			}
		}
	}
	if artist != "" {
		if albumPaths, exists := me.AlbumByArtist[artist]; exists {
			collect(albumPaths)
		}
	} else {
		for _, albumPaths := range me.AlbumByArtist {
			collect(albumPaths)
		}
	}
	sort.Strings(albums)
	return albums
}

// SearchByTrack returns tracks whose base name contains the query, with
// optional artist and symbolic album path filters.
func (me *Index) SearchByTrack(query, artist, album string, caseSensitive bool) []*TrackInfo {
	var results []*TrackInfo
	for _, track := range me.Tracks {
		if artist != "" && track.Artist != artist {
			continue
		}
		if album != "" && track.AlbumPath != album {
			continue
		}
		if containsFold(track.BaseName, query, caseSensitive) {
			results = append(results, track)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].TrackPath < results[j].TrackPath })
	return results
}

// containsFold reports whether s contains substr, optionally ignoring case
func containsFold(s, substr string, caseSensitive bool) bool {
	if caseSensitive {
		return strings.Contains(s, substr)
	}
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

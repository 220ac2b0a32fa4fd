package index

import (
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"gitlab.com/kiberchaika/blackbird/src/internal/locations"
	"gitlab.com/kiberchaika/blackbird/src/internal/schema"
)

// reCDDir matches CD sub directory names such as CD1, CD12
var reCDDir = regexp.MustCompile(`^CD\d+$`)

// number of unmatched file samples that are logged after a build
const unmatchedSampleSize = 10

// matchedFile is one file that matched a component pattern during the scan
type matchedFile struct {
	absPath   string
	location  string
	relative  string // slash-separated path relative to the location root
	component string
	baseName  string
	size      int64
}

// trackKey identifies one track instance within one location
type trackKey struct {
	location string
	artist   string
	album    string
	cdNumber string
	baseName string
}

// Build scans every configured location, groups the matched files into
// tracks and returns the populated index. Files that match no component are
// logged (a sample) but not indexed; files outside the Artist/Album[/CDn]
// structure are skipped with a warning.
func Build(s *schema.Schema, locs map[string]string, progress func(fraction float64)) (*Index, error) {
	idx := New()

	matcher, err := s.Matcher()
	if err != nil {
		return nil, err
	}

	var matched []matchedFile
	var unmatched []string
	found := 0
	start := time.Now()

	locNames := make([]string, 0, len(locs))
	for name := range locs {
		locNames = append(locNames, name)
	}
	sort.Strings(locNames)

	for _, locName := range locNames {
		locRoot := locs[locName]
		info, err := os.Stat(locRoot)
		if err != nil || !info.IsDir() {
			log.Warnf("location '%s' path '%s' does not exist or is not a directory, skipping", locName, locRoot)
			continue
		}

		walkErr := filepath.WalkDir(locRoot, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				log.Errorf("cannot access '%s': %v", path, err)
				if d != nil && d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if d.IsDir() {
				if d.Name() == locations.BlackbirdDir {
					return filepath.SkipDir
				}
				return nil
			}
			name := d.Name()
			if strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".tmp") || strings.HasSuffix(name, ".bak") {
				return nil
			}
			found++

			rel, err := filepath.Rel(locRoot, path)
			if err != nil {
				log.Warnf("cannot compute relative path of '%s' in '%s': %v", path, locName, err)
				return nil
			}
			rel = filepath.ToSlash(rel)

			comp, base, ok := matcher.Match(name)
			if !ok {
				unmatched = append(unmatched, locName+"/"+rel)
				return nil
			}
			if base == "" {
				log.Warnf("cannot determine base name for file '%s' in '%s', skipping", name, locName)
				return nil
			}

			fi, err := d.Info()
			if err != nil {
				log.Errorf("cannot stat '%s': %v", path, err)
				return nil
			}

			matched = append(matched, matchedFile{
				absPath:   path,
				location:  locName,
				relative:  rel,
				component: comp,
				baseName:  base,
				size:      fi.Size(),
			})
			return nil
		})
		if walkErr != nil {
			return nil, errors.Wrapf(walkErr, "cannot scan location '%s' ('%s')", locName, locRoot)
		}
	}

	elapsed := time.Since(start)
	log.Infof("scanned %d locations: %d files found, %d matched, %d unmatched (%.1fs)",
		len(locs), found, len(matched), len(unmatched), elapsed.Seconds())
	if len(unmatched) > 0 {
		sort.Strings(unmatched)
		sample := unmatched
		if len(sample) > unmatchedSampleSize {
			sample = sample[:unmatchedSampleSize]
		}
		for _, sym := range sample {
			log.Infof("unmatched: %s", sym)
		}
	}

	// group the matched files into track instances
	groups := make(map[trackKey][]matchedFile)
	locTracks := make(map[string]map[string]bool)
	locAlbums := make(map[string]map[string]bool)
	locArtists := make(map[string]map[string]bool)
	for _, name := range locNames {
		locTracks[name] = make(map[string]bool)
		locAlbums[name] = make(map[string]bool)
		locArtists[name] = make(map[string]bool)
	}

	for _, mf := range matched {
		parts := strings.Split(mf.relative, "/")
		dirs := parts[:len(parts)-1]

		if len(dirs) < 2 {
			log.Warnf("skipping file outside Artist/Album structure: %s/%s", mf.location, mf.relative)
			continue
		}
		key := trackKey{
			location: mf.location,
			artist:   dirs[0],
			album:    dirs[1],
			baseName: mf.baseName,
		}
		expected := 2
		if len(dirs) >= 3 && reCDDir.MatchString(dirs[2]) {
			key.cdNumber = dirs[2]
			expected = 3
		}
		if len(dirs) != expected {
			log.Warnf("skipping file with unexpected directory depth: %s/%s", mf.location, mf.relative)
			continue
		}
		groups[key] = append(groups[key], mf)
	}

	log.Infof("grouped matched files into %d track instances", len(groups))

	// create the track entries
	done := 0
	for key, files := range groups {
		albumPath := key.location + "/" + key.artist + "/" + key.album
		trackPath := albumPath
		if key.cdNumber != "" {
			trackPath += "/" + key.cdNumber
		}
		trackPath += "/" + key.baseName

		track := &TrackInfo{
			TrackPath: trackPath,
			Artist:    key.artist,
			AlbumPath: albumPath,
			CDNumber:  key.cdNumber,
			BaseName:  key.baseName,
			Files:     make(map[string]string),
			FileSizes: make(map[string]int64),
		}
		for _, mf := range files {
			sym := mf.location + "/" + mf.relative
			track.Files[mf.component] = sym
			track.FileSizes[sym] = mf.size

			idx.FileInfoByHash[Hash(sym)] = FileInfo{Path: sym, Size: mf.size}
			idx.TotalSize += mf.size

			stats := idx.StatsByLocation[mf.location]
			stats.FileCount++
			stats.TotalSize += mf.size
			idx.StatsByLocation[mf.location] = stats
		}

		if _, exists := idx.Tracks[trackPath]; exists {
			log.Warnf("duplicate track path '%s', overwriting earlier entry", trackPath)
		}
		idx.Tracks[trackPath] = track
		if idx.TrackByAlbum[albumPath] == nil {
			idx.TrackByAlbum[albumPath] = make(map[string]bool)
		}
		idx.TrackByAlbum[albumPath][trackPath] = true
		if idx.AlbumByArtist[key.artist] == nil {
			idx.AlbumByArtist[key.artist] = make(map[string]bool)
		}
		idx.AlbumByArtist[key.artist][albumPath] = true

		locTracks[key.location][trackPath] = true
		locAlbums[key.location][albumPath] = true
		locArtists[key.location][key.artist] = true

		done++
		if progress != nil {
			progress(float64(done) / float64(len(groups)))
		}
	}

	for _, name := range locNames {
		stats := idx.StatsByLocation[name]
		stats.TrackCount = len(locTracks[name])
		stats.AlbumCount = len(locAlbums[name])
		stats.ArtistCount = len(locArtists[name])
		idx.StatsByLocation[name] = stats
	}

	idx.LastUpdated = time.Now()
	log.Infof("index built: %d tracks, %d artists, %d files, %d bytes total",
		len(idx.Tracks), len(idx.AlbumByArtist), len(idx.FileInfoByHash), idx.TotalSize)
	return idx, nil
}

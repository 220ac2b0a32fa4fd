package dataset

import (
	"fmt"
	"io"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
	l "github.com/sirupsen/logrus"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"gitlab.com/kiberchaika/blackbird/src/internal/index"
	"gitlab.com/kiberchaika/blackbird/src/internal/locations"
	"gitlab.com/kiberchaika/blackbird/src/internal/schema"
)

var log *l.Entry = l.WithFields(l.Fields{"srv": "dataset"})

// Dataset is the main entry point for dataset operations. It owns the
// locations manager, the component schema and the index of the dataset
// rooted at its path.
type Dataset struct {
	root   string
	Locs   *locations.Manager
	Schema *schema.Schema
	Index  *index.Index
}

// Open loads locations, schema and index of the dataset rooted at root. A
// missing index is built from scratch and persisted.
func Open(root string) (*Dataset, error) {
	mgr, err := locations.NewManager(root)
	if err != nil {
		return nil, err
	}
	if _, err := mgr.Load(); err != nil {
		return nil, err
	}

	s, err := schema.Load(mgr.Root())
	if err != nil {
		return nil, err
	}

	ds := &Dataset{root: mgr.Root(), Locs: mgr, Schema: s}

	idx, err := index.Load(index.Path(ds.root))
	if err != nil {
		log.Warnf("cannot load index of '%s': %v - rebuilding", ds.root, err)
		if err := ds.Reindex(); err != nil {
			return nil, err
		}
	} else {
		ds.Index = idx
	}

	return ds, nil
}

// Root returns the absolute dataset root directory.
func (me *Dataset) Root() string { return me.root }

// BlackbirdDir returns the absolute path of the dataset's metadata
// directory.
func (me *Dataset) BlackbirdDir() string {
	return filepath.Join(me.root, locations.BlackbirdDir)
}

// Reindex rebuilds the index across all locations and persists it.
func (me *Dataset) Reindex() error {
	idx, err := index.Build(me.Schema, me.Locs.All(), nil)
	if err != nil {
		return errors.Wrapf(err, "cannot rebuild index of '%s'", me.root)
	}
	if err := idx.Save(index.Path(me.root)); err != nil {
		return err
	}
	me.Index = idx
	return nil
}

// Resolve resolves a symbolic path through the locations manager.
func (me *Dataset) Resolve(symbolic string) (string, error) {
	return locations.Resolve(symbolic, me.Locs.All())
}

// FindTracks returns the tracks whose components include every entry of has
// and none of missing, optionally restricted by artist and symbolic album
// path. The result maps track paths to the resolved absolute paths of all
// component files; unresolvable paths are logged and skipped.
func (me *Dataset) FindTracks(has, missing []string, artist, album string) (map[string][]string, error) {
	for _, comp := range append(append([]string{}, has...), missing...) {
		if _, exists := me.Schema.Components[comp]; !exists {
			return nil, fmt.Errorf("unknown component '%s', available: %v", comp, me.Schema.Names())
		}
	}

	matches := make(map[string][]string)
	for _, track := range me.Index.SearchByTrack("", artist, album, false) {
		ok := true
		for _, comp := range has {
			if _, exists := track.Files[comp]; !exists {
				ok = false
				break
			}
		}
		if ok {
			for _, comp := range missing {
				if _, exists := track.Files[comp]; exists {
					ok = false
					break
				}
			}
		}
		if !ok {
			continue
		}

		var paths []string
		for _, sym := range track.Files {
			abs, err := me.Resolve(sym)
			if err != nil {
				log.Errorf("cannot resolve '%s' of track '%s': %v", sym, track.TrackPath, err)
				continue
			}
			paths = append(paths, abs)
		}
		if len(paths) > 0 {
			sort.Strings(paths)
			matches[track.TrackPath] = paths
		}
	}
	return matches, nil
}

// ComponentUsage aggregates file count and size of one component.
type ComponentUsage struct {
	Count int
	Size  int64
}

// Analysis is the result of Analyze.
type Analysis struct {
	TotalSize      int64
	Artists        []string
	Components     map[string]ComponentUsage
	TotalTracks    int
	CompleteTracks int
	TracksByArtist map[string]int
}

// Analyze aggregates component counts and sizes, per-artist track counts and
// the number of complete tracks (tracks carrying every schema component).
func (me *Dataset) Analyze() *Analysis {
	a := &Analysis{
		TotalSize:      me.Index.TotalSize,
		Components:     make(map[string]ComponentUsage),
		TotalTracks:    len(me.Index.Tracks),
		TracksByArtist: make(map[string]int),
	}
	for artist := range me.Index.AlbumByArtist {
		a.Artists = append(a.Artists, artist)
	}
	sort.Strings(a.Artists)

	for _, track := range me.Index.Tracks {
		for comp, sym := range track.Files {
			usage := a.Components[comp]
			usage.Count++
			usage.Size += track.FileSizes[sym]
			a.Components[comp] = usage
		}
		a.TracksByArtist[track.Artist]++
		if len(track.Files) == len(me.Schema.Components) {
			complete := true
			for comp := range me.Schema.Components {
				if _, exists := track.Files[comp]; !exists {
					complete = false
					break
				}
			}
			if complete {
				a.CompleteTracks++
			}
		}
	}
	return a
}

// WriteStatus writes a human readable summary of locations and per-location
// index statistics to w.
func (me *Dataset) WriteStatus(w io.Writer) {
	p := message.NewPrinter(language.English)

	fmt.Fprintf(w, "Dataset: %s\n\nLocations:\n", me.root)
	for _, name := range me.Locs.Names() {
		path, _ := me.Locs.Path(name)
		fmt.Fprintf(w, "    %-12s %s\n", name, path)
		stats := me.Index.StatsByLocation[name]
		p.Fprintf(w, "        %d files, %d tracks, %d albums, %d artists, %d bytes\n",
			stats.FileCount, stats.TrackCount, stats.AlbumCount, stats.ArtistCount, stats.TotalSize)
	}
	p.Fprintf(w, "\nTotal: %d tracks, %d bytes\n", len(me.Index.Tracks), me.Index.TotalSize)
}

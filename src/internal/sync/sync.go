// Package sync implements the parallel, resumable download of dataset files
// from a remote WebDAV mirror into a local location, with per-file state
// tracking.
package sync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/hbollon/go-edlib"
	l "github.com/sirupsen/logrus"

	"gitlab.com/kiberchaika/blackbird/src/internal/dataset"
	"gitlab.com/kiberchaika/blackbird/src/internal/index"
	"gitlab.com/kiberchaika/blackbird/src/internal/locations"
	"gitlab.com/kiberchaika/blackbird/src/internal/ops"
	"gitlab.com/kiberchaika/blackbird/src/internal/schema"
	"gitlab.com/kiberchaika/blackbird/src/internal/webdav"
)

var log *l.Entry = l.WithFields(l.Fields{"srv": "sync"})

// Config controls one sync run.
type Config struct {
	Components       []string // component names to sync; empty means all
	Artists          []string // artist name glob patterns
	Albums           []string // album names (exact, case-insensitive)
	MissingComponent string   // only tracks lacking this component
	Proportion       float64  // 0 < p <= 1: sync only this share of the artists
	Offset           int      // artist offset for proportion-based syncing
	Resume           bool     // skip files that already exist with the right size
	Parallel         int      // number of download workers
	TargetLocation   string   // local location to sync into
	EnableProfiling  bool

	// OnStart, if set, is called once the file set is known
	OnStart func(files int, bytes int64)
	// OnFile, if set, is called after each file reached a terminal state
	OnFile func(symbolic string, size int64, status string)
}

// Stats summarizes a sync run.
type Stats struct {
	TotalFiles      int
	SyncedFiles     int
	FailedFiles     int
	SkippedFiles    int
	TotalSize       int64
	SyncedSize      int64
	DownloadedFiles int
	DownloadedSize  int64
	Profiling       *Profiling
}

// Failed reports whether any file failed.
func (me *Stats) Failed() bool { return me.FailedFiles > 0 }

// Engine performs sync operations against one remote for one dataset.
type Engine struct {
	ds     *dataset.Dataset
	client *webdav.Client
}

// New creates a sync engine.
func New(ds *dataset.Dataset, client *webdav.Client) *Engine {
	return &Engine{ds: ds, client: client}
}

// syncFile is one remote file scheduled for download
type syncFile struct {
	hash     uint64
	symbolic string // symbolic path in the remote index
	size     int64
}

// suggestComponent returns the closest known component name, or an empty
// string if nothing is similar enough.
func suggestComponent(name string, available []string) string {
	best := ""
	var bestScore float32
	for _, cand := range available {
		score, err := edlib.StringsSimilarity(name, cand, edlib.Levenshtein)
		if err != nil {
			continue
		}
		if score >= 0.6 && score > bestScore {
			best, bestScore = cand, score
		}
	}
	return best
}

// validateComponents resolves the requested component names against the
// remote schema; unknown names produce an error with a suggestion.
func validateComponents(requested []string, remote *schema.Schema) ([]string, error) {
	if len(requested) == 0 {
		names := remote.Names()
		sort.Strings(names)
		return names, nil
	}
	for _, name := range requested {
		if _, exists := remote.Components[name]; !exists {
			if suggestion := suggestComponent(name, remote.Names()); suggestion != "" {
				return nil, fmt.Errorf("component '%s' not found in remote schema, did you mean '%s'?", name, suggestion)
			}
			return nil, fmt.Errorf("component '%s' not found in remote schema, available: %v", name, remote.Names())
		}
	}
	return requested, nil
}

// matchArtist matches an artist name against the configured glob patterns
func matchArtist(artist string, patterns []string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, pattern := range patterns {
		if matched, err := doublestar.Match(pattern, artist); err == nil && matched {
			return true
		}
		if strings.EqualFold(pattern, artist) {
			return true
		}
	}
	return false
}

// matchAlbum matches the album name part of a symbolic album path
func matchAlbum(albumPath string, albums []string) bool {
	if len(albums) == 0 {
		return true
	}
	name := albumPath
	if i := strings.LastIndex(albumPath, "/"); i >= 0 {
		name = albumPath[i+1:]
	}
	for _, album := range albums {
		if strings.EqualFold(album, name) {
			return true
		}
	}
	return false
}

// selectArtists applies the proportion/offset slice to the artists of the
// remote index and returns the selected set, or nil if no proportion is
// configured.
func selectArtists(remote *index.Index, proportion float64, offset int) (map[string]bool, error) {
	if proportion == 0 {
		return nil, nil
	}
	if proportion < 0 || proportion > 1 {
		return nil, fmt.Errorf("proportion %f out of range (0, 1]", proportion)
	}

	artists := make([]string, 0, len(remote.AlbumByArtist))
	for artist := range remote.AlbumByArtist {
		artists = append(artists, artist)
	}
	sort.Strings(artists)

	count := int(float64(len(artists)) * proportion)
	if count < 1 {
		count = 1
	}
	if offset < 0 || offset >= len(artists) {
		return nil, fmt.Errorf("offset %d out of range for %d artists", offset, len(artists))
	}
	end := offset + count
	if end > len(artists) {
		end = len(artists)
	}

	selected := make(map[string]bool, count)
	for _, artist := range artists[offset:end] {
		selected[artist] = true
	}
	return selected, nil
}

// fileSet computes the files to sync from the remote index per the filters
// of cfg.
func fileSet(remote *index.Index, components []string, cfg Config) ([]syncFile, error) {
	selectedArtists, err := selectArtists(remote, cfg.Proportion, cfg.Offset)
	if err != nil {
		return nil, err
	}

	wanted := make(map[string]bool, len(components))
	for _, comp := range components {
		wanted[comp] = true
	}

	seen := make(map[string]bool)
	var files []syncFile
	for _, track := range remote.Tracks {
		if cfg.MissingComponent != "" {
			if _, exists := track.Files[cfg.MissingComponent]; exists {
				continue
			}
		}
		if selectedArtists != nil && !selectedArtists[track.Artist] {
			continue
		}
		if !matchArtist(track.Artist, cfg.Artists) {
			continue
		}
		if !matchAlbum(track.AlbumPath, cfg.Albums) {
			continue
		}
		for comp, sym := range track.Files {
			if !wanted[comp] || seen[sym] {
				continue
			}
			size, exists := track.FileSizes[sym]
			if !exists {
				log.Warnf("file size missing for '%s' in remote index, skipping", sym)
				continue
			}
			seen[sym] = true
			files = append(files, syncFile{hash: index.Hash(sym), symbolic: sym, size: size})
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].symbolic < files[j].symbolic })
	return files, nil
}

// Sync downloads the filtered file set from the remote into the target
// location. Per-file failures are recorded in the operation state and do not
// abort the run; configuration errors abort before any I/O.
func (me *Engine) Sync(ctx context.Context, cfg Config) (*Stats, error) {
	stats := &Stats{}
	if cfg.EnableProfiling {
		stats.Profiling = newProfiling()
	}
	if cfg.Parallel < 1 {
		cfg.Parallel = 1
	}
	if cfg.TargetLocation == "" {
		cfg.TargetLocation = locations.DefaultLocation
	}

	targetRoot, err := me.ds.Locs.Path(cfg.TargetLocation)
	if err != nil {
		return nil, err
	}

	remoteSchema, err := me.client.GetSchema()
	if err != nil {
		return nil, err
	}
	remoteIndex, err := me.client.GetIndex()
	if err != nil {
		return nil, err
	}

	components, err := validateComponents(cfg.Components, remoteSchema)
	if err != nil {
		return nil, err
	}
	if cfg.MissingComponent != "" {
		if _, exists := remoteSchema.Components[cfg.MissingComponent]; !exists {
			return nil, fmt.Errorf("missing-component filter '%s' not found in remote schema", cfg.MissingComponent)
		}
	}

	files, err := fileSet(remoteIndex, components, cfg)
	if err != nil {
		return nil, err
	}
	stats.TotalFiles = len(files)
	for _, f := range files {
		stats.TotalSize += f.size
	}
	if len(files) == 0 {
		log.Info("no files match the sync criteria")
		return stats, nil
	}

	hashes := make([]uint64, len(files))
	for i, f := range files {
		hashes[i] = f.hash
	}
	state, err := ops.Create(
		me.ds.BlackbirdDir(), ops.TypeSync, me.client.URL(), cfg.TargetLocation, hashes, components)
	if err != nil {
		return nil, err
	}

	log.Infof("syncing %d files (%d bytes) to location '%s'", stats.TotalFiles, stats.TotalSize, cfg.TargetLocation)
	if cfg.OnStart != nil {
		cfg.OnStart(stats.TotalFiles, stats.TotalSize)
	}
	me.download(ctx, files, targetRoot, state, cfg, stats)

	if stats.Failed() {
		log.Errorf("%d files failed to sync, state file kept at '%s'", stats.FailedFiles, state.Path())
	} else if err := state.Delete(); err != nil {
		log.Error(err)
	}
	return stats, nil
}

// download runs the worker pool over the file set. The files are split into
// one contiguous chunk per worker; every worker processes its chunk
// sequentially and reports results to the single collecting goroutine.
func (me *Engine) download(ctx context.Context, files []syncFile, targetRoot string, state *ops.State, cfg Config, stats *Stats) {
	chunkSize := (len(files) + cfg.Parallel - 1) / cfg.Parallel

	results := make(chan fileResult)
	for start := 0; start < len(files); start += chunkSize {
		end := start + chunkSize
		if end > len(files) {
			end = len(files)
		}
		chunk := files[start:end]
		go func() {
			for _, f := range chunk {
				if ctx.Err() != nil {
					results <- fileResult{file: f, status: ops.StatusPending}
					continue
				}
				results <- me.processFile(f, targetRoot, state, cfg, stats.Profiling)
			}
		}()
	}

	for i := 0; i < len(files); i++ {
		res := <-results
		switch {
		case res.status == ops.StatusDone && res.downloaded:
			stats.SyncedFiles++
			stats.SyncedSize += res.file.size
			stats.DownloadedFiles++
			stats.DownloadedSize += res.file.size
		case res.status == ops.StatusDone:
			stats.SyncedFiles++
			stats.SkippedFiles++
			stats.SyncedSize += res.file.size
		case ops.IsFailed(res.status):
			stats.FailedFiles++
		default:
			// canceled before processing, stays pending in the state file
			stats.FailedFiles++
		}
		if cfg.OnFile != nil {
			cfg.OnFile(res.file.symbolic, res.file.size, res.status)
		}
	}
}

// fileResult is the terminal state of one processed file
type fileResult struct {
	file       syncFile
	status     string
	downloaded bool
}

// processFile downloads one file (or skips it when resuming) and records the
// terminal state in the operation state file.
func (me *Engine) processFile(f syncFile, targetRoot string, state *ops.State, cfg Config, prof *Profiling) fileResult {
	res := fileResult{file: f}

	_, relative, err := locations.Split(f.symbolic)
	if err != nil {
		res.status = ops.Failed(err.Error())
		me.record(state, f.hash, res.status)
		return res
	}
	localPath := filepath.Join(targetRoot, filepath.FromSlash(relative))

	// resume: an existing file with the expected size counts as done
	if info, err := os.Stat(localPath); err == nil {
		if cfg.Resume && info.Size() == f.size {
			res.status = ops.StatusDone
			me.record(state, f.hash, res.status)
			return res
		}
		log.Warnf("re-downloading existing local file '%s' (local %d, remote %d)", localPath, info.Size(), f.size)
		if err := os.Remove(localPath); err != nil {
			res.status = ops.Failed(err.Error())
			me.record(state, f.hash, res.status)
			return res
		}
	}

	stop := prof.start("download")
	err = me.client.DownloadFile(relative, localPath)
	stop()
	if err != nil {
		res.status = ops.Failed(err.Error())
		me.record(state, f.hash, res.status)
		return res
	}

	info, err := os.Stat(localPath)
	switch {
	case err != nil:
		res.status = ops.Failed(err.Error())
	case info.Size() != f.size:
		log.Errorf("downloaded size mismatch for '%s' (expected %d, got %d)", localPath, f.size, info.Size())
		os.Remove(localPath)
		res.status = ops.Failed("size mismatch")
	default:
		res.status = ops.StatusDone
		res.downloaded = true
	}
	me.record(state, f.hash, res.status)
	return res
}

func (me *Engine) record(state *ops.State, hash uint64, status string) {
	if err := state.Update(hash, status); err != nil {
		log.Error(err)
	}
}

// Resume re-runs the pending and failed files of a previous sync operation.
// Hashes are resolved against the local index; hashes that are no longer in
// the index are marked failed.
func (me *Engine) Resume(ctx context.Context, statePath string, parallel int, onStart func(int, int64), onFile func(string, int64, string)) (*Stats, error) {
	state, err := ops.Load(statePath)
	if err != nil {
		return nil, err
	}
	if state.OperationType != ops.TypeSync {
		return nil, fmt.Errorf("state file '%s' is no sync operation (type '%s')", statePath, state.OperationType)
	}

	targetRoot, err := me.ds.Locs.Path(state.TargetLocation)
	if err != nil {
		return nil, err
	}

	stats := &Stats{TotalFiles: len(state.Files)}
	var files []syncFile
	for _, hash := range state.PendingOrFailed() {
		fi, exists := me.ds.Index.FileByHash(hash)
		if !exists {
			log.Warnf("hash %d from state file not found in local index", hash)
			if err := state.Update(hash, ops.Failed("not in index")); err != nil {
				log.Error(err)
			}
			stats.FailedFiles++
			continue
		}
		files = append(files, syncFile{hash: hash, symbolic: fi.Path, size: fi.Size})
		stats.TotalSize += fi.Size
	}
	stats.SyncedFiles = stats.TotalFiles - len(files) - stats.FailedFiles

	if len(files) == 0 {
		if state.FailedCount() == 0 {
			log.Info("nothing to resume, operation already complete")
			if err := state.Delete(); err != nil {
				log.Error(err)
			}
		}
		return stats, nil
	}

	log.Infof("resuming %d files from '%s'", len(files), statePath)
	if onStart != nil {
		onStart(len(files), stats.TotalSize)
	}
	cfg := Config{
		Resume:         true,
		Parallel:       parallel,
		TargetLocation: state.TargetLocation,
		OnFile:         onFile,
	}
	if cfg.Parallel < 1 {
		cfg.Parallel = 1
	}
	me.download(ctx, files, targetRoot, state, cfg, stats)

	if stats.Failed() || state.FailedCount() > 0 {
		log.Errorf("resume finished with failures, state file kept at '%s'", state.Path())
	} else if err := state.Delete(); err != nil {
		log.Error(err)
	}
	return stats, nil
}

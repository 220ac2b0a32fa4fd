// Package mover relocates indexed files between storage locations, with an
// optional byte budget and folder filters, tracked by a durable operation
// state.
package mover

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	l "github.com/sirupsen/logrus"

	"gitlab.com/kiberchaika/blackbird/src/internal/dataset"
	"gitlab.com/kiberchaika/blackbird/src/internal/locations"
	"gitlab.com/kiberchaika/blackbird/src/internal/ops"
)

var log *l.Entry = l.WithFields(l.Fields{"srv": "mover"})

// Config controls one move operation.
type Config struct {
	SourceLocation  string
	TargetLocation  string
	SizeLimitGB     float64  // 0 disables the byte budget
	SpecificFolders []string // folders relative to the source location root
	DryRun          bool

	// OnFile, if set, is called after each file reached a terminal state
	OnFile func(symbolic string, size int64, status string)
}

// Stats summarizes a move operation.
type Stats struct {
	MovedFiles   int
	FailedFiles  int
	SkippedFiles int // dry run only
	MovedBytes   int64
}

// candidate is one file selected for moving
type candidate struct {
	hash     uint64
	symbolic string
	relative string
	size     int64
}

// collectCandidates picks the files of the source location, filtered by the
// configured folders, sorted by symbolic path.
func collectCandidates(ds *dataset.Dataset, cfg Config) []candidate {
	var folders []string
	for _, folder := range cfg.SpecificFolders {
		folders = append(folders, strings.Trim(folder, "/"))
	}

	var candidates []candidate
	for hash, fi := range ds.Index.FileInfoByHash {
		loc, relative, err := locations.Split(fi.Path)
		if err != nil {
			log.Warnf("skipping file with invalid symbolic path '%s': %v", fi.Path, err)
			continue
		}
		if loc != cfg.SourceLocation {
			continue
		}
		if len(folders) > 0 {
			matched := false
			for _, folder := range folders {
				if relative == folder || strings.HasPrefix(relative, folder+"/") {
					matched = true
					break
				}
			}
			if !matched {
				continue
			}
		}
		candidates = append(candidates, candidate{hash: hash, symbolic: fi.Path, relative: relative, size: fi.Size})
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].symbolic < candidates[j].symbolic })
	return candidates
}

// applyBudget takes the path-ordered prefix of the candidates that fits the
// byte budget: accumulation stops at the first file that would exceed it.
func applyBudget(candidates []candidate, limitGB float64) []candidate {
	if limitGB == 0 {
		return candidates
	}
	budget := int64(limitGB * float64(1<<30))
	var selected []candidate
	var current int64
	for _, c := range candidates {
		if current+c.size > budget {
			break
		}
		selected = append(selected, c)
		current += c.size
	}
	return selected
}

// Move relocates the selected files from the source to the target location.
// The index must be rebuilt by the caller after a successful move. In dry-run
// mode nothing is written; the selection is only reported.
func Move(ds *dataset.Dataset, cfg Config) (*Stats, error) {
	if cfg.SourceLocation == cfg.TargetLocation {
		return nil, fmt.Errorf("source and target location must differ")
	}
	if _, err := ds.Locs.Path(cfg.SourceLocation); err != nil {
		return nil, err
	}
	targetRoot, err := ds.Locs.Path(cfg.TargetLocation)
	if err != nil {
		return nil, err
	}
	if ds.Index == nil || len(ds.Index.FileInfoByHash) == 0 {
		return nil, fmt.Errorf("dataset index is empty, run reindex first")
	}

	stats := &Stats{}

	candidates := collectCandidates(ds, cfg)
	if len(candidates) == 0 {
		log.Warn("no candidate files match the move criteria")
		return stats, nil
	}
	selected := applyBudget(candidates, cfg.SizeLimitGB)
	if len(selected) == 0 {
		log.Warn("no files fit the size budget")
		return stats, nil
	}
	log.Infof("moving %d of %d candidate files from '%s' to '%s'",
		len(selected), len(candidates), cfg.SourceLocation, cfg.TargetLocation)

	if cfg.DryRun {
		for _, c := range selected {
			log.Infof("dry run: would move %s -> %s/%s", c.symbolic, cfg.TargetLocation, c.relative)
			stats.SkippedFiles++
		}
		return stats, nil
	}

	hashes := make([]uint64, len(selected))
	for i, c := range selected {
		hashes[i] = c.hash
	}
	state, err := ops.Create(ds.BlackbirdDir(), ops.TypeMove, cfg.SourceLocation, cfg.TargetLocation, hashes, nil)
	if err != nil {
		return nil, err
	}

	for _, c := range selected {
		status := moveFile(ds, c, targetRoot)
		if err := state.Update(c.hash, status); err != nil {
			log.Error(err)
		}
		if status == ops.StatusDone {
			stats.MovedFiles++
			stats.MovedBytes += c.size
		} else {
			stats.FailedFiles++
		}
		if cfg.OnFile != nil {
			cfg.OnFile(c.symbolic, c.size, status)
		}
	}

	if stats.FailedFiles > 0 {
		log.Errorf("%d files failed to move, state file kept at '%s'", stats.FailedFiles, state.Path())
	} else if err := state.Delete(); err != nil {
		log.Error(err)
	}
	return stats, nil
}

// moveFile relocates one file and returns its terminal status. A missing
// source with the target already present at the expected size counts as done
// (crash recovery).
func moveFile(ds *dataset.Dataset, c candidate, targetRoot string) string {
	source, err := ds.Resolve(c.symbolic)
	if err != nil {
		return ops.Failed(err.Error())
	}
	target := filepath.Join(targetRoot, filepath.FromSlash(c.relative))

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return ops.Failed(err.Error())
	}

	if err := os.Rename(source, target); err != nil {
		if info, statErr := os.Stat(target); statErr == nil && info.Size() == c.size {
			if _, srcErr := os.Stat(source); os.IsNotExist(srcErr) {
				log.Warnf("source of '%s' missing but target present with expected size, assuming an earlier move", c.symbolic)
				return ops.StatusDone
			}
		}
		// a rename across file systems falls back to copy and delete
		if copyErr := copyFile(source, target); copyErr == nil {
			if rmErr := os.Remove(source); rmErr != nil {
				return ops.Failed(rmErr.Error())
			}
			return ops.StatusDone
		}
		return ops.Failed(err.Error())
	}
	return ops.StatusDone
}

// copyFile copies source to target, preserving nothing but the content
func copyFile(source, target string) error {
	data, err := os.ReadFile(source)
	if err != nil {
		return errors.Wrapf(err, "cannot read '%s'", source)
	}
	if err := os.WriteFile(target, data, 0o644); err != nil {
		return errors.Wrapf(err, "cannot write '%s'", target)
	}
	return nil
}

// Resume re-runs the pending and failed files of a previous move operation.
func Resume(ds *dataset.Dataset, statePath string, onFile func(string, int64, string)) (*Stats, error) {
	state, err := ops.Load(statePath)
	if err != nil {
		return nil, err
	}
	if state.OperationType != ops.TypeMove {
		return nil, fmt.Errorf("state file '%s' is no move operation (type '%s')", statePath, state.OperationType)
	}

	targetRoot, err := ds.Locs.Path(state.TargetLocation)
	if err != nil {
		return nil, err
	}

	stats := &Stats{}
	pending := state.PendingOrFailed()
	if len(pending) == 0 {
		log.Info("nothing to resume, operation already complete")
		if state.FailedCount() == 0 {
			if err := state.Delete(); err != nil {
				log.Error(err)
			}
		}
		return stats, nil
	}

	for _, hash := range pending {
		fi, exists := ds.Index.FileByHash(hash)
		if !exists {
			log.Warnf("hash %d from state file not found in current index", hash)
			if err := state.Update(hash, ops.Failed("not in index")); err != nil {
				log.Error(err)
			}
			stats.FailedFiles++
			continue
		}
		_, relative, err := locations.Split(fi.Path)
		if err != nil {
			if err := state.Update(hash, ops.Failed(err.Error())); err != nil {
				log.Error(err)
			}
			stats.FailedFiles++
			continue
		}

		c := candidate{hash: hash, symbolic: fi.Path, relative: relative, size: fi.Size}
		status := moveFile(ds, c, targetRoot)
		if err := state.Update(hash, status); err != nil {
			log.Error(err)
		}
		if status == ops.StatusDone {
			stats.MovedFiles++
			stats.MovedBytes += c.size
		} else {
			stats.FailedFiles++
		}
		if onFile != nil {
			onFile(c.symbolic, c.size, status)
		}
	}

	if stats.FailedFiles > 0 || state.FailedCount() > 0 {
		log.Errorf("resume finished with failures, state file kept at '%s'", state.Path())
	} else if err := state.Delete(); err != nil {
		log.Error(err)
	}
	return stats, nil
}

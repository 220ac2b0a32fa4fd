package ops

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	l "github.com/sirupsen/logrus"
)

var log *l.Entry = l.WithFields(l.Fields{"srv": "ops"})

// operation types
const (
	TypeSync = "sync"
	TypeMove = "move"
)

// per-file statuses; failures carry a reason after the 'failed: ' prefix
const (
	StatusPending = "pending"
	StatusDone    = "done"
	failedPrefix  = "failed: "
)

const filenamePrefix = "operation"

// Failed builds a failure status carrying the given reason.
func Failed(reason string) string { return failedPrefix + reason }

// IsFailed reports whether a status denotes a failure.
func IsFailed(status string) bool { return strings.HasPrefix(status, failedPrefix) }

// State is the durable per-file status log of a sync or move operation. It
// is written before any I/O starts, updated per file and deleted once every
// file is done. JSON hash keys are serialized as decimal strings.
type State struct {
	OperationID    string            `json:"operation_id"`
	OperationType  string            `json:"operation_type"`
	Timestamp      float64           `json:"timestamp"`
	Source         string            `json:"source"`
	TargetLocation string            `json:"target_location"`
	Components     []string          `json:"components,omitempty"`
	Files          map[uint64]string `json:"files"`

	path string
	mut  sync.Mutex
}

// Create writes the initial state file for an operation with every hash set
// to pending and returns the in-memory state.
func Create(blackbirdDir, opType, source, targetLocation string, hashes []uint64, components []string) (*State, error) {
	if opType != TypeSync && opType != TypeMove {
		return nil, fmt.Errorf("unknown operation type '%s'", opType)
	}

	now := time.Now()
	ts := now.Unix()
	path := filepath.Join(blackbirdDir, fmt.Sprintf("%s_%s_%d.json", filenamePrefix, opType, ts))
	for {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			break
		}
		ts++
		path = filepath.Join(blackbirdDir, fmt.Sprintf("%s_%s_%d.json", filenamePrefix, opType, ts))
	}

	state := &State{
		OperationID:    uuid.NewString(),
		OperationType:  opType,
		Timestamp:      float64(now.UnixNano()) / float64(time.Second),
		Source:         source,
		TargetLocation: targetLocation,
		Components:     components,
		Files:          make(map[uint64]string, len(hashes)),
		path:           path,
	}
	for _, h := range hashes {
		state.Files[h] = StatusPending
	}

	if err := os.MkdirAll(blackbirdDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "cannot create directory '%s'", blackbirdDir)
	}
	if err := state.write(); err != nil {
		return nil, err
	}
	log.Infof("created operation state file '%s' (%d files)", state.path, len(hashes))
	return state, nil
}

// Load reads a state file.
func Load(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read operation state file '%s'", path)
	}
	state := &State{path: path}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, errors.Wrapf(err, "malformed operation state file '%s'", path)
	}
	if state.OperationType == "" || state.Files == nil {
		return nil, fmt.Errorf("invalid operation state file '%s': missing required fields", path)
	}
	return state, nil
}

// Path returns the path of the state file.
func (me *State) Path() string { return me.path }

// Update sets the status of one file hash and rewrites the state file. The
// rewrite is serialized; it is not atomic but good enough for a per-file
// checkpoint log.
func (me *State) Update(hash uint64, status string) error {
	me.mut.Lock()
	defer me.mut.Unlock()

	if _, exists := me.Files[hash]; !exists {
		log.Warnf("hash %d not found in state file '%s', skipping update", hash, me.path)
		return nil
	}
	me.Files[hash] = status
	return me.write()
}

// PendingOrFailed returns the hashes that still need work: pending ones and
// failed ones (a failed file re-enters pending on resume).
func (me *State) PendingOrFailed() []uint64 {
	me.mut.Lock()
	defer me.mut.Unlock()

	var hashes []uint64
	for h, status := range me.Files {
		if status == StatusPending || IsFailed(status) {
			hashes = append(hashes, h)
		}
	}
	sort.Slice(hashes, func(i, j int) bool { return hashes[i] < hashes[j] })
	return hashes
}

// FailedCount returns the number of files in a failed state.
func (me *State) FailedCount() int {
	me.mut.Lock()
	defer me.mut.Unlock()

	count := 0
	for _, status := range me.Files {
		if IsFailed(status) {
			count++
		}
	}
	return count
}

// Delete removes the state file.
func (me *State) Delete() error {
	if err := os.Remove(me.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "cannot delete operation state file '%s'", me.path)
	}
	log.Infof("deleted operation state file '%s'", me.path)
	return nil
}

// write must be called with the mutex held (or before the state is shared)
func (me *State) write() error {
	data, err := json.MarshalIndent(me, "", "  ")
	if err != nil {
		return errors.Wrap(err, "cannot marshal operation state")
	}
	if err := os.WriteFile(me.path, data, 0o644); err != nil {
		return errors.Wrapf(err, "cannot write operation state file '%s'", me.path)
	}
	return nil
}

// FindLatest returns the path of the most recently modified state file of
// the given operation type, or an empty string if there is none.
func FindLatest(blackbirdDir, opType string) (string, error) {
	pattern := filepath.Join(blackbirdDir, fmt.Sprintf("%s_%s_*.json", filenamePrefix, opType))
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return "", errors.Wrapf(err, "cannot list state files in '%s'", blackbirdDir)
	}
	var latest string
	var latestMod time.Time
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if latest == "" || info.ModTime().After(latestMod) {
			latest, latestMod = path, info.ModTime()
		}
	}
	return latest, nil
}

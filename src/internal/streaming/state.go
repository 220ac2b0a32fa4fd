package streaming

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// StateFilename is the name of the pipeline state file inside the work
// directory.
const StateFilename = ".pipeline_state.json"

// pendingUpload is one result file that was submitted but not yet uploaded
type pendingUpload struct {
	Local  string `json:"local"`
	Remote string `json:"remote"`
}

// pipelineState is the crash-safe persistent state of a pipeline run:
// every fully processed remote path plus the uploads still in flight.
type pipelineState struct {
	URL            string          `json:"url"`
	Processed      []string        `json:"processed"`
	PendingUploads []pendingUpload `json:"pending_uploads"`

	processedSet map[string]bool
}

func newPipelineState(url string) *pipelineState {
	return &pipelineState{URL: url, processedSet: make(map[string]bool)}
}

func loadPipelineState(path string) (*pipelineState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read pipeline state '%s'", path)
	}
	state := &pipelineState{}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, errors.Wrapf(err, "malformed pipeline state '%s'", path)
	}
	state.processedSet = make(map[string]bool, len(state.Processed))
	for _, remote := range state.Processed {
		state.processedSet[remote] = true
	}
	return state, nil
}

// save must be called with the pipeline's state mutex held
func (me *pipelineState) save(path string) error {
	data, err := json.MarshalIndent(me, "", "  ")
	if err != nil {
		return errors.Wrap(err, "cannot marshal pipeline state")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "cannot write pipeline state '%s'", path)
	}
	return nil
}

func (me *pipelineState) isProcessed(remote string) bool {
	return me.processedSet[remote]
}

func (me *pipelineState) markProcessed(remote string) {
	if me.processedSet[remote] {
		return
	}
	me.processedSet[remote] = true
	me.Processed = append(me.Processed, remote)
}

func (me *pipelineState) addPendingUpload(local, remote string) {
	me.PendingUploads = append(me.PendingUploads, pendingUpload{Local: local, Remote: remote})
}

func (me *pipelineState) removePendingUpload(remote string) {
	kept := me.PendingUploads[:0]
	for _, p := range me.PendingUploads {
		if p.Remote != remote {
			kept = append(kept, p)
		}
	}
	me.PendingUploads = kept
}

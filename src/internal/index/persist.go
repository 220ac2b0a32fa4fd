package index

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"gitlab.com/kiberchaika/blackbird/src/internal/locations"
)

const indexFilename = "index.gob"

// Path returns the absolute path of the persisted index of the dataset
// rooted at root.
func Path(root string) string {
	return filepath.Join(root, locations.BlackbirdDir, indexFilename)
}

// Save writes the index snapshot to path. An existing snapshot is renamed to
// '.bak' first, so a crashed write leaves the previous version recoverable.
func (me *Index) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "cannot create directory for index '%s'", path)
	}

	if _, err := os.Stat(path); err == nil {
		if err := os.Rename(path, path+".bak"); err != nil {
			return errors.Wrapf(err, "cannot back up existing index '%s'", path)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "cannot create index file '%s'", path)
	}
	defer f.Close()

	if err := gob.NewEncoder(f).Encode(me); err != nil {
		return errors.Wrapf(err, "cannot encode index to '%s'", path)
	}
	return nil
}

// Load reads an index snapshot from path. If the primary file is missing,
// the '.bak' sibling is tried.
func Load(path string) (*Index, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		f, err = os.Open(path + ".bak")
		if err == nil {
			log.Warnf("index file '%s' missing, loading backup", path)
		}
	}
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open index file '%s'", path)
	}
	defer f.Close()

	idx := &Index{}
	if err := gob.NewDecoder(f).Decode(idx); err != nil {
		return nil, errors.Wrapf(err, "cannot decode index file '%s'", path)
	}
	if idx.Version != Version {
		return nil, fmt.Errorf("unsupported index version '%s' in '%s' (expected '%s')", idx.Version, path, Version)
	}
	return idx, nil
}

// LoadBytes decodes an index snapshot from raw bytes (e.g. a remote fetch).
func LoadBytes(data []byte) (*Index, error) {
	idx := &Index{}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(idx); err != nil {
		return nil, errors.Wrap(err, "cannot decode index data")
	}
	if idx.Version != Version {
		return nil, fmt.Errorf("unsupported index version '%s' (expected '%s')", idx.Version, Version)
	}
	return idx, nil
}

package sync

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"gitlab.com/kiberchaika/blackbird/src/internal/dataset"
	"gitlab.com/kiberchaika/blackbird/src/internal/locations"
	"gitlab.com/kiberchaika/blackbird/src/internal/webdav"
)

// remote paths of the dataset metadata files, relative to the dataset root
const (
	remoteSchemaFile = locations.BlackbirdDir + "/schema.json"
	remoteIndexFile  = locations.BlackbirdDir + "/index.gob"
)

// Clone initializes a fresh dataset at dest from a remote mirror: it
// downloads the remote schema and index into .blackbird/ and then syncs the
// filtered file set. dest is created if necessary.
func Clone(ctx context.Context, client *webdav.Client, dest string, cfg Config) (*Stats, error) {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, errors.Wrapf(err, "cannot create clone destination '%s'", dest)
	}

	blackbirdDir := filepath.Join(dest, locations.BlackbirdDir)
	if err := os.MkdirAll(blackbirdDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "cannot create metadata directory in '%s'", dest)
	}

	if err := client.DownloadFile(remoteSchemaFile, filepath.Join(blackbirdDir, "schema.json")); err != nil {
		return nil, errors.Wrap(err, "cannot download remote schema")
	}
	if err := client.DownloadFile(remoteIndexFile, filepath.Join(blackbirdDir, "index.gob")); err != nil {
		return nil, errors.Wrap(err, "cannot download remote index")
	}

	ds, err := dataset.Open(dest)
	if err != nil {
		return nil, err
	}

	if cfg.TargetLocation == "" {
		cfg.TargetLocation = locations.DefaultLocation
	}
	cfg.Resume = true

	return New(ds, client).Sync(ctx, cfg)
}

package locations

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	l "github.com/sirupsen/logrus"
)

var log *l.Entry = l.WithFields(l.Fields{"srv": "locations"})

// DefaultLocation is the name of the location that every dataset has. If no
// locations file exists, it points at the dataset root.
const DefaultLocation = "Main"

// names of the blackbird metadata directory and the locations file therein
const (
	BlackbirdDir      = ".blackbird"
	locationsFilename = "locations.json"
)

// Manager maintains the mapping from location names to the absolute storage
// directories of a dataset. The mapping is persisted in
// <root>/.blackbird/locations.json and only written on an explicit Save.
type Manager struct {
	root string            // absolute dataset root
	locs map[string]string // location name -> absolute directory
}

// NewManager creates a locations manager for the dataset rooted at root. root
// must be an existing directory.
func NewManager(root string) (mgr *Manager, err error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot determine absolute path of dataset root '%s'", root)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, errors.Wrapf(err, "dataset root '%s' is not accessible", abs)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("dataset root '%s' is not a directory", abs)
	}

	return &Manager{root: abs, locs: make(map[string]string)}, nil
}

// Root returns the absolute dataset root directory.
func (me *Manager) Root() string { return me.root }

// FilePath returns the absolute path of the locations file.
func (me *Manager) FilePath() string {
	return filepath.Join(me.root, BlackbirdDir, locationsFilename)
}

// Load reads the locations file. A missing or empty file yields the default
// mapping {Main: root} in memory without writing anything. A file that exists
// but does not contain a JSON object of non-empty names to string paths is an
// error. All paths are resolved to absolute, cleaned form.
func (me *Manager) Load() (map[string]string, error) {
	raw := make(map[string]string)

	data, err := os.ReadFile(me.FilePath())
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, errors.Wrapf(err, "invalid format of locations file '%s'", me.FilePath())
		}
	case os.IsNotExist(err):
		// fall through to the default mapping
	default:
		return nil, errors.Wrapf(err, "cannot read locations file '%s'", me.FilePath())
	}

	if len(raw) == 0 {
		log.Infof("locations file not found or empty at '%s': using default location '%s'", me.FilePath(), DefaultLocation)
		raw = map[string]string{DefaultLocation: me.root}
	}

	locs := make(map[string]string, len(raw))
	for name, path := range raw {
		if name == "" {
			return nil, fmt.Errorf("invalid location name in '%s': names must be non-empty", me.FilePath())
		}
		if path == "" {
			return nil, fmt.Errorf("invalid path for location '%s' in '%s': paths must be non-empty", name, me.FilePath())
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, errors.Wrapf(err, "cannot resolve path '%s' of location '%s'", path, name)
		}
		locs[name] = filepath.Clean(abs)
	}

	me.locs = locs
	return me.All(), nil
}

// Save writes the current locations mapping, creating the .blackbird
// directory if necessary. Saving an empty mapping is an error.
func (me *Manager) Save() error {
	if len(me.locs) == 0 {
		return fmt.Errorf("cannot save empty locations mapping for dataset '%s'", me.root)
	}

	if err := os.MkdirAll(filepath.Dir(me.FilePath()), 0o755); err != nil {
		return errors.Wrapf(err, "cannot create metadata directory for '%s'", me.root)
	}

	data, err := json.MarshalIndent(me.locs, "", "  ")
	if err != nil {
		return errors.Wrap(err, "cannot marshal locations")
	}
	if err := os.WriteFile(me.FilePath(), data, 0o644); err != nil {
		return errors.Wrapf(err, "cannot write locations file '%s'", me.FilePath())
	}
	return nil
}

// Add registers a new location in memory. The name must be unique and
// non-empty after trimming, the path must be an existing directory.
func (me *Manager) Add(name, path string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("location name cannot be empty")
	}
	if _, exists := me.locs[name]; exists {
		return fmt.Errorf("location name '%s' already exists", name)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return errors.Wrapf(err, "cannot resolve path '%s'", path)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return errors.Wrapf(err, "path '%s' does not exist", abs)
	}
	if !info.IsDir() {
		return fmt.Errorf("path '%s' is not a directory", abs)
	}

	me.locs[name] = filepath.Clean(abs)
	return nil
}

// Remove deletes a location from the in-memory mapping. The default location
// cannot be removed while it is the only one.
func (me *Manager) Remove(name string) error {
	if _, exists := me.locs[name]; !exists {
		return fmt.Errorf("location '%s' does not exist", name)
	}
	if name == DefaultLocation && len(me.locs) == 1 {
		return fmt.Errorf("cannot remove the default location '%s' when it is the only location", DefaultLocation)
	}
	delete(me.locs, name)
	return nil
}

// Path returns the absolute directory of the named location.
func (me *Manager) Path(name string) (string, error) {
	path, exists := me.locs[name]
	if !exists {
		return "", fmt.Errorf("location '%s' not found, available locations: %v", name, me.Names())
	}
	return path, nil
}

// All returns a copy of the locations mapping.
func (me *Manager) All() map[string]string {
	locs := make(map[string]string, len(me.locs))
	for name, path := range me.locs {
		locs[name] = path
	}
	return locs
}

// Names returns the sorted location names.
func (me *Manager) Names() []string {
	names := make([]string, 0, len(me.locs))
	for name := range me.locs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Split splits a symbolic path of the form 'Location/rel/path' into its
// location name and relative part. The relative part must be non-empty and
// must not end with a slash.
func Split(symbolic string) (location, relative string, err error) {
	if symbolic == "" {
		err = fmt.Errorf("symbolic path must be non-empty")
		return
	}
	i := strings.Index(symbolic, "/")
	if i < 0 {
		err = fmt.Errorf("invalid symbolic path '%s': expected 'LocationName/rest/of/path'", symbolic)
		return
	}
	location, relative = symbolic[:i], symbolic[i+1:]
	if location == "" {
		err = fmt.Errorf("symbolic path '%s' has an empty location name", symbolic)
		return
	}
	if strings.Trim(relative, "/") == "" || strings.HasSuffix(relative, "/") {
		err = fmt.Errorf("symbolic path '%s' has an invalid relative part '%s'", symbolic, relative)
		return
	}
	return
}

// Resolve resolves a symbolic path against the given locations mapping and
// returns the lexically cleaned absolute path. The target does not need to
// exist.
func Resolve(symbolic string, locs map[string]string) (string, error) {
	if len(locs) == 0 {
		return "", fmt.Errorf("cannot resolve '%s': no locations configured", symbolic)
	}
	location, relative, err := Split(symbolic)
	if err != nil {
		return "", err
	}
	base, exists := locs[location]
	if !exists {
		return "", fmt.Errorf("unknown location '%s' in symbolic path '%s'", location, symbolic)
	}
	return filepath.Clean(filepath.Join(base, filepath.FromSlash(relative))), nil
}

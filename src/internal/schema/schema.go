package schema

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/pkg/errors"
	l "github.com/sirupsen/logrus"
	"gitlab.com/go-utilities/file"

	"gitlab.com/kiberchaika/blackbird/src/internal/locations"
)

var log *l.Entry = l.WithFields(l.Fields{"srv": "schema"})

// Version is the schema format version that is written to schema.json.
const Version = "1.0"

const schemaFilename = "schema.json"

// reCDDir matches CD sub directory names such as CD1, CD12
var reCDDir = regexp.MustCompile(`^CD\d+$`)

// Component describes one class of track companion files via a file name
// pattern. The pattern starts with a '*' for the track base name and may
// contain one embedded '*' for numbered variants, in which case Multiple is
// true.
type Component struct {
	Pattern     string `json:"pattern"`
	Multiple    bool   `json:"multiple"`
	Description string `json:"description"`
}

// Schema is the set of component definitions of a dataset. It is persisted
// as <root>/.blackbird/schema.json.
type Schema struct {
	Version    string               `json:"version"`
	Components map[string]Component `json:"components"`

	root string // absolute dataset root (empty for parsed remote schemas)
	path string // absolute path of the schema file
}

// New creates an empty schema for the dataset rooted at root. Nothing is
// written until Save is called.
func New(root string) *Schema {
	return &Schema{
		Version:    Version,
		Components: make(map[string]Component),
		root:       root,
		path:       filepath.Join(root, locations.BlackbirdDir, schemaFilename),
	}
}

// Load reads the schema of the dataset rooted at root. A missing schema file
// yields an empty schema.
func Load(root string) (*Schema, error) {
	s := New(root)

	exists, err := file.Exists(s.path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot access schema file '%s'", s.path)
	}
	if !exists {
		log.Debugf("no schema file at '%s': starting with an empty schema", s.path)
		return s, nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read schema file '%s'", s.path)
	}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, errors.Wrapf(err, "invalid schema file '%s'", s.path)
	}
	if s.Components == nil {
		s.Components = make(map[string]Component)
	}
	return s, nil
}

// LoadFile reads a schema from an explicit file path (e.g. a schema that was
// fetched from a remote server into a work directory).
func LoadFile(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read schema file '%s'", path)
	}
	s := &Schema{path: path}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, errors.Wrapf(err, "invalid schema file '%s'", path)
	}
	if s.Components == nil {
		s.Components = make(map[string]Component)
	}
	return s, nil
}

// Parse decodes a schema from raw JSON (e.g. the body of a remote fetch).
func Parse(data []byte) (*Schema, error) {
	s := &Schema{}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, errors.Wrap(err, "invalid schema data")
	}
	if s.Components == nil {
		s.Components = make(map[string]Component)
	}
	return s, nil
}

// Path returns the absolute path of the schema file.
func (me *Schema) Path() string { return me.path }

// Save writes the schema file, creating the .blackbird directory if needed.
func (me *Schema) Save() error {
	if err := os.MkdirAll(filepath.Dir(me.path), 0o755); err != nil {
		return errors.Wrapf(err, "cannot create metadata directory for schema '%s'", me.path)
	}
	data, err := json.MarshalIndent(me, "", "  ")
	if err != nil {
		return errors.Wrap(err, "cannot marshal schema")
	}
	if err := os.WriteFile(me.path, data, 0o644); err != nil {
		return errors.Wrapf(err, "cannot write schema file '%s'", me.path)
	}
	return nil
}

// Add registers a component. Adding a name that already exists with the same
// pattern just updates the multiple flag; a pattern that is already owned by
// another component is a collision.
func (me *Schema) Add(name, pattern string, multiple bool) error {
	if pattern == "" {
		return fmt.Errorf("component pattern cannot be empty")
	}
	if !strings.HasPrefix(pattern, "*") {
		return fmt.Errorf("component pattern '%s' must start with '*'", pattern)
	}
	for existing, comp := range me.Components {
		if comp.Pattern != pattern {
			continue
		}
		if existing == name {
			comp.Multiple = multiple
			me.Components[name] = comp
			return nil
		}
		return fmt.Errorf("pattern collision with existing component '%s': %s", existing, pattern)
	}
	me.Components[name] = Component{Pattern: pattern, Multiple: multiple}
	return nil
}

// Remove deletes a component definition.
func (me *Schema) Remove(name string) error {
	if _, exists := me.Components[name]; !exists {
		return fmt.Errorf("component '%s' not found in schema", name)
	}
	delete(me.Components, name)
	return nil
}

// Names returns the component names in unspecified order.
func (me *Schema) Names() []string {
	names := make([]string, 0, len(me.Components))
	for name := range me.Components {
		names = append(names, name)
	}
	return names
}

// Validate checks the schema itself: no two components may share a pattern.
func (me *Schema) Validate() error {
	seen := make(map[string]string)
	for name, comp := range me.Components {
		if other, exists := seen[comp.Pattern]; exists {
			return fmt.Errorf("pattern collision between components '%s' and '%s': %s", name, other, comp.Pattern)
		}
		seen[comp.Pattern] = name
	}
	return nil
}

// DirStats summarizes the directory structure found during validation.
type DirStats struct {
	Artists int
	Albums  int
	CDs     int
}

// ValidationResult collects the outcome of a structure or data validation.
type ValidationResult struct {
	Errors   []string
	Warnings []string
	Dir      DirStats

	TotalFiles     int
	MatchedFiles   int
	UnmatchedFiles int
	Matched        map[string]int // component name -> matched file count
}

// Valid reports whether no errors were collected.
func (me *ValidationResult) Valid() bool { return len(me.Errors) == 0 }

func (me *ValidationResult) addError(format string, a ...interface{}) {
	me.Errors = append(me.Errors, fmt.Sprintf(format, a...))
}

func (me *ValidationResult) addWarning(format string, a ...interface{}) {
	me.Warnings = append(me.Warnings, fmt.Sprintf(format, a...))
}

// ValidateTree validates the schema against the directory tree rooted at
// root: pattern collisions, the Artist/Album[/CDn] depth limit, CD directory
// naming, and the at-most-one-file rule for multiple=false components.
func (me *Schema) ValidateTree(root string) (*ValidationResult, error) {
	res := &ValidationResult{Matched: make(map[string]int)}

	if err := me.Validate(); err != nil {
		res.addError("%v", err)
		return res, nil
	}

	matcher, err := me.Matcher()
	if err != nil {
		return nil, err
	}

	// base name -> component name -> files, for the multiple=false check
	trackComponents := make(map[string]map[string][]string)

	err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil || rel == "." {
			return nil
		}
		parts := strings.Split(filepath.ToSlash(rel), "/")

		if d.IsDir() {
			if d.Name() == locations.BlackbirdDir {
				return filepath.SkipDir
			}
			switch len(parts) {
			case 1:
				res.Dir.Artists++
			case 2:
				res.Dir.Albums++
			case 3:
				if !reCDDir.MatchString(d.Name()) {
					res.addError("invalid CD directory name '%s' (must be CD followed by digits): %s", d.Name(), rel)
				}
				res.Dir.CDs++
			default:
				res.addError("path too deep: %s", rel)
			}
			return nil
		}

		if strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		res.TotalFiles++

		comp, base, ok := matcher.Match(d.Name())
		if !ok {
			res.UnmatchedFiles++
			res.addWarning("unmatched file: %s", rel)
			return nil
		}
		res.MatchedFiles++
		res.Matched[comp]++

		key := filepath.ToSlash(filepath.Dir(rel)) + "/" + base
		if trackComponents[key] == nil {
			trackComponents[key] = make(map[string][]string)
		}
		trackComponents[key][comp] = append(trackComponents[key][comp], d.Name())
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "cannot validate directory tree '%s'", root)
	}

	for track, comps := range trackComponents {
		for comp, files := range comps {
			if !me.Components[comp].Multiple && len(files) > 1 {
				res.addError("component '%s' has multiple files for track '%s' but multiple files are not allowed: %s",
					comp, track, strings.Join(files, ", "))
			}
		}
	}

	return res, nil
}

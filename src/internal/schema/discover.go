package schema

import (
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

// reNumbered captures a numbered-section postfix such as '_section12.mp3':
// the part before the digits, the digits, and the extension
var reNumbered = regexp.MustCompile(`^(_.+?)(\d+)(\.[^.]+)$`)

// ComponentStats describes one discovered component.
type ComponentStats struct {
	Pattern       string
	FileCount     int
	UniqueTracks  int
	TrackCoverage float64
	Multiple      bool
}

// DiscoveryStats summarizes a schema discovery run.
type DiscoveryStats struct {
	TotalFiles     int
	BaseNames      int
	UnmatchedFiles int
	Components     map[string]ComponentStats
}

// discoverBaseName derives the track base name of a file heuristically:
// a '.mir.json' suffix is stripped, otherwise the part before the first '_'
// or, lacking one, before the last '.' is taken.
func discoverBaseName(filename string) string {
	if strings.HasSuffix(filename, ".mir.json") {
		return strings.TrimSuffix(filename, ".mir.json")
	}
	if i := strings.Index(filename, "_"); i >= 0 {
		return filename[:i]
	}
	if i := strings.LastIndex(filename, "."); i >= 0 {
		return filename[:i]
	}
	return filename
}

// canonicalPostfix normalizes a postfix: trailing digits before the
// extension mark a numbered section family whose canonical form replaces
// the digits with '*'.
func canonicalPostfix(postfix string) (canonical string, numbered bool) {
	if sub := reNumbered.FindStringSubmatch(postfix); sub != nil {
		return sub[1] + "*" + sub[3], true
	}
	return postfix, false
}

// Discover derives the component schema from the files below the given
// folders (paths relative to the dataset root; nil means the whole dataset).
// The current component set is replaced by the discovered one; Save must be
// called to persist it. Running Discover twice over the same tree yields the
// same components.
func (me *Schema) Discover(folders []string) (*DiscoveryStats, error) {
	if me.root == "" {
		return nil, errors.New("schema has no dataset root, cannot discover")
	}
	if len(folders) == 0 {
		folders = []string{"."}
	}

	stats := &DiscoveryStats{Components: make(map[string]ComponentStats)}

	// postfix -> set of track keys (dir + base), and the files per postfix
	type group struct {
		tracks map[string]bool
		files  int
	}
	groups := make(map[string]*group)
	baseNames := make(map[string]bool)

	for _, folder := range folders {
		start := filepath.Join(me.root, filepath.FromSlash(folder))
		if _, err := os.Stat(start); err != nil {
			log.Warnf("discovery folder '%s' does not exist, skipping", start)
			continue
		}

		err := filepath.WalkDir(start, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if d.Name() == ".blackbird" {
					return filepath.SkipDir
				}
				return nil
			}
			if strings.HasPrefix(d.Name(), ".") {
				return nil
			}
			stats.TotalFiles++

			base := discoverBaseName(d.Name())
			if base == "" {
				stats.UnmatchedFiles++
				return nil
			}
			postfix := d.Name()[len(base):]
			if postfix == "" {
				stats.UnmatchedFiles++
				return nil
			}

			trackKey := filepath.Dir(path) + "\x00" + base
			baseNames[trackKey] = true

			canonical, _ := canonicalPostfix(postfix)
			g := groups[canonical]
			if g == nil {
				g = &group{tracks: make(map[string]bool)}
				groups[canonical] = g
			}
			g.tracks[trackKey] = true
			g.files++
			return nil
		})
		if err != nil {
			return nil, errors.Wrapf(err, "cannot analyze folder '%s'", start)
		}
	}

	// convert the postfix groups into component definitions
	me.Components = make(map[string]Component)
	for postfix, g := range groups {
		var name string
		switch {
		case strings.HasPrefix(postfix, "_"):
			name = postfix[1:]
		case strings.HasPrefix(postfix, "."):
			name = strings.TrimLeft(postfix, ".")
		default:
			name = postfix
		}
		pattern := "*" + postfix
		multiple := strings.Count(pattern, "*") > 1

		me.Components[name] = Component{Pattern: pattern, Multiple: multiple}

		coverage := 0.0
		if len(baseNames) > 0 {
			coverage = float64(len(g.tracks)) / float64(len(baseNames))
		}
		stats.Components[name] = ComponentStats{
			Pattern:       pattern,
			FileCount:     g.files,
			UniqueTracks:  len(g.tracks),
			TrackCoverage: coverage,
			Multiple:      multiple,
		}
	}
	stats.BaseNames = len(baseNames)

	if err := me.Validate(); err != nil {
		return nil, errors.Wrap(err, "discovered schema is inconsistent")
	}

	log.Infof("discovered %d components from %d files (%d base names, %d unmatched)",
		len(me.Components), stats.TotalFiles, stats.BaseNames, stats.UnmatchedFiles)
	return stats, nil
}

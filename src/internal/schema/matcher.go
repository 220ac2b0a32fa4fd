package schema

import (
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// compiled is one component pattern prepared for file name matching
type compiled struct {
	name   string
	suffix string // pattern part after the first '*'
	re     *regexp.Regexp
}

// Matcher matches file names against the component patterns of a schema.
// When several patterns match a name, the one with the longest suffix wins.
type Matcher struct {
	comps    []compiled
	stripRes []*regexp.Regexp // suffix strippers, longest suffix first
}

// patternRegexp converts a file name glob with '*' wildcards into an
// anchored regular expression.
func patternRegexp(pattern string) (*regexp.Regexp, error) {
	quoted := strings.ReplaceAll(regexp.QuoteMeta(pattern), `\*`, `.*`)
	return regexp.Compile("^" + quoted + "$")
}

// Matcher compiles the schema's component patterns. Components are ordered
// by descending suffix length so that the most specific pattern matches
// first (e.g. *.mir.json before *.json).
func (me *Schema) Matcher() (*Matcher, error) {
	m := &Matcher{}
	for name, comp := range me.Components {
		re, err := patternRegexp(comp.Pattern)
		if err != nil {
			return nil, errors.Wrapf(err, "cannot compile pattern '%s' of component '%s'", comp.Pattern, name)
		}
		suffix := comp.Pattern
		if i := strings.Index(comp.Pattern, "*"); i >= 0 {
			suffix = comp.Pattern[i+1:]
		}
		m.comps = append(m.comps, compiled{name: name, suffix: suffix, re: re})
	}
	sort.Slice(m.comps, func(i, j int) bool {
		if len(m.comps[i].suffix) != len(m.comps[j].suffix) {
			return len(m.comps[i].suffix) > len(m.comps[j].suffix)
		}
		return m.comps[i].name < m.comps[j].name
	})

	for _, c := range m.comps {
		if c.suffix == "" {
			continue
		}
		quoted := strings.ReplaceAll(regexp.QuoteMeta(c.suffix), `\*`, `.*`)
		re, err := regexp.Compile("^(.*?)" + quoted + "$")
		if err != nil {
			return nil, errors.Wrapf(err, "cannot compile suffix of component '%s'", c.name)
		}
		m.stripRes = append(m.stripRes, re)
	}
	return m, nil
}

// Match matches a file name against the compiled patterns and returns the
// component name together with the derived track base name.
func (me *Matcher) Match(filename string) (component, base string, ok bool) {
	for _, c := range me.comps {
		if c.re.MatchString(filename) {
			return c.name, me.baseName(filename), true
		}
	}
	return "", "", false
}

// baseName derives the track base name of a matched file: the longest prefix
// that remains after stripping a component suffix. An empty or '_'-only
// remainder moves on to the next-longest suffix; if no suffix strips, the
// file extension is dropped instead. Trailing underscores are trimmed.
func (me *Matcher) baseName(filename string) string {
	base := filename
	stripped := false
	for _, re := range me.stripRes {
		sub := re.FindStringSubmatch(base)
		if sub == nil {
			continue
		}
		if sub[1] == "" || sub[1] == "_" {
			continue
		}
		base = sub[1]
		stripped = true
		break
	}
	if !stripped {
		base = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return strings.TrimRight(base, "_")
}

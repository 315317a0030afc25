// Package rules holds the data-driven extraction tables: provider keyword
// signatures, per-provider and generic regex rules, and the anchor labels used
// by the spatial matcher. Tables ship embedded and can be overridden from a
// directory.
package rules

import (
	"embed"
	"io/fs"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/billrecon/internal/model"
)

//go:embed providers.yaml generic.yaml anchors.yaml
var embedded embed.FS

// PeriodKey is the rule key whose match yields both start and end dates.
const PeriodKey = "billing_period"

// searchWindow bounds how far past an anchor match a value pattern looks.
const searchWindow = 500

// Pattern is one regex rule. A scalar YAML node is shorthand for Value.
type Pattern struct {
	Anchor     string  `yaml:"anchor"`
	Value      string  `yaml:"value"`
	Group      int     `yaml:"group"`
	Confidence float64 `yaml:"confidence"`
	Transform  string  `yaml:"transform"`

	anchorRe *regexp.Regexp
	valueRe  *regexp.Regexp
}

// UnmarshalYAML accepts either a bare regex string or a mapping.
func (p *Pattern) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		p.Value = node.Value
		return nil
	}
	type plain Pattern
	return node.Decode((*plain)(p))
}

// FieldRule is an ordered list of patterns for one field; the first match
// wins. Sum adds the selected group across every match of a pattern.
type FieldRule struct {
	Confidence float64   `yaml:"confidence"`
	Transform  string    `yaml:"transform"`
	Sum        bool      `yaml:"sum"`
	Patterns   []Pattern `yaml:"patterns"`
}

// Provider is one entry of the provider table.
type Provider struct {
	Name       string               `yaml:"name"`
	Keywords   []string             `yaml:"keywords"`
	BillType   string               `yaml:"bill_type"`
	Preprocess string               `yaml:"preprocess"`
	Fields     map[string]FieldRule `yaml:"fields"`
}

// Unknown is the provider variant for bills that match no signature.
var Unknown = Provider{Name: model.UnknownProvider}

// IsUnknown reports whether p is the unknown variant.
func (p Provider) IsUnknown() bool {
	return p.Name == "" || p.Name == model.UnknownProvider
}

// HasRules reports whether p carries a provider-specific rule table.
func (p Provider) HasRules() bool {
	return !p.IsUnknown() && len(p.Fields) > 0
}

// Normalize applies the provider's text preprocess hook, if any.
func (p Provider) Normalize(text string) string {
	if hook, ok := preprocessHooks[p.Preprocess]; ok {
		return hook(text)
	}
	return text
}

// Anchor lists the labels that precede a field and the value shapes
// accepted after them.
type Anchor struct {
	Labels []string `yaml:"labels"`
	Values []string `yaml:"values"`
}

// Set is a compiled collection of all tables.
type Set struct {
	Providers []Provider
	Generic   map[string]FieldRule
	Anchors   map[string]Anchor
}

// Match is a successful rule application.
type Match struct {
	Key        string
	Raw        string
	Groups     []string
	Confidence float64
	Pattern    int
}

// Default loads the embedded tables.
func Default() (*Set, error) {
	return LoadFS(embedded)
}

// Load reads tables from dir, falling back to the embedded copy for any file
// the directory does not provide.
func Load(dir string) (*Set, error) {
	if dir == "" {
		return Default()
	}
	return LoadFS(overlayFS{primary: os.DirFS(dir), fallback: embedded})
}

// LoadFS reads and compiles the three table files from fsys.
func LoadFS(fsys fs.FS) (*Set, error) {
	var providers struct {
		Providers []Provider `yaml:"providers"`
	}
	var generic struct {
		Generic map[string]FieldRule `yaml:"generic"`
	}
	var anchors struct {
		Anchors map[string]Anchor `yaml:"anchors"`
	}

	for name, dst := range map[string]any{
		"providers.yaml": &providers,
		"generic.yaml":   &generic,
		"anchors.yaml":   &anchors,
	} {
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, eris.Wrapf(err, "rules: read %s", name)
		}
		if err := yaml.Unmarshal(data, dst); err != nil {
			return nil, eris.Wrapf(err, "rules: parse %s", name)
		}
	}

	set := &Set{
		Providers: providers.Providers,
		Generic:   generic.Generic,
		Anchors:   anchors.Anchors,
	}
	if err := set.compile(); err != nil {
		return nil, err
	}
	return set, nil
}

// Provider returns the named provider, or Unknown.
func (s *Set) Provider(name string) Provider {
	for _, p := range s.Providers {
		if p.Name == name {
			return p
		}
	}
	return Unknown
}

func (s *Set) compile() error {
	seen := make(map[string]bool)
	for i := range s.Providers {
		p := &s.Providers[i]
		if p.Name == "" || p.IsUnknown() {
			return eris.Errorf("rules: provider %d has no usable name", i)
		}
		if seen[p.Name] {
			return eris.Errorf("rules: duplicate provider %q", p.Name)
		}
		seen[p.Name] = true
		if p.Preprocess != "" {
			if _, ok := preprocessHooks[p.Preprocess]; !ok {
				return eris.Errorf("rules: provider %q names unknown preprocess hook %q", p.Name, p.Preprocess)
			}
		}
		if err := compileFields(p.Name, p.Fields); err != nil {
			return err
		}
	}
	if err := compileFields("generic", s.Generic); err != nil {
		return err
	}
	for key := range s.Anchors {
		if !validKey(key) {
			return eris.Errorf("rules: anchor for unknown field %q", key)
		}
	}
	return nil
}

func compileFields(owner string, fields map[string]FieldRule) error {
	for key, rule := range fields {
		if !validKey(key) {
			return eris.Errorf("rules: %s: unknown field %q", owner, key)
		}
		for i := range rule.Patterns {
			p := &rule.Patterns[i]
			re, err := regexp.Compile(`(?im)` + p.Value)
			if err != nil {
				return eris.Wrapf(err, "rules: %s.%s pattern %d", owner, key, i)
			}
			p.valueRe = re
			if p.Anchor != "" {
				are, err := regexp.Compile(`(?is)` + p.Anchor)
				if err != nil {
					return eris.Wrapf(err, "rules: %s.%s anchor %d", owner, key, i)
				}
				p.anchorRe = are
			}
			if p.Group > re.NumSubexp() {
				return eris.Errorf("rules: %s.%s pattern %d selects group %d of %d", owner, key, i, p.Group, re.NumSubexp())
			}
		}
		fields[key] = rule
	}
	return nil
}

func validKey(key string) bool {
	return key == PeriodKey || model.Field(key).Known()
}

// Apply runs every rule against text and returns one match per matched key,
// ordered by key.
func Apply(fields map[string]FieldRule, text string) []Match {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []Match
	for _, k := range keys {
		if m, ok := fields[k].Match(k, text); ok {
			out = append(out, m)
		}
	}
	return out
}

// Match tries the rule's patterns in order.
func (r FieldRule) Match(key, text string) (Match, bool) {
	for i, p := range r.Patterns {
		if p.valueRe == nil {
			continue
		}

		region := text
		if p.anchorRe != nil {
			loc := p.anchorRe.FindStringIndex(text)
			if loc == nil {
				continue
			}
			end := loc[0] + searchWindow
			if end > len(text) {
				end = len(text)
			}
			region = text[loc[0]:end]
		}

		transform := p.Transform
		if transform == "" {
			transform = r.Transform
		}
		conf := p.Confidence
		if conf == 0 {
			conf = r.Confidence
		}
		group := p.Group
		if group == 0 {
			group = 1
		}

		if r.Sum {
			if raw, ok := sumMatches(p.valueRe, region, group, transform); ok {
				return Match{Key: key, Raw: raw, Groups: []string{raw}, Confidence: conf, Pattern: i}, true
			}
			continue
		}

		sub := p.valueRe.FindStringSubmatch(region)
		if len(sub) <= group || sub[group] == "" {
			continue
		}
		groups := make([]string, 0, len(sub)-1)
		for _, g := range sub[1:] {
			if g != "" {
				groups = append(groups, applyTransform(g, transform))
			}
		}
		return Match{
			Key:        key,
			Raw:        applyTransform(sub[group], transform),
			Groups:     groups,
			Confidence: conf,
			Pattern:    i,
		}, true
	}
	return Match{}, false
}

func sumMatches(re *regexp.Regexp, text string, group int, transform string) (string, bool) {
	all := re.FindAllStringSubmatch(text, -1)
	if len(all) == 0 {
		return "", false
	}
	total := decimal.Zero
	for _, sub := range all {
		if len(sub) <= group {
			return "", false
		}
		d, err := model.ParseAmount(applyTransform(sub[group], transform))
		if err != nil {
			return "", false
		}
		total = total.Add(d)
	}
	return total.StringFixed(2), true
}

func applyTransform(v, transform string) string {
	switch transform {
	case "strip_commas":
		return strings.ReplaceAll(v, ",", "")
	case "strip_spaces":
		return strings.Join(strings.Fields(v), "")
	}
	return v
}

// overlayFS serves files from primary, falling back when absent.
type overlayFS struct {
	primary  fs.FS
	fallback fs.FS
}

func (o overlayFS) Open(name string) (fs.File, error) {
	f, err := o.primary.Open(name)
	if err == nil {
		return f, nil
	}
	return o.fallback.Open(name)
}

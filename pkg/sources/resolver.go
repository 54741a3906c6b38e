package sources

import (
	"fmt"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/3leaps/idlogsync/pkg/job"
	"github.com/3leaps/idlogsync/pkg/parser"
)

// QueryData is the template data for a source query.
type QueryData struct {
	Source string

	// Earliest and Latest are epoch seconds.
	Earliest int64
	Latest   int64
}

// Resolver turns source names into resolved Sources. It is read-only after
// construction and safe for concurrent use.
type Resolver struct {
	manifest  *Manifest
	templates map[string]*template.Template
	limits    map[string]resolved
}

// NewResolver compiles every source query in m.
func NewResolver(m *Manifest) (*Resolver, error) {
	r := &Resolver{
		manifest:  m,
		templates: make(map[string]*template.Template, len(m.Sources)),
		limits:    make(map[string]resolved, len(m.Sources)),
	}
	for _, name := range m.Names() {
		src := m.Sources[name]
		tmpl, err := template.New(name).Option("missingkey=error").Parse(src.Query)
		if err != nil {
			return nil, fmt.Errorf("source %s: invalid query template: %w", name, err)
		}
		lim, err := m.effectiveLimits(name, src)
		if err != nil {
			return nil, err
		}
		r.templates[name] = tmpl
		r.limits[name] = lim
	}
	return r, nil
}

// Names returns the configured source names in sorted order.
func (m *Manifest) Names() []string {
	names := make([]string, 0, len(m.Sources))
	for name := range m.Sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Names returns the configured source names in sorted order.
func (r *Resolver) Names() []string {
	return r.manifest.Names()
}

// Config returns the raw configuration of a source.
func (r *Resolver) Config(name string) (SourceConfig, bool) {
	src, ok := r.manifest.Sources[name]
	return src, ok
}

// Match returns the source names matching a doublestar glob.
func (r *Resolver) Match(pattern string) ([]string, error) {
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid source pattern %q", pattern)
	}
	var out []string
	for _, name := range r.Names() {
		if ok, _ := doublestar.Match(pattern, name); ok {
			out = append(out, name)
		}
	}
	return out, nil
}

// ParserID returns the registry id used for a source. Sources using the
// "fields" parser get a per-source id so their mappings do not collide.
func ParserID(name string, src SourceConfig) string {
	if src.Parser == parser.ParserFields {
		return parser.ParserFields + "/" + name
	}
	return src.Parser
}

// RegisterParsers adds a field parser for every source configured with
// "fields" and checks that every other source names a registered parser.
func (r *Resolver) RegisterParsers(reg *parser.Registry) error {
	for _, name := range r.Names() {
		src := r.manifest.Sources[name]
		id := ParserID(name, src)
		if src.Parser == parser.ParserFields {
			if src.Fields == nil {
				return fmt.Errorf("source %s: fields parser requires a fields mapping", name)
			}
			if err := reg.Register(id, parser.NewFieldParser(*src.Fields)); err != nil {
				return fmt.Errorf("source %s: %w", name, err)
			}
			continue
		}
		if _, err := reg.Lookup(id); err != nil {
			return fmt.Errorf("source %s: %w", name, err)
		}
	}
	return nil
}

// Resolve renders the source for a job starting at now. Unknown and disabled
// sources fail with job.ErrUnknownSource.
func (r *Resolver) Resolve(name string, now time.Time) (Source, error) {
	src, ok := r.manifest.Sources[name]
	if !ok {
		return Source{}, fmt.Errorf("%w: %s", job.ErrUnknownSource, name)
	}
	if src.Disabled {
		return Source{}, fmt.Errorf("%w: %s is disabled", job.ErrUnknownSource, name)
	}
	lim := r.limits[name]

	latest := now.UTC().Truncate(time.Second)
	earliest := latest.Add(-lim.lookback)

	var b strings.Builder
	err := r.templates[name].Execute(&b, QueryData{
		Source:   name,
		Earliest: earliest.Unix(),
		Latest:   latest.Unix(),
	})
	if err != nil {
		return Source{}, fmt.Errorf("source %s: render query: %w", name, err)
	}

	out := Source{
		Name:           name,
		Query:          strings.TrimSpace(b.String()),
		ParserID:       ParserID(name, src),
		SecretRef:      lim.secretRef,
		ChunkSize:      lim.chunkSize,
		InitialWait:    lim.initialWait,
		MaxWait:        lim.maxWait,
		MaxJobDuration: lim.maxJobDuration,
		Earliest:       earliest,
		Latest:         latest,
	}
	return out, out.Validate()
}

// ResolveTrigger resolves t.SourceName and applies the query override.
func (r *Resolver) ResolveTrigger(t Trigger, now time.Time) (Source, error) {
	src, err := r.Resolve(t.SourceName, now)
	if err != nil {
		return Source{}, err
	}
	if q := strings.TrimSpace(t.Query); q != "" {
		src.Query = q
	}
	return src, nil
}

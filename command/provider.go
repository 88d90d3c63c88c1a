package command

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/pithecene-io/mrci/types"
)

// Provider is a bundle of commands and the rules for loading them.
type Provider interface {
	Name() string
	Commands() []string
	Public() []string
	RankExempt() []string
	New(name string) (Handler, error)
	MinimumHostRevision() int
	AcceptsHostRevision(rev int) bool
}

// Summarizer is implemented by providers that describe their commands.
type Summarizer interface {
	Summary(name string) string
}

// Spec declares one command of a StaticProvider.
type Spec struct {
	Name    string
	Summary string
	// Public commands load for anonymous sessions.
	Public bool
	// Exempt commands load for any logged-in session regardless of rank.
	Exempt bool
	New    func() Handler
}

// StaticProvider is a Provider backed by a name to factory table.
type StaticProvider struct {
	name   string
	minRev int
	specs  map[string]Spec
}

// NewStaticProvider builds a provider from specs. Names are matched
// case-insensitively.
func NewStaticProvider(name string, minRev int, specs ...Spec) *StaticProvider {
	p := &StaticProvider{name: name, minRev: minRev, specs: make(map[string]Spec, len(specs))}
	for _, s := range specs {
		p.specs[strings.ToLower(s.Name)] = s
	}
	return p
}

func (p *StaticProvider) Name() string { return p.name }

func (p *StaticProvider) collect(keep func(Spec) bool) []string {
	var out []string
	for _, s := range p.specs {
		if keep(s) {
			out = append(out, s.Name)
		}
	}
	sort.Strings(out)
	return out
}

// Commands returns every command name.
func (p *StaticProvider) Commands() []string {
	return p.collect(func(Spec) bool { return true })
}

// Public returns the commands visible to anonymous sessions.
func (p *StaticProvider) Public() []string {
	return p.collect(func(s Spec) bool { return s.Public })
}

// RankExempt returns the commands not subject to rank checks.
func (p *StaticProvider) RankExempt() []string {
	return p.collect(func(s Spec) bool { return s.Exempt || s.Public })
}

// New constructs a handler.
func (p *StaticProvider) New(name string) (Handler, error) {
	s, ok := p.specs[strings.ToLower(name)]
	if !ok || s.New == nil {
		return nil, fmt.Errorf("%s: unknown command %q", p.name, name)
	}
	return s.New(), nil
}

// Summary returns the one-line description of a command.
func (p *StaticProvider) Summary(name string) string {
	return p.specs[strings.ToLower(name)].Summary
}

func (p *StaticProvider) MinimumHostRevision() int { return p.minRev }

// AcceptsHostRevision accepts every revision at or above the minimum.
func (p *StaticProvider) AcceptsHostRevision(rev int) bool { return rev >= p.minRev }

// Contains reports whether names holds name, ignoring case.
func Contains(names []string, name string) bool {
	return slices.ContainsFunc(names, func(n string) bool { return strings.EqualFold(n, name) })
}

// Compatible reports whether p may be loaded by this host.
func Compatible(p Provider) error {
	if p.MinimumHostRevision() > types.HostRevision {
		return fmt.Errorf("provider %s needs host revision %d, host is %d",
			p.Name(), p.MinimumHostRevision(), types.HostRevision)
	}
	if !p.AcceptsHostRevision(types.HostRevision) {
		return fmt.Errorf("provider %s rejects host revision %d", p.Name(), types.HostRevision)
	}
	return nil
}

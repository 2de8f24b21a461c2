// Package spec models the frozen specification a session heals against.
package spec

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/Ship-Gate/ShipGate-sub013/internal/canonical"
	"gopkg.in/yaml.v3"
)

// Clause is one declared requirement. Rules lists the gate rule identifiers
// that report violations of the clause; Markers are code fragments whose
// presence evidences it.
type Clause struct {
	ID      string   `json:"id"                yaml:"id"`
	Title   string   `json:"title"             yaml:"title"`
	Rules   []string `json:"rules"             yaml:"rules"`
	Markers []string `json:"markers,omitempty" yaml:"markers,omitempty"`
}

// Specification is the versioned statement of intended behavior.
type Specification struct {
	Domain  string   `json:"domain"  yaml:"domain"`
	Version string   `json:"version" yaml:"version"`
	Clauses []Clause `json:"clauses" yaml:"clauses"`
}

// Identity pins a specification for the lifetime of a session.
type Identity struct {
	Hash    string `json:"spec_hash"`
	Domain  string `json:"domain"`
	Version string `json:"version"`
}

// Load parses a YAML or JSON specification and validates it.
func Load(data []byte) (*Specification, error) {
	var s Specification
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse specification: %w", err)
	}
	if err := s.normalize(); err != nil {
		return nil, err
	}
	return &s, nil
}

// LoadFile reads and parses the specification at path.
func LoadFile(path string) (*Specification, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read specification: %w", err)
	}
	return Load(data)
}

// FromRules builds a minimal specification with one clause per rule, for
// targets that have no specification file.
func FromRules(domain, version string, rules []string) (*Specification, error) {
	s := &Specification{Domain: domain, Version: version}
	for _, r := range rules {
		s.Clauses = append(s.Clauses, Clause{ID: r, Title: r, Rules: []string{r}})
	}
	if err := s.normalize(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Specification) normalize() error {
	s.Domain = strings.TrimSpace(s.Domain)
	if s.Domain == "" {
		return errors.New("specification: domain is required")
	}
	v, err := semver.NewVersion(strings.TrimSpace(s.Version))
	if err != nil {
		return fmt.Errorf("specification: version %q: %w", s.Version, err)
	}
	s.Version = v.String()

	seen := make(map[string]struct{}, len(s.Clauses))
	for i := range s.Clauses {
		c := &s.Clauses[i]
		c.ID = strings.TrimSpace(c.ID)
		if c.ID == "" {
			return fmt.Errorf("specification: clause %d has no id", i)
		}
		if _, ok := seen[c.ID]; ok {
			return fmt.Errorf("specification: duplicate clause %q", c.ID)
		}
		seen[c.ID] = struct{}{}
		if len(c.Rules) == 0 {
			c.Rules = []string{c.ID}
		}
	}
	sort.SliceStable(s.Clauses, func(i, j int) bool { return s.Clauses[i].ID < s.Clauses[j].ID })
	return nil
}

// Hash is the canonical content hash of the specification.
func (s *Specification) Hash() (string, error) {
	return canonical.Hash(s)
}

// Identity computes the session identity.
func (s *Specification) Identity() (Identity, error) {
	h, err := s.Hash()
	if err != nil {
		return Identity{}, err
	}
	return Identity{Hash: h, Domain: s.Domain, Version: s.Version}, nil
}

// Clone deep-copies s.
func (s *Specification) Clone() *Specification {
	out := &Specification{Domain: s.Domain, Version: s.Version}
	out.Clauses = make([]Clause, len(s.Clauses))
	for i, c := range s.Clauses {
		out.Clauses[i] = Clause{
			ID:      c.ID,
			Title:   c.Title,
			Rules:   append([]string(nil), c.Rules...),
			Markers: append([]string(nil), c.Markers...),
		}
	}
	return out
}

// Markers returns every declared marker in clause order.
func (s *Specification) Markers() []string {
	var out []string
	for _, c := range s.Clauses {
		out = append(out, c.Markers...)
	}
	return out
}

// Covers reports whether the clause is reported by rule.
func (c Clause) Covers(rule string) bool {
	for _, r := range c.Rules {
		if r == rule {
			return true
		}
	}
	return false
}

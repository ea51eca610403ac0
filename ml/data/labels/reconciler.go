// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package labels

import (
	"path/filepath"
	"slices"
	"strings"

	"github.com/mifugocare/herdml/ml/data/sources"
	"github.com/pkg/errors"
)

var (
	// ErrUnresolved is returned for records that can't be mapped to a canonical class.
	ErrUnresolved = errors.New("label unresolved")

	// ErrAmbiguousRow is returned for one-hot rows with zero or several positive columns that map to
	// canonical classes. It also matches ErrUnresolved.
	ErrAmbiguousRow = errors.Wrap(ErrUnresolved, "ambiguous one-hot row")
)

// AmbiguityPolicy defines what to do with one-hot rows that don't have exactly one positive column.
type AmbiguityPolicy int

const (
	// AmbiguousDrop reports the row with ErrAmbiguousRow. This is the default.
	AmbiguousDrop AmbiguityPolicy = iota

	// AmbiguousKeywords tries the filename keyword rules before giving up.
	AmbiguousKeywords
)

// String implements fmt.Stringer.
func (p AmbiguityPolicy) String() string {
	if p == AmbiguousKeywords {
		return "keywords"
	}
	return "drop"
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *AmbiguityPolicy) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "", "drop":
		*p = AmbiguousDrop
	case "keywords":
		*p = AmbiguousKeywords
	default:
		return errors.Errorf("invalid ambiguity policy %q, valid values are \"drop\" and \"keywords\"", text)
	}
	return nil
}

// Origin tells which step resolved a record.
type Origin int

const (
	OriginStructured Origin = iota
	OriginKeyword
)

// Resolution of a RawRecord.
type Resolution struct {
	Class  int
	Origin Origin

	// Candidates are the classes named by the evidence of an ambiguous one-hot row, in column order.
	// Only set when the row is dropped.
	Candidates []int
}

// Reconciler maps RawRecord evidence to class indices of a Taxonomy.
// It is immutable once created and safe for concurrent use.
type Reconciler struct {
	taxonomy        *Taxonomy
	rules           []compiledRule
	aliases         map[string]map[string]int // Source -> normalized name -> class.
	detectors       map[string]map[int]int    // Source -> detector id -> class.
	defaultDetector map[int]int
	ambiguity       AmbiguityPolicy

	userRules bool
}

type compiledRule struct {
	KeywordRule
	class int
}

// Option configures a Reconciler.
type Option func(r *Reconciler) error

// WithKeywordRules replaces the default keyword rules. Rules are tried in the given order.
// Every rule class must be in the taxonomy.
func WithKeywordRules(rules []KeywordRule) Option {
	return func(r *Reconciler) error {
		r.userRules = true
		r.rules = r.rules[:0]
		for i, rule := range rules {
			class, found := r.taxonomy.Index(rule.Class)
			if !found {
				return errors.Errorf("keyword rule #%d refers to class %q, not in the taxonomy %q", i, rule.Class, r.taxonomy.names)
			}
			r.rules = append(r.rules, compile(rule, class))
		}
		return nil
	}
}

// WithColumnAliases maps evidence names of the given source (one-hot column names or class directory names)
// to canonical class names.
func WithColumnAliases(source string, aliases map[string]string) Option {
	return func(r *Reconciler) error {
		table := make(map[string]int, len(aliases))
		for name, className := range aliases {
			class, found := r.taxonomy.Index(className)
			if !found {
				return errors.Errorf("source %q: alias %q refers to class %q, not in the taxonomy", source, name, className)
			}
			table[Normalize(name)] = class
		}
		r.aliases[source] = table
		return nil
	}
}

// WithDetectorClasses sets the detector class id table of the given source.
func WithDetectorClasses(source string, classes map[int]string) Option {
	return func(r *Reconciler) error {
		table := make(map[int]int, len(classes))
		for id, className := range classes {
			class, found := r.taxonomy.Index(className)
			if !found {
				return errors.Errorf("source %q: detector id %d refers to class %q, not in the taxonomy", source, id, className)
			}
			table[id] = class
		}
		r.detectors[source] = table
		return nil
	}
}

// WithAmbiguityPolicy sets how one-hot rows without exactly one positive column are handled.
func WithAmbiguityPolicy(policy AmbiguityPolicy) Option {
	return func(r *Reconciler) error {
		r.ambiguity = policy
		return nil
	}
}

// NewReconciler creates a Reconciler for the taxonomy.
//
// By default, it uses DefaultKeywordRules and DefaultDetectorClasses, keeping only the entries whose
// classes are in the taxonomy.
func NewReconciler(taxonomy *Taxonomy, options ...Option) (*Reconciler, error) {
	r := &Reconciler{
		taxonomy:        taxonomy,
		aliases:         make(map[string]map[string]int),
		detectors:       make(map[string]map[int]int),
		defaultDetector: make(map[int]int),
	}
	for _, option := range options {
		if err := option(r); err != nil {
			return nil, err
		}
	}
	if !r.userRules {
		for _, rule := range DefaultKeywordRules() {
			if class, found := taxonomy.Index(rule.Class); found {
				r.rules = append(r.rules, compile(rule, class))
			}
		}
	}
	for id, className := range DefaultDetectorClasses() {
		if class, found := taxonomy.Index(className); found {
			r.defaultDetector[id] = class
		}
	}
	return r, nil
}

func compile(rule KeywordRule, class int) compiledRule {
	lower := func(words []string) []string {
		out := make([]string, len(words))
		for i, w := range words {
			out[i] = strings.ToLower(w)
		}
		return out
	}
	rule.Keywords = lower(rule.Keywords)
	rule.Exclude = lower(rule.Exclude)
	return compiledRule{KeywordRule: rule, class: class}
}

// Taxonomy used by the reconciler.
func (r *Reconciler) Taxonomy() *Taxonomy {
	return r.taxonomy
}

// Reconcile returns the class index of the record, or an error matching ErrUnresolved.
func (r *Reconciler) Reconcile(rec sources.RawRecord) (int, error) {
	res, err := r.Resolve(rec)
	if err != nil {
		return -1, err
	}
	return res.Class, nil
}

// Resolve is like Reconcile, but also reports which step resolved the record.
func (r *Reconciler) Resolve(rec sources.RawRecord) (Resolution, error) {
	switch ev := rec.Evidence.(type) {
	case sources.DirectoryClass:
		if class, found := r.lookup(rec.Source, ev.Name); found {
			return Resolution{Class: class, Origin: OriginStructured}, nil
		}
	case sources.FolderConvention:
		if class, found := r.lookup(rec.Source, ev.Class); found {
			return Resolution{Class: class, Origin: OriginStructured}, nil
		}
	case sources.DetectionLabel:
		table, found := r.detectors[rec.Source]
		if !found {
			table = r.defaultDetector
		}
		if class, found := table[ev.ClassID]; found {
			return Resolution{Class: class, Origin: OriginStructured}, nil
		}
	case sources.MultiLabelRow:
		// Positive columns that map to no canonical class don't count.
		positives := ev.Positives()
		var classes []int
		for _, col := range positives {
			if class, found := r.lookup(rec.Source, col); found && !slices.Contains(classes, class) {
				classes = append(classes, class)
			}
		}
		if len(classes) == 1 {
			return Resolution{Class: classes[0], Origin: OriginStructured}, nil
		}
		if r.ambiguity == AmbiguousKeywords {
			if class, found := r.matchKeywords(rec.ImagePath); found {
				return Resolution{Class: class, Origin: OriginKeyword}, nil
			}
		}
		return Resolution{Class: -1, Candidates: classes}, errors.WithMessagef(ErrAmbiguousRow,
			"%q has %d positive columns %q, %d of them canonical", rec.ImagePath, len(positives), positives, len(classes))
	}

	if class, found := r.matchKeywords(rec.ImagePath); found {
		return Resolution{Class: class, Origin: OriginKeyword}, nil
	}
	var evidence string
	if rec.Evidence != nil {
		evidence = rec.Evidence.String()
	} else {
		evidence = "no evidence"
	}
	return Resolution{Class: -1}, errors.WithMessagef(ErrUnresolved, "%q (%s)", rec.ImagePath, evidence)
}

// lookup maps a name through the source aliases, and then the taxonomy.
func (r *Reconciler) lookup(source, name string) (int, bool) {
	if class, found := r.aliases[source][Normalize(name)]; found {
		return class, true
	}
	return r.taxonomy.Index(name)
}

// matchKeywords runs the keyword rules, in order, on the base name of the path.
func (r *Reconciler) matchKeywords(path string) (int, bool) {
	baseName := strings.ToLower(filepath.Base(path))
	for _, rule := range r.rules {
		if rule.Matches(baseName) {
			return rule.class, true
		}
	}
	return -1, false
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package labels maps the heterogeneous label evidence found by package sources onto one canonical,
// ordered list of class names: the Taxonomy.
//
// A Reconciler resolves each RawRecord in two steps:
//
//  1. Structured evidence (class directory name, one-hot row, detector class id, folder convention)
//     is mapped directly, through per-source aliases or detector tables when configured.
//  2. If structured evidence is absent or can't be mapped, an ordered list of KeywordRule is matched
//     against the lower-cased base name of the image path. The first matching rule wins.
//
// Records that remain unresolved are reported with ErrUnresolved: they are never assigned a default class.
package labels

import (
	"strings"

	"github.com/pkg/errors"
)

// DefaultTaxonomyNames are the livestock conditions the pipeline is usually trained on.
var DefaultTaxonomyNames = []string{"healthy", "lumpy_skin", "fmd", "mastitis", "dermatitis"}

// Taxonomy is the frozen, ordered list of canonical class names. The position of a name is its class index.
type Taxonomy struct {
	names []string
	index map[string]int
}

// Normalize a class name for lookups: lower case, trimmed, with spaces and dashes replaced by underscores.
func Normalize(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.NewReplacer(" ", "_", "-", "_").Replace(name)
}

// NewTaxonomy creates a Taxonomy with the given names, normalized. Names must be unique after normalization.
func NewTaxonomy(names ...string) (*Taxonomy, error) {
	if len(names) == 0 {
		return nil, errors.New("taxonomy must have at least one class")
	}
	t := &Taxonomy{
		names: make([]string, 0, len(names)),
		index: make(map[string]int, len(names)),
	}
	for _, name := range names {
		normalized := Normalize(name)
		if normalized == "" {
			return nil, errors.Errorf("taxonomy has an empty class name")
		}
		if _, found := t.index[normalized]; found {
			return nil, errors.Errorf("taxonomy has duplicate class %q", normalized)
		}
		t.index[normalized] = len(t.names)
		t.names = append(t.names, normalized)
	}
	return t, nil
}

// Len returns the number of classes, usually referred to as K.
func (t *Taxonomy) Len() int {
	return len(t.names)
}

// Name of the class with the given index.
func (t *Taxonomy) Name(classIdx int) string {
	return t.names[classIdx]
}

// Names returns a copy of the ordered class names.
func (t *Taxonomy) Names() []string {
	return append([]string(nil), t.names...)
}

// Index returns the class index for the name, after normalization.
func (t *Taxonomy) Index(name string) (int, bool) {
	idx, found := t.index[Normalize(name)]
	return idx, found
}

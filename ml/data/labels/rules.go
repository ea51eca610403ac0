// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package labels

import "strings"

// KeywordRule assigns Class to images whose base name contains any of Keywords and none of Exclude.
// Matching is on the lower-cased base name, by substring.
type KeywordRule struct {
	Class    string   `yaml:"class"`
	Keywords []string `yaml:"keywords"`
	Exclude  []string `yaml:"exclude"`
}

// Matches reports whether the lower-cased base name matches the rule.
func (r KeywordRule) Matches(baseName string) bool {
	if !containsAny(baseName, r.Keywords) {
		return false
	}
	return !containsAny(baseName, r.Exclude)
}

func containsAny(s string, substrings []string) bool {
	for _, sub := range substrings {
		if sub != "" && strings.Contains(s, strings.ToLower(sub)) {
			return true
		}
	}
	return false
}

// DefaultKeywordRules returns the ordered filename heuristics used for cattle image collections.
// Disease rules come first, so "lumpy_cow.jpg" is not taken as healthy.
func DefaultKeywordRules() []KeywordRule {
	return []KeywordRule{
		{Class: "lumpy_skin", Keywords: []string{"lumpy", "lsd", "lump"}},
		{Class: "fmd", Keywords: []string{"fmd", "foot-and-mouth", "foot_mouth"}},
		{Class: "mastitis", Keywords: []string{"mastitis"}},
		{Class: "dermatitis", Keywords: []string{"dermatitis", "dermatosis", "fungal", "skin"}, Exclude: []string{"lumpy"}},
		{Class: "healthy", Keywords: []string{"healthy", "sehat", "normal", "ayrshire", "jersey", "holstein"}},
		{Class: "healthy", Keywords: []string{"cattle", "cow", "bull"}, Exclude: []string{"lumpy", "fmd", "mastitis", "dermatitis"}},
	}
}

// DefaultDetectorClasses is the class id table of the cattle disease detection dataset
// ("sehat" is Indonesian for healthy).
func DefaultDetectorClasses() map[int]string {
	return map[int]string{
		0: "fmd",
		1: "mastitis",
		2: "lumpy_skin",
		3: "dermatitis",
		4: "dermatitis",
		5: "dermatitis",
		6: "dermatitis",
		7: "healthy",
		8: "healthy",
	}
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package labels

import (
	"testing"

	"github.com/mifugocare/herdml/ml/data/sources"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDefaultReconciler(t *testing.T, options ...Option) *Reconciler {
	t.Helper()
	tax, err := NewTaxonomy(DefaultTaxonomyNames...)
	require.NoError(t, err)
	r, err := NewReconciler(tax, options...)
	require.NoError(t, err)
	return r
}

func TestTaxonomy(t *testing.T) {
	tax, err := NewTaxonomy("Healthy", "Lumpy Skin", "fmd")
	require.NoError(t, err)
	assert.Equal(t, 3, tax.Len())
	assert.Equal(t, []string{"healthy", "lumpy_skin", "fmd"}, tax.Names())
	idx, found := tax.Index("lumpy-skin")
	require.True(t, found)
	assert.Equal(t, 1, idx)
	assert.Equal(t, "fmd", tax.Name(2))
	_, found = tax.Index("mastitis")
	assert.False(t, found)

	_, err = NewTaxonomy("healthy", "HEALTHY")
	assert.Error(t, err)
	_, err = NewTaxonomy()
	assert.Error(t, err)
}

func TestReconcileStructured(t *testing.T) {
	r := newDefaultReconciler(t)
	testCases := []struct {
		rec  sources.RawRecord
		want string
	}{
		{sources.RawRecord{ImagePath: "/d/healthy/x.jpg", Evidence: sources.DirectoryClass{Name: "healthy"}}, "healthy"},
		{sources.RawRecord{ImagePath: "/d/Lumpy Skin/x.jpg", Evidence: sources.DirectoryClass{Name: "Lumpy Skin"}}, "lumpy_skin"},
		{sources.RawRecord{ImagePath: "/f/lc_1.jpg", Evidence: sources.FolderConvention{Class: "lumpy_skin"}}, "lumpy_skin"},
		{sources.RawRecord{ImagePath: "/y/img.jpg", Evidence: sources.DetectionLabel{ClassID: 0}}, "fmd"},
		{sources.RawRecord{ImagePath: "/y/img.jpg", Evidence: sources.DetectionLabel{ClassID: 5}}, "dermatitis"},
		{sources.RawRecord{ImagePath: "/y/img.jpg", Evidence: sources.DetectionLabel{ClassID: 7}}, "healthy"},
		{sources.RawRecord{ImagePath: "/m/img.jpg", Evidence: sources.MultiLabelRow{
			Columns: []string{"healthy", "mastitis"}, Positive: []bool{false, true}}}, "mastitis"},
	}
	for _, tc := range testCases {
		res, err := r.Resolve(tc.rec)
		require.NoError(t, err, "record %+v", tc.rec)
		assert.Equal(t, tc.want, r.Taxonomy().Name(res.Class), "record %+v", tc.rec)
		assert.Equal(t, OriginStructured, res.Origin)
	}
}

func TestReconcileAmbiguousRows(t *testing.T) {
	r := newDefaultReconciler(t)
	columns := []string{"healthy", "lumpy_skin", "mastitis"}
	for _, positive := range [][]bool{{false, false, false}, {true, true, false}, {true, true, true}} {
		// Even a filename that would match a keyword rule is not used under the default policy.
		rec := sources.RawRecord{ImagePath: "/m/healthy_cow.jpg", Evidence: sources.MultiLabelRow{Columns: columns, Positive: positive}}
		class, err := r.Reconcile(rec)
		require.Error(t, err)
		assert.Equal(t, -1, class)
		assert.True(t, errors.Is(err, ErrUnresolved))
		assert.True(t, errors.Is(err, ErrAmbiguousRow))
	}

	// Positive columns that aren't canonical classes don't count.
	res, err := r.Resolve(sources.RawRecord{ImagePath: "/m/IMG_002.jpg", Evidence: sources.MultiLabelRow{
		Columns: []string{"lumpy_skin", "pinkeye"}, Positive: []bool{true, true}}})
	require.NoError(t, err)
	assert.Equal(t, "lumpy_skin", r.Taxonomy().Name(res.Class))
	assert.Equal(t, OriginStructured, res.Origin)

	// A row whose only positive column isn't canonical has no positive: it is dropped, even if the
	// filename matches a keyword rule.
	res, err = r.Resolve(sources.RawRecord{ImagePath: "/d/healthy_cow.jpg", Evidence: sources.MultiLabelRow{
		Columns: []string{"lumpy_skin", "pinkeye"}, Positive: []bool{false, true}}})
	assert.True(t, errors.Is(err, ErrAmbiguousRow))
	assert.Equal(t, -1, res.Class)
	assert.Empty(t, res.Candidates)

	// Ambiguous rows report the classes they name.
	res, err = r.Resolve(sources.RawRecord{ImagePath: "/m/IMG_003.jpg", Evidence: sources.MultiLabelRow{
		Columns: columns, Positive: []bool{false, true, true}}})
	assert.True(t, errors.Is(err, ErrAmbiguousRow))
	assert.Equal(t, []int{1, 3}, res.Candidates)

	// With the keywords policy the filename is tried.
	r = newDefaultReconciler(t, WithAmbiguityPolicy(AmbiguousKeywords))
	res, err = r.Resolve(sources.RawRecord{ImagePath: "/m/healthy_cow.jpg", Evidence: sources.MultiLabelRow{
		Columns: columns, Positive: []bool{false, false, false}}})
	require.NoError(t, err)
	assert.Equal(t, "healthy", r.Taxonomy().Name(res.Class))
	assert.Equal(t, OriginKeyword, res.Origin)
	_, err = r.Reconcile(sources.RawRecord{ImagePath: "/m/IMG_001.jpg", Evidence: sources.MultiLabelRow{
		Columns: columns, Positive: []bool{true, true, false}}})
	assert.True(t, errors.Is(err, ErrAmbiguousRow))
}

func TestReconcileKeywords(t *testing.T) {
	r := newDefaultReconciler(t)
	testCases := map[string]string{
		"/x/LSD_0001.jpg":              "lumpy_skin",
		"/x/lumpy_cow_2.png":           "lumpy_skin",
		"/x/foot-and-mouth-3.jpg":      "fmd",
		"/x/cow_mastitis.jpg":          "mastitis",
		"/x/fungal_infection.jpg":      "dermatitis",
		"/x/skin_lesion.jpg":           "dermatitis",
		"/x/Holstein_12.jpg":           "healthy",
		"/x/sehat (3).jpg":             "healthy",
		"/x/bull_in_field.jpg":         "healthy",
		"/lumpy_dir/unrelated_001.jpg": "",
		"/x/IMG_20230101.jpg":          "",
	}
	for path, want := range testCases {
		class, err := r.Reconcile(sources.RawRecord{ImagePath: path, Evidence: sources.Absent{Reason: "test"}})
		if want == "" {
			assert.True(t, errors.Is(err, ErrUnresolved), "path %q", path)
			assert.False(t, errors.Is(err, ErrAmbiguousRow), "path %q", path)
			continue
		}
		require.NoError(t, err, "path %q", path)
		assert.Equal(t, want, r.Taxonomy().Name(class), "path %q", path)
	}

	// Unmappable structured evidence falls back to keywords.
	class, err := r.Reconcile(sources.RawRecord{ImagePath: "/d/Cattle Diseases/lumpy_1.jpg",
		Evidence: sources.DirectoryClass{Name: "Cattle Diseases"}})
	require.NoError(t, err)
	assert.Equal(t, "lumpy_skin", r.Taxonomy().Name(class))
	class, err = r.Reconcile(sources.RawRecord{ImagePath: "/y/fmd_9.jpg", Evidence: sources.DetectionLabel{ClassID: 42}})
	require.NoError(t, err)
	assert.Equal(t, "fmd", r.Taxonomy().Name(class))
	_, err = r.Reconcile(sources.RawRecord{ImagePath: "/y/IMG_9.jpg"})
	assert.True(t, errors.Is(err, ErrUnresolved))
}

func TestReconcilerOptions(t *testing.T) {
	r := newDefaultReconciler(t,
		WithColumnAliases("roboflow", map[string]string{" lumpy": "lumpy_skin", "normal": "healthy"}),
		WithDetectorClasses("custom-yolo", map[int]string{0: "healthy", 1: "mastitis"}),
		WithKeywordRules([]KeywordRule{{Class: "mastitis", Keywords: []string{"udder"}}}))

	class, err := r.Reconcile(sources.RawRecord{ImagePath: "/m/a.jpg", Source: "roboflow",
		Evidence: sources.MultiLabelRow{Columns: []string{"normal", "lumpy"}, Positive: []bool{false, true}}})
	require.NoError(t, err)
	assert.Equal(t, "lumpy_skin", r.Taxonomy().Name(class))

	// Aliases are per source.
	_, err = r.Reconcile(sources.RawRecord{ImagePath: "/m/a.jpg", Source: "other",
		Evidence: sources.MultiLabelRow{Columns: []string{"normal", "lumpy"}, Positive: []bool{false, true}}})
	assert.True(t, errors.Is(err, ErrUnresolved))

	class, err = r.Reconcile(sources.RawRecord{ImagePath: "/y/a.jpg", Source: "custom-yolo", Evidence: sources.DetectionLabel{ClassID: 0}})
	require.NoError(t, err)
	assert.Equal(t, "healthy", r.Taxonomy().Name(class))
	class, err = r.Reconcile(sources.RawRecord{ImagePath: "/y/a.jpg", Source: "default-yolo", Evidence: sources.DetectionLabel{ClassID: 0}})
	require.NoError(t, err)
	assert.Equal(t, "fmd", r.Taxonomy().Name(class))

	// Custom keyword rules replace the defaults.
	class, err = r.Reconcile(sources.RawRecord{ImagePath: "/x/udder_01.jpg"})
	require.NoError(t, err)
	assert.Equal(t, "mastitis", r.Taxonomy().Name(class))
	_, err = r.Reconcile(sources.RawRecord{ImagePath: "/x/lumpy_01.jpg"})
	assert.True(t, errors.Is(err, ErrUnresolved))

	tax, err := NewTaxonomy(DefaultTaxonomyNames...)
	require.NoError(t, err)
	_, err = NewReconciler(tax, WithKeywordRules([]KeywordRule{{Class: "anthrax", Keywords: []string{"a"}}}))
	assert.Error(t, err)
	_, err = NewReconciler(tax, WithDetectorClasses("y", map[int]string{0: "anthrax"}))
	assert.Error(t, err)
}

func TestReducedTaxonomyDefaults(t *testing.T) {
	tax, err := NewTaxonomy("healthy", "lumpy_skin")
	require.NoError(t, err)
	r, err := NewReconciler(tax)
	require.NoError(t, err)
	// Default detector ids of classes outside the taxonomy are not mapped.
	_, err = r.Reconcile(sources.RawRecord{ImagePath: "/y/IMG.jpg", Evidence: sources.DetectionLabel{ClassID: 0}})
	assert.True(t, errors.Is(err, ErrUnresolved))
	class, err := r.Reconcile(sources.RawRecord{ImagePath: "/y/IMG.jpg", Evidence: sources.DetectionLabel{ClassID: 2}})
	require.NoError(t, err)
	assert.Equal(t, 1, class)
}

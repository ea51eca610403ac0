// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package sources enumerates images from heterogeneous on-disk dataset layouts.
//
// Each layout is handled by an Adapter, created with Open from a Declaration. An Adapter yields
// RawRecord values lazily: the path of an image, the name of the source it came from and the
// label Evidence found next to it. Evidence is not yet a class: mapping it onto the canonical
// taxonomy is the job of package labels.
//
// The four supported layouts are:
//
//   - KindDirectory: `<root>/<split>/<class name>/<image>`, the class is the directory name.
//   - KindMultiLabel: `<root>/<split>/_classes.csv` with a filename column and one-hot class columns.
//   - KindDetection: `<root>/<split>/<image>` with a sibling `<stem>.txt` (or `../labels/<stem>.txt`)
//     whose first token is an integer class id.
//   - KindFolder: `<root>/<split>/<image>`, all images belong to the single class declared.
//
// A missing root directory is not an error: the adapter yields nothing, logs a warning and reports
// it in Stats.MissingRoot.
package sources

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/mifugocare/herdml/pkg/support/fsutil"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"k8s.io/klog/v2"
)

// ErrMissingDatasetRoot is attached to Stats.Warnings when a declared root doesn't exist.
// It is never returned as a fatal error.
var ErrMissingDatasetRoot = errors.New("dataset root directory does not exist")

// Kind of dataset layout.
type Kind int

const (
	KindDirectory Kind = iota
	KindMultiLabel
	KindDetection
	KindFolder
)

var kindNames = []string{"directory", "multilabel", "detection", "folder"}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// ParseKind converts the configuration name of a layout to a Kind.
func ParseKind(name string) (Kind, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for k, kindName := range kindNames {
		if name == kindName {
			return Kind(k), nil
		}
	}
	return 0, errors.Errorf("unknown dataset kind %q, valid values are %q", name, kindNames)
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler, used when reading configuration files.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Evidence is the per-layout label information attached to a RawRecord.
//
// It is one of DirectoryClass, MultiLabelRow, DetectionLabel, FolderConvention or Absent.
type Evidence interface {
	// Kind of the layout that produced the evidence.
	Kind() Kind
	fmt.Stringer
}

// DirectoryClass is the name of the directory holding the image.
type DirectoryClass struct {
	Name string
}

func (DirectoryClass) Kind() Kind {
	return KindDirectory
}

func (e DirectoryClass) String() string {
	return fmt.Sprintf("directory %q", e.Name)
}

// MultiLabelRow holds one row of a one-hot label file: the class column names (trimmed) and
// whether each was set to 1.
type MultiLabelRow struct {
	Columns  []string
	Positive []bool
}

func (MultiLabelRow) Kind() Kind {
	return KindMultiLabel
}

// Positives returns the names of the columns set to 1, in file order.
func (e MultiLabelRow) Positives() []string {
	var names []string
	for i, col := range e.Columns {
		if e.Positive[i] {
			names = append(names, col)
		}
	}
	return names
}

func (e MultiLabelRow) String() string {
	return fmt.Sprintf("row positives %q", e.Positives())
}

// DetectionLabel is the class id read from the first token of a detector label file.
type DetectionLabel struct {
	ClassID int
}

func (DetectionLabel) Kind() Kind {
	return KindDetection
}

func (e DetectionLabel) String() string {
	return fmt.Sprintf("detector class id %d", e.ClassID)
}

// FolderConvention is the class implied by the folder a source was declared for.
type FolderConvention struct {
	Class string
}

func (FolderConvention) Kind() Kind {
	return KindFolder
}

func (e FolderConvention) String() string {
	return fmt.Sprintf("folder convention %q", e.Class)
}

// Absent is used when the layout should have provided evidence but couldn't (e.g. a missing or
// malformed detector label file). The reconciler may still resolve the record by its filename.
type Absent struct {
	SourceKind Kind
	Reason     string
}

func (e Absent) Kind() Kind {
	return e.SourceKind
}

func (e Absent) String() string {
	return "no evidence: " + e.Reason
}

// RawRecord is one image found by an Adapter.
type RawRecord struct {
	// ImagePath within the filesystem the adapter was opened with.
	ImagePath string

	// Source is the name of the Declaration that produced the record.
	Source string

	Evidence Evidence
}

// Declaration configures one dataset source. It is read from the pipeline configuration.
type Declaration struct {
	// Name identifies the source in reports and in per-source label rules. Defaults to the base name of Root.
	Name string `yaml:"name"`

	Kind Kind   `yaml:"kind"`
	Root string `yaml:"root"`

	// Splits are sub-directories of Root to scan (e.g. train, valid, test). If empty, Root itself is scanned.
	// Splits that don't exist are skipped.
	Splits []string `yaml:"splits"`

	// LabelFile is the name of the one-hot CSV inside each split, for KindMultiLabel. Defaults to "_classes.csv".
	LabelFile string `yaml:"label_file"`

	// FilenameColumn of the label file, for KindMultiLabel. Defaults to "filename".
	FilenameColumn string `yaml:"filename_column"`

	// ColumnAliases maps label-file column names to canonical class names, for KindMultiLabel.
	ColumnAliases map[string]string `yaml:"column_aliases"`

	// DetectorClasses maps detector class ids to canonical class names, for KindDetection.
	// If empty the reconciler uses its default table.
	DetectorClasses map[int]string `yaml:"detector_classes"`

	// Class is the implied class of every image, for KindFolder.
	Class string `yaml:"class"`

	// Extensions of image files accepted. Defaults to fsutil.DefaultImageExtensions.
	Extensions []string `yaml:"extensions"`
}

// Normalize fills in defaults and checks the kind-specific parameters.
func (d *Declaration) Normalize() error {
	if d.Root == "" {
		return errors.Errorf("dataset source %q has no root directory", d.Name)
	}
	root, err := fsutil.ReplaceTildeInDir(d.Root)
	if err != nil {
		return err
	}
	d.Root = root
	if d.Name == "" {
		d.Name = filepath.Base(d.Root)
	}
	switch d.Kind {
	case KindDirectory, KindDetection:
	case KindMultiLabel:
		if d.LabelFile == "" {
			d.LabelFile = "_classes.csv"
		}
		if d.FilenameColumn == "" {
			d.FilenameColumn = "filename"
		}
	case KindFolder:
		if strings.TrimSpace(d.Class) == "" {
			return errors.Errorf("dataset source %q of kind %s requires a class", d.Name, d.Kind)
		}
	default:
		return errors.Errorf("dataset source %q has invalid kind %s", d.Name, d.Kind)
	}
	return nil
}

// splitDirs returns the directories to scan.
func (d *Declaration) splitDirs() []string {
	if len(d.Splits) == 0 {
		return []string{d.Root}
	}
	dirs := make([]string, 0, len(d.Splits))
	for _, split := range d.Splits {
		dirs = append(dirs, filepath.Join(d.Root, split))
	}
	return dirs
}

// Stats of an Adapter's enumeration so far.
type Stats struct {
	Source string
	Kind   Kind
	Root   string

	// MissingRoot is set if the declared root doesn't exist.
	MissingRoot bool

	// Records yielded.
	Records int

	// Skipped files or rows: non-image files, files outside class folders, label rows whose image is missing.
	Skipped int

	// Warnings collected, e.g. missing splits or unreadable label files.
	Warnings []string
}

func (s *Stats) warnf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	klog.Warningf("source %q: %s", s.Source, msg)
	s.Warnings = append(s.Warnings, msg)
}

// Adapter enumerates the RawRecords of one dataset source.
//
// Enumeration is lazy, finite and not restartable: once Next returns false, the adapter is exhausted.
type Adapter interface {
	// Name of the source.
	Name() string

	// Next returns the next record, or false when the enumeration is over.
	Next() (RawRecord, bool)

	// Err returns the error that stopped the enumeration early, if any.
	Err() error

	// Stats returns the enumeration statistics so far.
	Stats() Stats
}

// Open creates the Adapter for the declared source. Paths are resolved in fs.
//
// A missing root is not an error: the returned adapter is empty and its Stats report MissingRoot.
func Open(fs afero.Fs, decl Declaration) (Adapter, error) {
	if err := decl.Normalize(); err != nil {
		return nil, err
	}
	base := &baseAdapter{
		fs:    fs,
		decl:  decl,
		stats: Stats{Source: decl.Name, Kind: decl.Kind, Root: decl.Root},
	}
	exists, err := fsutil.DirExists(fs, decl.Root)
	if err != nil {
		return nil, errors.WithMessagef(err, "dataset source %q", decl.Name)
	}
	if !exists {
		base.stats.MissingRoot = true
		base.stats.warnf("%v: %q", ErrMissingDatasetRoot, decl.Root)
		return &emptyAdapter{base}, nil
	}
	switch decl.Kind {
	case KindDirectory:
		return newDirectoryAdapter(base), nil
	case KindMultiLabel:
		return newMultiLabelAdapter(base), nil
	case KindDetection:
		return newDetectionAdapter(base), nil
	default:
		return newFolderAdapter(base), nil
	}
}

// baseAdapter holds what is common to all adapters.
type baseAdapter struct {
	fs    afero.Fs
	decl  Declaration
	stats Stats
	err   error
}

func (b *baseAdapter) Name() string {
	return b.decl.Name
}

func (b *baseAdapter) Err() error {
	return b.err
}

func (b *baseAdapter) Stats() Stats {
	stats := b.stats
	stats.Warnings = append([]string(nil), b.stats.Warnings...)
	return stats
}

// record builds a RawRecord and counts it.
func (b *baseAdapter) record(path string, evidence Evidence) RawRecord {
	b.stats.Records++
	return RawRecord{ImagePath: path, Source: b.decl.Name, Evidence: evidence}
}

// existingSplitDirs filters the split directories that exist, warning about the missing ones.
func (b *baseAdapter) existingSplitDirs() []string {
	var dirs []string
	for _, dir := range b.decl.splitDirs() {
		exists, err := fsutil.DirExists(b.fs, dir)
		if err != nil {
			b.stats.warnf("skipping split: %v", err)
			continue
		}
		if !exists {
			b.stats.warnf("split directory %q not found, skipping", dir)
			continue
		}
		dirs = append(dirs, dir)
	}
	return dirs
}

type emptyAdapter struct {
	*baseAdapter
}

func (*emptyAdapter) Next() (RawRecord, bool) {
	return RawRecord{}, false
}


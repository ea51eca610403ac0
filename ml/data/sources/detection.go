// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sources

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mifugocare/herdml/pkg/support/fsutil"
	"github.com/pkg/errors"
)

// detectionAdapter handles KindDetection: each image has a detector label file whose first token
// is the class id of the first annotated object.
type detectionAdapter struct {
	*baseAdapter
	started bool
	splits  []string
	current *lister
}

func newDetectionAdapter(base *baseAdapter) *detectionAdapter {
	return &detectionAdapter{baseAdapter: base}
}

// Next implements Adapter.
func (a *detectionAdapter) Next() (RawRecord, bool) {
	if !a.started {
		a.started = true
		a.splits = a.existingSplitDirs()
	}
	for {
		if a.current != nil {
			if path, ok := a.current.next(); ok {
				return a.record(path, a.evidenceFor(path)), true
			}
			a.current = nil
		}
		if len(a.splits) == 0 {
			return RawRecord{}, false
		}
		a.current = newLister(a.fs, a.splits[0], a.decl.Extensions, true, &a.stats)
		a.splits = a.splits[1:]
	}
}

// labelCandidates returns where the label file of an image may be: next to it, or in the sibling
// "labels" directory when the image is under an "images" directory.
func labelCandidates(imagePath string) []string {
	dir := filepath.Dir(imagePath)
	stem := fsutil.Stem(imagePath)
	candidates := []string{filepath.Join(dir, stem+".txt")}
	if filepath.Base(dir) == "images" {
		candidates = append(candidates, filepath.Join(filepath.Dir(dir), "labels", stem+".txt"))
	}
	return candidates
}

func (a *detectionAdapter) evidenceFor(imagePath string) Evidence {
	for _, labelPath := range labelCandidates(imagePath) {
		id, err := a.readClassID(labelPath)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return Absent{SourceKind: KindDetection, Reason: err.Error()}
		}
		return DetectionLabel{ClassID: id}
	}
	return Absent{SourceKind: KindDetection, Reason: "label file not found"}
}

// readClassID parses the first token of the first non-empty line of the label file.
func (a *detectionAdapter) readClassID(labelPath string) (int, error) {
	f, err := a.fs.Open(labelPath)
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		id, err := strconv.Atoi(fields[0])
		if err != nil {
			return 0, errors.Errorf("label file %q: first token %q is not a class id", labelPath, fields[0])
		}
		return id, nil
	}
	if err = scanner.Err(); err != nil {
		return 0, errors.Wrapf(err, "failed to read label file %q", labelPath)
	}
	return 0, errors.Errorf("label file %q is empty", labelPath)
}

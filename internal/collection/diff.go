package collection

import (
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"annotd/pkg/annotation"
)

// Delta is the difference between the in-memory annotations for an
// image and the set just read from its sidecar.
type Delta struct {
	Added   []annotation.Annotation
	Updated []annotation.Annotation
	Removed []string
}

// Empty reports whether the delta carries no changes.
func (d Delta) Empty() bool {
	return len(d.Added) == 0 && len(d.Updated) == 0 && len(d.Removed) == 0
}

// Count returns the total number of changes in the delta.
func (d Delta) Count() int {
	return len(d.Added) + len(d.Updated) + len(d.Removed)
}

// Fingerprint hashes an annotation's canonical JSON form with
// blake2b-256. Two annotations fingerprint equal exactly when they
// decode to the same value.
func Fingerprint(a annotation.Annotation) ([32]byte, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return [32]byte{}, fmt.Errorf("fingerprint annotation %q: %w", a.ID, err)
	}
	return blake2b.Sum256(data), nil
}

func sameContent(a, b annotation.Annotation) bool {
	fa, err := Fingerprint(a)
	if err != nil {
		return false
	}
	fb, err := Fingerprint(b)
	if err != nil {
		return false
	}
	return fa == fb
}

// Diff compares the current annotations against an incoming set by ID,
// comparing content by fingerprint. Annotations only in incoming are
// added, annotations only in current are removed, and annotations
// present in both with differing fingerprints are updated. Drafts in
// current (no ID yet) are ignored; their lifecycle is owned by the
// editor, not the sidecar.
func Diff(current, incoming []annotation.Annotation) Delta {
	var delta Delta

	have := make(map[string]annotation.Annotation, len(current))
	for _, a := range current {
		if a.ID == "" {
			continue
		}
		have[a.ID] = a
	}

	seen := make(map[string]bool, len(incoming))
	for _, in := range incoming {
		if in.ID == "" {
			continue
		}
		seen[in.ID] = true

		cur, ok := have[in.ID]
		if !ok {
			delta.Added = append(delta.Added, in)
			continue
		}
		if !sameContent(cur, in) {
			delta.Updated = append(delta.Updated, in)
		}
	}

	for _, a := range current {
		if a.ID == "" || seen[a.ID] {
			continue
		}
		delta.Removed = append(delta.Removed, a.ID)
	}

	return delta
}

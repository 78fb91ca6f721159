package recipe

import (
	"fmt"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// RoundTrip serializes the document, parses the output again and compares
// the two mappings. Any difference is a lossy normalization and is returned
// as an error carrying the diff.
func RoundTrip(doc *Document) error {
	out, err := doc.Marshal()
	if err != nil {
		return err
	}

	again, err := Parse(doc.Name, out)
	if err != nil {
		return fmt.Errorf("failed to reparse serialized recipe: %w", err)
	}

	if diff := cmp.Diff(doc.Mapping, again.Mapping, cmpopts.EquateNaNs()); diff != "" {
		return fmt.Errorf("recipe changed after round-trip (-loaded +reloaded):\n%s", diff)
	}
	return nil
}

package extraction

import (
	"strings"

	"memoria/internal/blobmodel"
)

// compose renders a batch of blobs into a single extraction prompt body,
// concatenating chat messages with speaker tags and treating doc/code
// blobs as standalone blocks, per SPEC_FULL.md 4.6 stage 1.
func compose(batch []blobmodel.Blob) string {
	var b strings.Builder
	for i, blob := range batch {
		if i > 0 {
			b.WriteString("\n---\n")
		}
		b.WriteString(blob.Render())
	}
	return b.String()
}

// splitOnBoundaries splits batch into the fewest contiguous groups whose
// composed token size each stay under ceiling, never splitting a single
// blob across groups.
func splitOnBoundaries(batch []blobmodel.Blob, ceiling int, countTokens func(string) int) [][]blobmodel.Blob {
	if ceiling <= 0 || len(batch) == 0 {
		return [][]blobmodel.Blob{batch}
	}

	var groups [][]blobmodel.Blob
	var current []blobmodel.Blob
	currentTokens := 0
	for _, blob := range batch {
		t := countTokens(blob.Render())
		if len(current) > 0 && currentTokens+t > ceiling {
			groups = append(groups, current)
			current = nil
			currentTokens = 0
		}
		current = append(current, blob)
		currentTokens += t
	}
	if len(current) > 0 {
		groups = append(groups, current)
	}
	if len(groups) == 0 {
		groups = [][]blobmodel.Blob{batch}
	}
	return groups
}

package specgen

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spectra-drp/pipegen/internal/intspan"
	"github.com/spectra-drp/pipegen/internal/spec"
	"github.com/spectra-drp/pipegen/pkg/types"
)

// SplitByVisit splits sources into chunks of at most chunkSize files whose
// visit numbers are contiguous. A run never crosses a gap, and each run is
// cut as evenly as possible: 11 contiguous visits with chunkSize 5 split
// into 4+4+3, never 5+5+1.
func SplitByVisit(sources []types.FileID, chunkSize int) ([][]types.FileID, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrChunkSize, chunkSize)
	}

	sorted := make([]types.FileID, len(sources))
	copy(sorted, sources)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Visit < sorted[j].Visit
	})

	var chunks [][]types.FileID
	for start := 0; start < len(sorted); {
		end := start + 1
		for end < len(sorted) && sorted[end].Visit-sorted[end-1].Visit == 1 {
			end++
		}
		chunks = append(chunks, splitRun(sorted[start:end], chunkSize)...)
		start = end
	}
	return chunks, nil
}

// splitRun cuts one contiguous run into at most chunkSize-sized pieces,
// spreading the remainder over the leading chunks.
func splitRun(run []types.FileID, chunkSize int) [][]types.FileID {
	n := len(run)
	numChunks := (n + chunkSize - 1) / chunkSize
	quotient := n / numChunks
	remainder := n % numChunks

	chunks := make([][]types.FileID, 0, numChunks)
	start := 0
	for i := 0; i < numChunks; i++ {
		size := quotient
		if i < remainder {
			size++
		}
		chunks = append(chunks, run[start:start+size])
		start += size
	}
	return chunks
}

// SourceFilterFromFileIDs renders file ids as the data selection strings
// the pipeline commands understand, for example
//
//	["visit=83..94", "arm=r", "spectrograph=1"]
//
// A selection names every combination of its values, so the ids must form
// the full Cartesian product of their visits, arms and spectrographs.
func SourceFilterFromFileIDs(ids []types.FileID) (spec.SourceFilter, error) {
	if len(ids) == 0 {
		return spec.SourceFilter{}, ErrNoSources
	}

	visits := make(map[int]bool)
	arms := make(map[types.Arm]bool)
	spectrographs := make(map[int]bool)
	for _, id := range ids {
		visits[id.Visit] = true
		arms[id.Arm] = true
		spectrographs[id.Spectrograph] = true
	}

	if len(ids) != len(visits)*len(arms)*len(spectrographs) {
		return spec.SourceFilter{}, fmt.Errorf(
			"%w: %d ids over %d visits, %d arms, %d spectrographs",
			ErrNotCartesian, len(ids), len(visits), len(arms), len(spectrographs))
	}

	armNames := make([]string, 0, len(arms))
	for arm := range arms {
		armNames = append(armNames, string(arm))
	}
	sort.Strings(armNames)

	return spec.SourceFilter{IDs: []string{
		"visit=" + intspan.Compact(intKeys(visits)),
		"arm=" + strings.Join(armNames, "^"),
		"spectrograph=" + intspan.Compact(intKeys(spectrographs)),
	}}, nil
}

func intKeys(set map[int]bool) []int {
	keys := make([]int, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	return keys
}

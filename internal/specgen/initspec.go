package specgen

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// detectorMapFmt is the file name template for simulated detector maps.
const detectorMapFmt = "detectorMap-sim-{arm}.fits"

// discoverInitSource scans dirName for detector map files and returns the
// init section listing the arms found there. Environment variables in
// dirName are expanded for the scan but written to the section verbatim,
// so the generated spec stays relocatable.
func discoverInitSource(dirName string) (*yaml.Node, error) {
	entries, err := os.ReadDir(os.ExpandEnv(dirName))
	if err != nil {
		return nil, fmt.Errorf("failed to list detector map directory: %w", err)
	}

	parts := strings.Split(detectorMapFmt, "{arm}")
	for i, part := range parts {
		parts[i] = regexp.QuoteMeta(part)
	}
	nameRe := regexp.MustCompile("^" + strings.Join(parts, "(.*)") + "$")

	var arms []string
	for _, entry := range entries {
		if m := nameRe.FindStringSubmatch(entry.Name()); m != nil {
			arms = append(arms, m[1])
		}
	}
	if len(arms) == 0 {
		return nil, fmt.Errorf("no detectorMap files found in %q", dirName)
	}

	node := newMapping()
	appendPair(node, "dirName", stringScalar(dirName))
	appendPair(node, "detectorMapFmt", stringScalar(detectorMapFmt))
	appendPair(node, "arms", stringSequence(arms))
	return node, nil
}

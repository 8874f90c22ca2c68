// ============================================================================
// Spec Generator - Observation Database to Reduction Spec
// ============================================================================
//
// Package: internal/specgen
// File: specgen.go
// Purpose: Builds the weekly reduction spec (YAML) from observation records
//
// Pipeline:
//   1. Query the observation database for calibration sequences
//      (masterBiases, masterDarks, ditheredFlats, scienceTrace, scienceArc)
//   2. Render each source set as a compact data selection
//      (visit=.., arm=.., spectrograph=..)
//   3. Build one calib block per arm, and per beam config where the
//      calibration depends on the fiber layout
//   4. Merge blocks that differ only in their arms, then disambiguate
//      repeated names with serial numbers
//   5. Emit {init?, calibBlock: [...]} preserving insertion order,
//      "name" first in every block
//
// Block Families:
//   biasdark_<arm>       bias + dark        arms b/r/n (m folds into r)
//   flat_<arm>           flat               arms b/r/n/m
//   fiberProfiles_<arm>  fiber profiles     per beam config, grouped sources
//   detectorMap_<arm>    detector map       per beam config, chunked by visit
//
// The init section records where the initial detector maps live so that a
// fresh data directory can be bootstrapped before any calib exists.
//
// ============================================================================

package specgen

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/spectra-drp/pipegen/internal/merge"
	"github.com/spectra-drp/pipegen/internal/metrics"
	"github.com/spectra-drp/pipegen/internal/obsdb"
	"github.com/spectra-drp/pipegen/internal/spec"
	"github.com/spectra-drp/pipegen/pkg/types"
)

// Querier is the slice of the observation database the generator reads.
type Querier interface {
	SelectBeamConfigs(ctx context.Context, sequenceType string,
		criteria obsdb.SelectionCriteria) ([]types.BeamConfig, error)
	SelectFileIDs(ctx context.Context, sequenceType string, arm types.Arm,
		criteria obsdb.SelectionCriteria, beamConfig *types.BeamConfig) ([]types.FileID, error)
}

// Generator builds reduction spec documents from observation records.
type Generator struct {
	db       Querier
	criteria obsdb.SelectionCriteria
	maxArcs  int
	logger   *slog.Logger
	metrics  *metrics.Collector
}

// New returns a Generator reading from db within the criteria window.
// maxArcs caps how many arc visits feed a single detector map. collector
// may be nil when no metrics are wanted.
func New(db Querier, criteria obsdb.SelectionCriteria, maxArcs int, collector *metrics.Collector) *Generator {
	return &Generator{
		db:       db,
		criteria: criteria,
		maxArcs:  maxArcs,
		logger:   slog.With("component", "specgen"),
		metrics:  collector,
	}
}

// Generate assembles the spec document. detectorMapDir may be empty, in
// which case no init section is emitted.
func (g *Generator) Generate(ctx context.Context, detectorMapDir string) (*yaml.Node, error) {
	start := time.Now()
	doc := newMapping()

	if detectorMapDir != "" {
		init, err := discoverInitSource(detectorMapDir)
		if err != nil {
			return nil, err
		}
		appendPair(doc, "init", init)
		g.logger.Info("Discovered initial detector maps", "dir", detectorMapDir)
	}

	biasDark, err := g.biasDarkBlocks(ctx)
	if err != nil {
		return nil, err
	}
	flats, err := g.flatBlocks(ctx)
	if err != nil {
		return nil, err
	}
	profiles, err := g.fiberProfilesBlocks(ctx)
	if err != nil {
		return nil, err
	}
	maps, err := g.detectorMapBlocks(ctx)
	if err != nil {
		return nil, err
	}

	var blocks []*yaml.Node
	blocks = append(blocks, biasDark...)
	blocks = append(blocks, flats...)
	blocks = append(blocks, profiles...)
	blocks = append(blocks, maps...)

	appendPair(doc, "calibBlock", &yaml.Node{
		Kind: yaml.SequenceNode, Tag: "!!seq", Content: blocks,
	})

	g.metrics.BlocksGenerated(len(blocks))
	g.metrics.ObserveSpecDuration(time.Since(start))
	g.logger.Info("Assembled reduction spec",
		"biasdark", len(biasDark),
		"flat", len(flats),
		"fiberProfiles", len(profiles),
		"detectorMap", len(maps))

	return doc, nil
}

// biasDarkBlocks builds one block per broad-band arm holding the bias and
// dark sources. Arm m shares the red detector, so its rows fold into arm r.
func (g *Generator) biasDarkBlocks(ctx context.Context) ([]*yaml.Node, error) {
	kinds := []struct {
		calibType    spec.CalibType
		sequenceType string
	}{
		{spec.CalibBias, "masterBiases"},
		{spec.CalibDark, "masterDarks"},
	}

	var blocks []*yaml.Node
	for _, arm := range types.AllArms {
		if arm == types.ArmM {
			continue
		}

		body := newMapping()
		for _, kind := range kinds {
			sources, err := g.db.SelectFileIDs(ctx, kind.sequenceType, arm, g.criteria, nil)
			if err != nil {
				return nil, err
			}
			if arm == types.ArmR {
				more, err := g.db.SelectFileIDs(ctx, kind.sequenceType, types.ArmM, g.criteria, nil)
				if err != nil {
					return nil, err
				}
				sources = append(sources, more...)
			}
			if len(sources) == 0 {
				continue
			}
			filter, err := SourceFilterFromFileIDs(sources)
			if err != nil {
				return nil, err
			}
			appendPair(body, string(kind.calibType), idMapping(filter))
		}

		if len(body.Content) > 0 {
			blocks = append(blocks, namedBlock("biasdark_"+string(arm), body))
		}
	}

	return merge.Blocks(blocks)
}

// flatBlocks builds one flat block per arm from the dithered flat
// sequences.
func (g *Generator) flatBlocks(ctx context.Context) ([]*yaml.Node, error) {
	var blocks []*yaml.Node
	for _, arm := range types.AllArms {
		sources, err := g.db.SelectFileIDs(ctx, "ditheredFlats", arm, g.criteria, nil)
		if err != nil {
			return nil, err
		}
		if len(sources) == 0 {
			continue
		}
		filter, err := SourceFilterFromFileIDs(sources)
		if err != nil {
			return nil, err
		}

		body := newMapping()
		appendPair(body, string(spec.CalibFlat), idMapping(filter))
		blocks = append(blocks, namedBlock("flat_"+string(arm), body))
	}

	return merge.Blocks(blocks)
}

// fiberProfilesBlocks builds fiber profile blocks per beam config and arm.
// Fiber positions move with the beam config, so configs are never mixed
// within a block.
func (g *Generator) fiberProfilesBlocks(ctx context.Context) ([]*yaml.Node, error) {
	beamConfigs, err := g.sortedBeamConfigs(ctx, "scienceTrace")
	if err != nil {
		return nil, err
	}

	var blocks []*yaml.Node
	for _, bc := range beamConfigs {
		bc := bc
		for _, arm := range types.AllArms {
			sources, err := g.db.SelectFileIDs(ctx, "scienceTrace", arm, g.criteria, &bc)
			if err != nil {
				return nil, err
			}
			if len(sources) == 0 {
				continue
			}

			// A future fiber layout may call for several groups (odd and
			// even fibers); every source belongs to one group for now.
			filter, err := SourceFilterFromFileIDs(sources)
			if err != nil {
				return nil, err
			}
			groups := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
			groups.Content = append(groups.Content, idMapping(filter))

			inner := newMapping()
			appendPair(inner, "group", groups)
			body := newMapping()
			appendPair(body, string(spec.CalibFiberProfiles), inner)

			// Names repeat across beam configs; serial numbers make them
			// unique after the merge.
			blocks = append(blocks, namedBlock("fiberProfiles_"+string(arm), body))
		}
	}

	merged, err := merge.Blocks(blocks)
	if err != nil {
		return nil, err
	}
	return merge.AddSerialNumbers(merged), nil
}

// detectorMapBlocks builds detector map blocks per beam config and arm,
// with each arc sequence chunked so a single map never consumes more than
// maxArcs visits.
func (g *Generator) detectorMapBlocks(ctx context.Context) ([]*yaml.Node, error) {
	beamConfigs, err := g.sortedBeamConfigs(ctx, "scienceArc")
	if err != nil {
		return nil, err
	}

	var blocks []*yaml.Node
	for _, bc := range beamConfigs {
		bc := bc
		for _, arm := range types.AllArms {
			sources, err := g.db.SelectFileIDs(ctx, "scienceArc", arm, g.criteria, &bc)
			if err != nil {
				return nil, err
			}
			chunks, err := SplitByVisit(sources, g.maxArcs)
			if err != nil {
				return nil, err
			}

			for _, chunk := range chunks {
				filter, err := SourceFilterFromFileIDs(chunk)
				if err != nil {
					return nil, err
				}
				body := newMapping()
				appendPair(body, string(spec.CalibDetectorMap), idMapping(filter))
				blocks = append(blocks, namedBlock("detectorMap_"+string(arm), body))
			}
		}
	}

	merged, err := merge.Blocks(blocks)
	if err != nil {
		return nil, err
	}
	return merge.AddSerialNumbers(merged), nil
}

func (g *Generator) sortedBeamConfigs(ctx context.Context, sequenceType string) ([]types.BeamConfig, error) {
	configs, err := g.db.SelectBeamConfigs(ctx, sequenceType, g.criteria)
	if err != nil {
		return nil, err
	}
	sort.Slice(configs, func(i, j int) bool {
		return configs[i].Less(configs[j])
	})
	return configs, nil
}

// WriteSpec encodes the document to path with two-space indentation.
func WriteSpec(path string, doc *yaml.Node) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create spec file: %w", err)
	}

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to encode spec: %w", err)
	}
	if err := enc.Close(); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to encode spec: %w", err)
	}
	return f.Close()
}

// ==================== node builders ====================

func newMapping() *yaml.Node {
	return &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
}

func appendPair(mapping *yaml.Node, key string, value *yaml.Node) {
	mapping.Content = append(mapping.Content, stringScalar(key), value)
}

func stringScalar(value string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value}
}

func stringSequence(values []string) *yaml.Node {
	node := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
	for _, value := range values {
		node.Content = append(node.Content, stringScalar(value))
	}
	return node
}

// idMapping wraps a source filter as {"id": [...]}.
func idMapping(filter spec.SourceFilter) *yaml.Node {
	node := newMapping()
	appendPair(node, "id", stringSequence(filter.IDs))
	return node
}

// namedBlock prepends the name to a block body so that "name" always comes
// out first when the document is written.
func namedBlock(name string, body *yaml.Node) *yaml.Node {
	node := newMapping()
	appendPair(node, "name", stringScalar(name))
	node.Content = append(node.Content, body.Content...)
	return node
}

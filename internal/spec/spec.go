// ============================================================================
// Pipegen Spec Model - Reduction Specification Entities
// ============================================================================
//
// Package: internal/spec
// File: spec.go
// Purpose: In-memory model of a reduction-spec YAML document
//
// Document Structure:
//   init:                        # optional, initial detector maps
//     dirName: "$DATA_DIR/detectorMaps"
//     detectorMapFmt: "detectorMap-sim-{arm}.fits"
//     arms: [b, r]
//   calibBlock:                  # named calibration recipes
//     - name: "calibs_brn"
//       bias:
//         id: "visit=1..20"
//         config: ["key=value"]
//       dark:
//         id: ["visit=21..40"]
//         configfile: "dark.py"
//   scienceBlock:                # named science pipeline invocations
//     - name: "object"
//       id: ["visit=100..200"]
//       policy:
//         reduceExposure:
//           config: ["key=value"]
//
// Model Rules:
//   - Calib types run in one fixed order (bias, dark, flat, bootstrap,
//     fiberProfiles, detectorMap) no matter how the YAML orders its keys.
//   - Science steps run in one fixed order (reduceExposure, mergeArms,
//     calculateReferenceFlux, fluxCalibrate, coaddSpectra); steps without an
//     explicit policy get an empty default config, never "missing".
//   - The variant set is closed: dispatch goes through static tables, not
//     open registration.
//   - Every entity is immutable once loaded; the compiler consumes the model
//     and emits text, nothing writes back.
//
// ============================================================================

package spec

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/spectra-drp/pipegen/internal/intspan"
)

// DefaultCalibValidity is the validity period (days) applied to calibs whose
// block does not specify one.
const DefaultCalibValidity = 1800

// CalibType identifies one kind of calibration product.
type CalibType string

// Calibration product types
const (
	CalibBias          CalibType = "bias"
	CalibDark          CalibType = "dark"
	CalibFlat          CalibType = "flat"
	CalibBootstrap     CalibType = "bootstrap"
	CalibFiberProfiles CalibType = "fiberProfiles"
	CalibDetectorMap   CalibType = "detectorMap"
)

// CalibTypeOrder fixes the execution order of calib types within a block.
// Requested subsets are re-sorted into this order before emission.
var CalibTypeOrder = []CalibType{
	CalibBias,
	CalibDark,
	CalibFlat,
	CalibBootstrap,
	CalibFiberProfiles,
	CalibDetectorMap,
}

// KnownCalibType reports whether name is one of the closed set of calib types.
func KnownCalibType(name string) bool {
	for _, ct := range CalibTypeOrder {
		if name == string(ct) {
			return true
		}
	}
	return false
}

// ScienceStep identifies one stage of science processing.
type ScienceStep string

// Science pipeline steps
const (
	StepReduceExposure         ScienceStep = "reduceExposure"
	StepMergeArms              ScienceStep = "mergeArms"
	StepCalculateReferenceFlux ScienceStep = "calculateReferenceFlux"
	StepFluxCalibrate          ScienceStep = "fluxCalibrate"
	StepCoaddSpectra           ScienceStep = "coaddSpectra"
)

// ScienceStepOrder fixes the execution order of science steps.
var ScienceStepOrder = []ScienceStep{
	StepReduceExposure,
	StepMergeArms,
	StepCalculateReferenceFlux,
	StepFluxCalibrate,
	StepCoaddSpectra,
}

// KnownScienceStep reports whether name is one of the closed set of steps.
func KnownScienceStep(name string) bool {
	for _, st := range ScienceStepOrder {
		if name == string(st) {
			return true
		}
	}
	return false
}

var keyEqValueRe = regexp.MustCompile(`^[^=\-][^=]*=`)

// EnsureKeyEqValue checks that s has "key=value" form. A key starting with a
// dash is rejected because the shell would read it as another option.
func EnsureKeyEqValue(s string) (string, error) {
	if !keyEqValueRe.MatchString(s) {
		return "", fmt.Errorf("%w: %q", ErrKeyValueFormat, s)
	}
	return s, nil
}

// SourceFilter represents an "--id"-style data selector. Multiple entries
// narrow the selection: the selected set is their intersection.
type SourceFilter struct {
	IDs []string
}

// IsEmpty reports whether the filter selects everything.
func (f SourceFilter) IsEmpty() bool {
	return len(f.IDs) == 0
}

// CommandLine renders the filter as command tokens, e.g.
// ["--id", "visit=1..3", "arm=b"]. An empty filter renders no tokens.
// key replaces "id" for options like --flatId or --normId.
func (f SourceFilter) CommandLine(key string) []string {
	if len(f.IDs) == 0 {
		return nil
	}
	tokens := make([]string, 0, len(f.IDs)+1)
	tokens = append(tokens, "--"+key)
	tokens = append(tokens, f.IDs...)
	return tokens
}

// VisitValues interprets a filter whose sole entry is "visit=..." and returns
// the selected visit numbers. Used by the weekly harness to recover the visit
// list of a science block.
func (f SourceFilter) VisitValues() ([]int, error) {
	if len(f.IDs) != 1 || !strings.HasPrefix(f.IDs[0], "visit=") {
		return nil, fmt.Errorf("spec: filter %v is not a single visit=... entry", f.IDs)
	}
	return intspan.Parse(strings.TrimPrefix(f.IDs[0], "visit="))
}

// CommandConfig represents the "--config key=value ..." and
// "--configfile=path" options of an external command.
type CommandConfig struct {
	Configs    []string
	ConfigFile string
}

// CommandLine renders the config as command tokens. The configfile, when
// present, always comes first.
func (c CommandConfig) CommandLine() []string {
	var tokens []string
	if c.ConfigFile != "" {
		tokens = append(tokens, "--configfile="+c.ConfigFile)
	}
	if len(c.Configs) > 0 {
		tokens = append(tokens, "--config")
		tokens = append(tokens, c.Configs...)
	}
	return tokens
}

// InitSource describes the initial calibs that must be ingested before any
// calib block can run. The filename template contains an "{arm}" placeholder.
type InitSource struct {
	DirName        string
	DetectorMapFmt string
	Arms           []string
}

// DetectorMapName instantiates the filename template for one arm.
func (s *InitSource) DetectorMapName(arm string) string {
	return strings.ReplaceAll(s.DetectorMapFmt, "{arm}", arm)
}

// BootstrapGroup is one invocation of the bootstrap command: a single flat,
// a single arc, and the config they share.
type BootstrapGroup struct {
	Config CommandConfig
	Flat   SourceFilter
	Arc    SourceFilter
}

// CalibSource is the recipe for one calibration product inside a block.
// Which fields are meaningful depends on Type: Norm only for fiberProfiles,
// Groups only for bootstrap (which uses neither Config nor Source).
type CalibSource struct {
	Type     CalibType
	Config   CommandConfig
	Source   SourceFilter
	Validity int
	Norm     SourceFilter
	Groups   []BootstrapGroup
}

// CalibBlock is a named set of calib recipes, at most one per calib type.
type CalibBlock struct {
	Name    string
	Sources map[CalibType]*CalibSource
}

// OrderedTypes returns the calib types present in the block, re-sorted into
// canonical execution order. When requested is non-empty, only its members
// are considered; types absent from the block are silently skipped.
func (b *CalibBlock) OrderedTypes(requested []CalibType) []CalibType {
	wanted := make(map[CalibType]bool, len(requested))
	for _, ct := range requested {
		wanted[ct] = true
	}

	var ordered []CalibType
	for _, ct := range CalibTypeOrder {
		if len(requested) > 0 && !wanted[ct] {
			continue
		}
		if _, ok := b.Sources[ct]; ok {
			ordered = append(ordered, ct)
		}
	}
	return ordered
}

// ScienceBlock is a named science pipeline invocation: one shared source
// filter and a policy for every step. Policies always holds an entry for
// each member of ScienceStepOrder.
type ScienceBlock struct {
	Name     string
	Source   SourceFilter
	Policies map[ScienceStep]CommandConfig
}

// OrderedSteps returns the steps to execute in canonical order. When
// requested is non-empty, only its members are returned.
func (b *ScienceBlock) OrderedSteps(requested []ScienceStep) []ScienceStep {
	wanted := make(map[ScienceStep]bool, len(requested))
	for _, st := range requested {
		wanted[st] = true
	}

	var ordered []ScienceStep
	for _, st := range ScienceStepOrder {
		if len(requested) > 0 && !wanted[st] {
			continue
		}
		ordered = append(ordered, st)
	}
	return ordered
}

// File is a fully validated reduction-spec document.
type File struct {
	Init          *InitSource
	CalibBlocks   []*CalibBlock
	ScienceBlocks []*ScienceBlock
}

// FindCalibBlock returns the calib block with the given name, or nil.
// When the document repeats a name, the last occurrence wins.
func (f *File) FindCalibBlock(name string) *CalibBlock {
	for i := len(f.CalibBlocks) - 1; i >= 0; i-- {
		if f.CalibBlocks[i].Name == name {
			return f.CalibBlocks[i]
		}
	}
	return nil
}

// FindScienceBlock returns the science block with the given name, or nil.
// When the document repeats a name, the last occurrence wins.
func (f *File) FindScienceBlock(name string) *ScienceBlock {
	for i := len(f.ScienceBlocks) - 1; i >= 0; i-- {
		if f.ScienceBlocks[i].Name == name {
			return f.ScienceBlocks[i]
		}
	}
	return nil
}

// BlockNames lists every block name in document order, calib blocks first,
// with duplicates removed.
func (f *File) BlockNames() []string {
	var names []string
	seen := make(map[string]bool)
	for _, b := range f.CalibBlocks {
		if !seen[b.Name] {
			names = append(names, b.Name)
			seen[b.Name] = true
		}
	}
	for _, b := range f.ScienceBlocks {
		if !seen[b.Name] {
			names = append(names, b.Name)
			seen[b.Name] = true
		}
	}
	return names
}

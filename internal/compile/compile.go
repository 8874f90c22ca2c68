// ============================================================================
// Pipegen Command Compiler - Reduction Spec to Shell Script
// ============================================================================
//
// Package: internal/compile
// File: compile.go
// Purpose: Turn a loaded reduction spec into an executable shell script
//
// Compilation Flow:
//   1. Validate options and directories (nothing is written on failure)
//   2. Resolve the block selection against the spec
//   3. Write the script header (#!/bin/sh, set -eux)
//   4. Emit init ingestion, then calib blocks, then science blocks
//   5. Close the script and mark it executable
//
// Emission Rules:
//   - Calib types inside a block run in canonical order (bias, dark, flat,
//     bootstrap, fiberProfiles, detectorMap) regardless of the requested
//     order; science steps likewise.
//   - Each calib type constructs into rerun/<block>/<type>, ingests the
//     products from there, and optionally removes the byproducts.
//   - Calib ingestion always raises on error. A calib that silently failed
//     to register would poison every later block.
//   - Science steps share one rerun (<rerun>/pipeline) so that later steps
//     can read earlier steps' outputs.
//
// ============================================================================

package compile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spectra-drp/pipegen/internal/metrics"
	"github.com/spectra-drp/pipegen/internal/spec"
)

// Options control what the compiler emits. The zero value is not usable;
// call New which fills in the defaults.
type Options struct {
	// DataDir is the root of the data repository.
	DataDir string

	// Calib is the calibration directory. Empty means DataDir/CALIB.
	Calib string

	// Rerun names the rerun under which outputs are grouped.
	Rerun string

	// Blocks selects the blocks to compile. Nil means every block in the
	// spec; an explicit empty slice means none.
	Blocks []string

	// CalibTypes restricts calib blocks to the given types. Empty means all.
	CalibTypes []spec.CalibType

	// ScienceSteps restricts science blocks to the given steps. Empty means all.
	ScienceSteps []spec.ScienceStep

	// Processes is the parallelism passed to the emitted commands.
	Processes int

	// CopyMode says how ingested files enter the calib directory
	// (copy, link, move, or skip).
	CopyMode string

	// Init prepends ingestion of the spec's initial detector maps.
	Init bool

	// Clean removes construction byproducts after each ingestion.
	Clean bool

	// Devel runs the emitted commands without version checks.
	Devel bool

	// Force downgrades recoverable problems from errors to warnings.
	Force bool

	// OverwriteCalib clobbers existing calib registry entries on ingestion.
	OverwriteCalib bool

	// AllowErrors lets emitted commands continue past failures.
	AllowErrors bool
}

// Compiler emits shell scripts from reduction specs.
type Compiler struct {
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Collector
}

// New builds a Compiler. collector may be nil when no metrics are wanted.
func New(opts Options, collector *metrics.Collector) *Compiler {
	if opts.Processes <= 0 {
		opts.Processes = 1
	}
	if opts.CopyMode == "" {
		opts.CopyMode = "copy"
	}
	if opts.Rerun == "" {
		opts.Rerun = "noname"
	}
	return &Compiler{
		opts:    opts,
		logger:  slog.With("component", "compile"),
		metrics: collector,
	}
}

// Compile writes the shell script for file to output and marks it
// executable. All validation happens before the output file is created, so
// a failed compilation leaves nothing behind.
func (c *Compiler) Compile(file *spec.File, output string) error {
	start := time.Now()

	if c.opts.Clean && c.opts.CopyMode == "link" {
		return ErrCleanLinkedCalibs
	}

	dataDir, err := filepath.Abs(c.opts.DataDir)
	if err != nil {
		return fmt.Errorf("failed to resolve data directory: %w", err)
	}
	if _, err := os.Stat(dataDir); err != nil {
		if !c.opts.Force {
			return fmt.Errorf("compile: data directory %q does not exist", dataDir)
		}
		c.logger.Warn("Data directory does not exist", "dir", dataDir)
		c.metrics.WarningIssued()
	}

	calib := c.opts.Calib
	if calib == "" {
		calib = filepath.Join(dataDir, "CALIB")
	} else if calib, err = filepath.Abs(calib); err != nil {
		return fmt.Errorf("failed to resolve calib directory: %w", err)
	}
	if _, err := os.Stat(calib); err != nil && !c.opts.Init {
		if !c.opts.Force {
			return fmt.Errorf(
				"compile: calib directory %q does not exist (to start without this directory, use the init option)",
				calib)
		}
		c.logger.Warn("Calib directory does not exist (to start without this directory, use the init option)",
			"dir", calib)
		c.metrics.WarningIssued()
	}

	possible := file.BlockNames()
	blocks := c.opts.Blocks
	if blocks == nil {
		blocks = possible
	}

	known := make(map[string]bool, len(possible))
	for _, name := range possible {
		known[name] = true
	}
	var unknown []string
	for _, name := range blocks {
		if !known[name] {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		if c.opts.Force {
			c.logger.Warn("Unrecognised blocks", "blocks", unknown)
			c.metrics.WarningIssued()
		}
		c.logger.Info("Some blocks are not recognised", "possible", possible)
		if !c.opts.Force {
			return fmt.Errorf("%w: %v", ErrUnknownBlocks, unknown)
		}
	}

	if c.opts.Init && file.Init == nil {
		return ErrNoInitSource
	}

	s, err := createScript(output)
	if err != nil {
		return err
	}
	c.logger.Info("Start writing shell commands", "path", output)

	s.Line("#!/bin/sh")
	if c.opts.AllowErrors {
		s.Line("set -ux")
	} else {
		s.Line("set -eux")
	}

	if c.opts.Init {
		c.writeInit(s, file.Init, dataDir, calib)
	}

	for _, name := range blocks {
		if block := file.FindCalibBlock(name); block != nil {
			c.writeCalibBlock(s, block, dataDir, calib)
		}
	}
	for _, name := range blocks {
		if block := file.FindScienceBlock(name); block != nil {
			c.writeScienceBlock(s, block, dataDir, calib)
		}
	}

	c.logger.Info("End writing shell commands", "path", output)
	if err := s.Close(); err != nil {
		return fmt.Errorf("failed to finalize output script: %w", err)
	}

	c.metrics.CommandsEmitted(s.commands)
	c.metrics.ObserveCompileDuration(time.Since(start))
	c.logger.Info("Compilation completed", "path", output, "commands", s.commands)
	return nil
}

// writeCalibBlock emits construct, ingest and optional clean commands for
// every selected calib type of the block, in canonical order.
func (c *Compiler) writeCalibBlock(s *scriptWriter, block *spec.CalibBlock, dataDir, calib string) {
	c.logger.Info("Processing calib block", "block", block.Name)
	c.metrics.BlockProcessed("calib")

	for _, calibType := range block.OrderedTypes(c.opts.CalibTypes) {
		src := block.Sources[calibType]
		rerun := c.opts.Rerun + "/" + block.Name + "/" + string(calibType)
		c.writeCalibSource(s, src, dataDir, calib, rerun)
		c.writeIngest(s, src, dataDir, calib, rerun)
		if c.opts.Clean {
			c.writeClean(s, dataDir, rerun)
		}
	}
}

// writeScienceBlock emits one command per selected science step. All steps
// of all science blocks share a single rerun.
func (c *Compiler) writeScienceBlock(s *scriptWriter, block *spec.ScienceBlock, dataDir, calib string) {
	c.logger.Info("Processing science block", "block", block.Name)
	c.metrics.BlockProcessed("science")

	rerun := c.opts.Rerun + "/pipeline"
	for _, step := range block.OrderedSteps(c.opts.ScienceSteps) {
		args := c.constructArgs(scienceCommands[step], dataDir, calib, rerun, false)
		args = append(args, block.Source.CommandLine("id")...)
		args = append(args, block.Policies[step].CommandLine()...)
		s.Command(args...)
	}
}

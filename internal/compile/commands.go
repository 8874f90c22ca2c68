package compile

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spectra-drp/pipegen/internal/spec"
)

// calibCommand describes how one calib type turns into commands. The set
// of types is fixed, so dispatch is a plain table.
type calibCommand struct {
	command      string
	batchPool    bool   // scales with --batch-type=smp --cores=N, not -jN
	outputSubdir string // products land under rerun/<rerun>/<subdir>
	overwrite    bool   // ingestion always clobbers older entries
}

var calibCommands = map[spec.CalibType]calibCommand{
	spec.CalibBias: {
		command: "constructBias.py", batchPool: true, outputSubdir: "BIAS",
	},
	spec.CalibDark: {
		command: "constructDark.py", batchPool: true, outputSubdir: "DARK",
	},
	spec.CalibFlat: {
		command: "constructFiberFlat.py", batchPool: true, outputSubdir: "FLAT",
	},
	spec.CalibBootstrap: {
		command: "bootstrapDetectorMap.py", outputSubdir: "DETECTORMAP", overwrite: true,
	},
	spec.CalibFiberProfiles: {
		command: "reduceProfiles.py", outputSubdir: "FIBERPROFILES",
	},
	spec.CalibDetectorMap: {
		command: "reduceArc.py", outputSubdir: "DETECTORMAP", overwrite: true,
	},
}

var scienceCommands = map[spec.ScienceStep]string{
	spec.StepReduceExposure:         "reduceExposure.py",
	spec.StepMergeArms:              "mergeArms.py",
	spec.StepCalculateReferenceFlux: "calculateReferenceFlux.py",
	spec.StepFluxCalibrate:          "fluxCalibrate.py",
	spec.StepCoaddSpectra:           "coaddSpectra.py",
}

const ingestCommand = "ingestCalibs.py"

func developmentOptions() []string {
	return []string{"--no-versions", "--clobber-config"}
}

// constructArgs assembles the front of every construction command: the
// executable, the repository root, output locations and execution flags.
func (c *Compiler) constructArgs(command, dataDir, calib, rerun string, batchPool bool) []string {
	args := []string{
		command,
		dataDir,
		"--calib=" + calib,
		"--rerun=" + rerun,
		"--longlog=1",
	}
	if batchPool {
		args = append(args, "--batch-type=smp", fmt.Sprintf("--cores=%d", c.opts.Processes))
	} else {
		args = append(args, fmt.Sprintf("-j%d", c.opts.Processes))
	}
	if !c.opts.AllowErrors {
		args = append(args, "--doraise")
	}
	if c.opts.Devel {
		args = append(args, developmentOptions()...)
	}
	return args
}

// writeCalibSource emits the construction command(s) for one calib source.
func (c *Compiler) writeCalibSource(s *scriptWriter, src *spec.CalibSource, dataDir, calib, rerun string) {
	cmd := calibCommands[src.Type]

	if src.Type == spec.CalibBootstrap {
		// Bootstrapping runs once per flat/arc pair.
		for _, group := range src.Groups {
			args := c.constructArgs(cmd.command, dataDir, calib, rerun, false)
			args = append(args, group.Flat.CommandLine("flatId")...)
			args = append(args, group.Arc.CommandLine("arcId")...)
			args = append(args, group.Config.CommandLine()...)
			s.Command(args...)
		}
		return
	}

	args := c.constructArgs(cmd.command, dataDir, calib, rerun, cmd.batchPool)
	args = append(args, src.Source.CommandLine("id")...)
	args = append(args, src.Config.CommandLine()...)
	if src.Type == spec.CalibFiberProfiles {
		args = append(args, src.Norm.CommandLine("normId")...)
	}
	s.Command(args...)
}

// writeIngest emits the command that moves a constructed calib into the
// calibration registry. Ingestion always raises on error: a calib that
// silently failed to register would poison every later block.
func (c *Compiler) writeIngest(s *scriptWriter, src *spec.CalibSource, dataDir, calib, rerun string) {
	cmd := calibCommands[src.Type]

	args := []string{
		ingestCommand,
		dataDir,
		"--output=" + calib,
		fmt.Sprintf("--validity=%d", src.Validity),
		"--longlog=1",
		"--mode=" + c.opts.CopyMode,
		"--doraise",
	}
	if c.opts.OverwriteCalib || cmd.overwrite {
		args = append(args, "--config", "clobber=True")
	}

	fileDir := filepath.Join(dataDir, "rerun", rerun, cmd.outputSubdir)
	s.CommandText(shellJoin(args) + " -- " + shellQuote(fileDir) + "/*.fits")
}

// writeClean emits the removal of a rerun's byproducts.
func (c *Compiler) writeClean(s *scriptWriter, dataDir, rerun string) {
	s.Command("rm", "-r", "-f", filepath.Join(dataDir, "rerun", rerun))
}

// writeInit emits the bootstrap ingestion of the initial detector maps.
func (c *Compiler) writeInit(s *scriptWriter, init *spec.InitSource, dataDir, calib string) {
	initDir := resolveInitDir(dataDir, init.DirName)
	c.logger.Info("Reading init files", "dir", initDir)

	args := []string{
		ingestCommand,
		dataDir,
		"--output=" + calib,
		fmt.Sprintf("--validity=%d", spec.DefaultCalibValidity),
		"--create",
		"--longlog=1",
		"--mode=copy",
	}
	if !c.opts.AllowErrors {
		args = append(args, "--doraise")
	}
	args = append(args, "--")
	for _, arm := range init.Arms {
		args = append(args, filepath.Join(initDir, init.DetectorMapName(arm)))
	}

	s.Command(args...)
}

// resolveInitDir expands environment variables in dirName and anchors the
// result at dataDir unless the expansion is already absolute.
func resolveInitDir(dataDir, dirName string) string {
	expanded := os.ExpandEnv(dirName)
	if filepath.IsAbs(expanded) {
		return expanded
	}
	return filepath.Join(dataDir, expanded)
}

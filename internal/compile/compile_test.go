package compile

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spectra-drp/pipegen/internal/metrics"
	"github.com/spectra-drp/pipegen/internal/spec"
)

func defaultPolicies() map[spec.ScienceStep]spec.CommandConfig {
	policies := make(map[spec.ScienceStep]spec.CommandConfig, len(spec.ScienceStepOrder))
	for _, step := range spec.ScienceStepOrder {
		policies[step] = spec.CommandConfig{}
	}
	return policies
}

// calibFixture covers one calib block (bias + detectorMap) and one science
// block, enough to exercise ordering between and within block kinds.
func calibFixture() *spec.File {
	return &spec.File{
		CalibBlocks: []*spec.CalibBlock{{
			Name: "brn",
			Sources: map[spec.CalibType]*spec.CalibSource{
				spec.CalibBias: {
					Type:     spec.CalibBias,
					Source:   spec.SourceFilter{IDs: []string{"visit=1..3", "arm=b"}},
					Validity: spec.DefaultCalibValidity,
				},
				spec.CalibDetectorMap: {
					Type:     spec.CalibDetectorMap,
					Source:   spec.SourceFilter{IDs: []string{"visit=4..6", "arm=b"}},
					Validity: spec.DefaultCalibValidity,
				},
			},
		}},
		ScienceBlocks: []*spec.ScienceBlock{{
			Name:     "object",
			Source:   spec.SourceFilter{IDs: []string{"visit=100..102"}},
			Policies: defaultPolicies(),
		}},
	}
}

func testOptions(t *testing.T) Options {
	t.Helper()
	dataDir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dataDir, "CALIB"), 0o755))
	return Options{DataDir: dataDir, Rerun: "testrun", Processes: 2}
}

func compileString(t *testing.T, opts Options, file *spec.File) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "out.sh")
	require.NoError(t, New(opts, nil).Compile(file, path))
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(content)
}

func lineIndex(t *testing.T, script, substr string) int {
	t.Helper()
	idx := strings.Index(script, substr)
	require.GreaterOrEqual(t, idx, 0, "script should contain %q", substr)
	return idx
}

func TestCompileScriptHeader(t *testing.T) {
	opts := testOptions(t)
	script := compileString(t, opts, calibFixture())

	lines := strings.Split(script, "\n")
	require.GreaterOrEqual(t, len(lines), 2)
	assert.Equal(t, "#!/bin/sh", lines[0])
	assert.Equal(t, "set -eux", lines[1], "errors should abort the script by default")

	opts.AllowErrors = true
	script = compileString(t, opts, calibFixture())
	assert.Equal(t, "set -ux", strings.Split(script, "\n")[1],
		"allowed errors should drop the -e flag")
}

func TestCompileEmitsCalibBlock(t *testing.T) {
	opts := testOptions(t)
	dataDir := opts.DataDir
	calib := filepath.Join(dataDir, "CALIB")
	script := compileString(t, opts, calibFixture())

	construct := fmt.Sprintf(
		"constructBias.py %s --calib=%s --rerun=testrun/brn/bias --longlog=1"+
			" --batch-type=smp --cores=2 --doraise --id visit=1..3 arm=b",
		dataDir, calib)
	ingest := fmt.Sprintf(
		"ingestCalibs.py %s --output=%s --validity=1800 --longlog=1 --mode=copy"+
			" --doraise -- %s/rerun/testrun/brn/bias/BIAS/*.fits",
		dataDir, calib, dataDir)
	assert.Contains(t, script, construct+"\n")
	assert.Contains(t, script, ingest+"\n")
	assert.Less(t, lineIndex(t, script, construct), lineIndex(t, script, ingest),
		"a calib must be constructed before it is ingested")

	// detectorMap runs per-process parallelism and always clobbers on ingestion
	assert.Contains(t, script, fmt.Sprintf(
		"reduceArc.py %s --calib=%s --rerun=testrun/brn/detectorMap --longlog=1"+
			" -j2 --doraise --id visit=4..6 arm=b\n",
		dataDir, calib))
	assert.Contains(t, script, fmt.Sprintf(
		"ingestCalibs.py %s --output=%s --validity=1800 --longlog=1 --mode=copy"+
			" --doraise --config clobber=True -- %s/rerun/testrun/brn/detectorMap/DETECTORMAP/*.fits\n",
		dataDir, calib, dataDir))
}

func TestCompileCanonicalCalibOrder(t *testing.T) {
	opts := testOptions(t)
	opts.CalibTypes = []spec.CalibType{spec.CalibDetectorMap, spec.CalibBias}
	script := compileString(t, opts, calibFixture())

	assert.Less(t,
		lineIndex(t, script, "constructBias.py"),
		lineIndex(t, script, "reduceArc.py"),
		"bias must run before detectorMap no matter the requested order")

	opts.CalibTypes = []spec.CalibType{spec.CalibBias}
	script = compileString(t, opts, calibFixture())
	assert.NotContains(t, script, "reduceArc.py",
		"unselected calib types should not be emitted")
}

func TestCompileScienceSteps(t *testing.T) {
	opts := testOptions(t)
	dataDir := opts.DataDir
	calib := filepath.Join(dataDir, "CALIB")
	script := compileString(t, opts, calibFixture())

	previous := -1
	for _, command := range []string{
		"reduceExposure.py",
		"mergeArms.py",
		"calculateReferenceFlux.py",
		"fluxCalibrate.py",
		"coaddSpectra.py",
	} {
		idx := lineIndex(t, script, command)
		assert.Greater(t, idx, previous, "science steps should run in pipeline order")
		previous = idx
	}

	assert.Contains(t, script, fmt.Sprintf(
		"reduceExposure.py %s --calib=%s --rerun=testrun/pipeline --longlog=1"+
			" -j2 --doraise --id visit=100..102\n",
		dataDir, calib),
		"science steps share the pipeline rerun")

	opts.ScienceSteps = []spec.ScienceStep{spec.StepMergeArms}
	script = compileString(t, opts, calibFixture())
	assert.Contains(t, script, "mergeArms.py")
	assert.NotContains(t, script, "reduceExposure.py")
}

func TestCompileCalibBeforeScience(t *testing.T) {
	opts := testOptions(t)
	opts.Blocks = []string{"object", "brn"}
	script := compileString(t, opts, calibFixture())

	assert.Less(t,
		lineIndex(t, script, "constructBias.py"),
		lineIndex(t, script, "reduceExposure.py"),
		"calib blocks run before science blocks even when requested last")
}

func TestCompileClean(t *testing.T) {
	opts := testOptions(t)
	opts.Clean = true
	script := compileString(t, opts, calibFixture())

	clean := fmt.Sprintf("rm -r -f %s/rerun/testrun/brn/bias", opts.DataDir)
	assert.Contains(t, script, clean+"\n")
	assert.Less(t,
		lineIndex(t, script, "/BIAS/*.fits"),
		lineIndex(t, script, clean),
		"byproducts are removed only after ingestion")
}

func TestCompileCleanWithLinkedCalibs(t *testing.T) {
	opts := testOptions(t)
	opts.Clean = true
	opts.CopyMode = "link"

	path := filepath.Join(t.TempDir(), "out.sh")
	err := New(opts, nil).Compile(calibFixture(), path)
	assert.ErrorIs(t, err, ErrCleanLinkedCalibs)
	assert.NoFileExists(t, path, "a failed compilation must not leave an output file")
}

func TestCompileUnknownBlocks(t *testing.T) {
	opts := testOptions(t)
	opts.Blocks = []string{"nope"}

	path := filepath.Join(t.TempDir(), "out.sh")
	err := New(opts, nil).Compile(calibFixture(), path)
	assert.ErrorIs(t, err, ErrUnknownBlocks)
	assert.ErrorContains(t, err, "nope")
	assert.NoFileExists(t, path)

	opts.Force = true
	script := compileString(t, opts, calibFixture())
	assert.NotContains(t, script, "constructBias.py",
		"forced unknown blocks should compile to an empty script")
}

func TestCompileMissingDataDir(t *testing.T) {
	opts := testOptions(t)
	opts.DataDir = filepath.Join(t.TempDir(), "missing")

	path := filepath.Join(t.TempDir(), "out.sh")
	err := New(opts, nil).Compile(calibFixture(), path)
	assert.ErrorContains(t, err, "does not exist")
	assert.NoFileExists(t, path)

	opts.Force = true
	script := compileString(t, opts, calibFixture())
	assert.Contains(t, script, "constructBias.py",
		"force should compile against a repository that does not exist yet")
}

func TestCompileMissingCalibDir(t *testing.T) {
	opts := Options{DataDir: t.TempDir(), Rerun: "testrun", Processes: 2}

	path := filepath.Join(t.TempDir(), "out.sh")
	err := New(opts, nil).Compile(calibFixture(), path)
	assert.ErrorContains(t, err, "use the init option")
	assert.NoFileExists(t, path)
}

func TestCompileInitRequiresInitSection(t *testing.T) {
	opts := testOptions(t)
	opts.Init = true

	path := filepath.Join(t.TempDir(), "out.sh")
	err := New(opts, nil).Compile(calibFixture(), path)
	assert.ErrorIs(t, err, ErrNoInitSource)
	assert.NoFileExists(t, path)
}

func TestCompileInitCommand(t *testing.T) {
	opts := testOptions(t)
	opts.Init = true
	dataDir := opts.DataDir
	calib := filepath.Join(dataDir, "CALIB")

	file := calibFixture()
	file.Init = &spec.InitSource{
		DirName:        "maps",
		DetectorMapFmt: "detectorMap-sim-{arm}.fits",
		Arms:           []string{"b", "r"},
	}
	script := compileString(t, opts, file)

	want := fmt.Sprintf(
		"ingestCalibs.py %s --output=%s --validity=1800 --create --longlog=1 --mode=copy"+
			" --doraise -- %s/maps/detectorMap-sim-b.fits %s/maps/detectorMap-sim-r.fits",
		dataDir, calib, dataDir, dataDir)
	assert.Contains(t, script, want+"\n")
	assert.Less(t, lineIndex(t, script, want), lineIndex(t, script, "constructBias.py"),
		"initial calibs must be ingested before any block runs")
}

func TestCompileInitAbsoluteDir(t *testing.T) {
	mapDir := t.TempDir()
	t.Setenv("PIPEGEN_TEST_INIT", mapDir)

	opts := testOptions(t)
	opts.Init = true

	file := calibFixture()
	file.Init = &spec.InitSource{
		DirName:        "$PIPEGEN_TEST_INIT",
		DetectorMapFmt: "detectorMap-sim-{arm}.fits",
		Arms:           []string{"n"},
	}
	script := compileString(t, opts, file)

	assert.Contains(t, script, mapDir+"/detectorMap-sim-n.fits",
		"an absolute init directory should not be anchored at the data directory")
	assert.NotContains(t, script, opts.DataDir+mapDir)
}

func TestCompileBootstrapGroups(t *testing.T) {
	opts := testOptions(t)
	dataDir := opts.DataDir
	calib := filepath.Join(dataDir, "CALIB")

	file := &spec.File{
		CalibBlocks: []*spec.CalibBlock{{
			Name: "boot",
			Sources: map[spec.CalibType]*spec.CalibSource{
				spec.CalibBootstrap: {
					Type:     spec.CalibBootstrap,
					Validity: 30,
					Groups: []spec.BootstrapGroup{
						{
							Flat:   spec.SourceFilter{IDs: []string{"visit=1"}},
							Arc:    spec.SourceFilter{IDs: []string{"visit=2"}},
							Config: spec.CommandConfig{ConfigFile: "boot.py"},
						},
						{
							Flat: spec.SourceFilter{IDs: []string{"visit=3"}},
							Arc:  spec.SourceFilter{IDs: []string{"visit=4"}},
						},
					},
				},
			},
		}},
	}
	script := compileString(t, opts, file)

	assert.Contains(t, script, fmt.Sprintf(
		"bootstrapDetectorMap.py %s --calib=%s --rerun=testrun/boot/bootstrap --longlog=1"+
			" -j2 --doraise --flatId visit=1 --arcId visit=2 --configfile=boot.py\n",
		dataDir, calib))
	assert.Contains(t, script, fmt.Sprintf(
		"bootstrapDetectorMap.py %s --calib=%s --rerun=testrun/boot/bootstrap --longlog=1"+
			" -j2 --doraise --flatId visit=3 --arcId visit=4\n",
		dataDir, calib))

	// One ingestion covers all groups, honours the validity, and clobbers
	assert.Contains(t, script, fmt.Sprintf(
		"ingestCalibs.py %s --output=%s --validity=30 --longlog=1 --mode=copy"+
			" --doraise --config clobber=True -- %s/rerun/testrun/boot/bootstrap/DETECTORMAP/*.fits\n",
		dataDir, calib, dataDir))
	assert.Equal(t, 1, strings.Count(script, "ingestCalibs.py"))
}

func TestCompileFiberProfilesNorm(t *testing.T) {
	opts := testOptions(t)
	dataDir := opts.DataDir
	calib := filepath.Join(dataDir, "CALIB")

	file := &spec.File{
		CalibBlocks: []*spec.CalibBlock{{
			Name: "fp",
			Sources: map[spec.CalibType]*spec.CalibSource{
				spec.CalibFiberProfiles: {
					Type:     spec.CalibFiberProfiles,
					Source:   spec.SourceFilter{IDs: []string{"visit=10..12", "arm=b"}},
					Config:   spec.CommandConfig{Configs: []string{"profiles.oversample=10"}},
					Norm:     spec.SourceFilter{IDs: []string{"visit=20", "arm=b"}},
					Validity: spec.DefaultCalibValidity,
				},
			},
		}},
	}
	script := compileString(t, opts, file)

	assert.Contains(t, script, fmt.Sprintf(
		"reduceProfiles.py %s --calib=%s --rerun=testrun/fp/fiberProfiles --longlog=1"+
			" -j2 --doraise --id visit=10..12 arm=b --config profiles.oversample=10"+
			" --normId visit=20 arm=b\n",
		dataDir, calib),
		"the normalization selection comes last on the command line")
	assert.Contains(t, script, "/rerun/testrun/fp/fiberProfiles/FIBERPROFILES/*.fits")
}

func TestCompileOverwriteCalib(t *testing.T) {
	opts := testOptions(t)
	opts.OverwriteCalib = true
	script := compileString(t, opts, calibFixture())

	ingest := lineIndex(t, script, "/BIAS/*.fits")
	start := strings.LastIndex(script[:ingest], "\n") + 1
	assert.Contains(t, script[start:ingest], "--config clobber=True",
		"overwrite should clobber even calib types that normally do not")
}

func TestCompileDevelOptions(t *testing.T) {
	opts := testOptions(t)
	opts.Devel = true
	script := compileString(t, opts, calibFixture())

	assert.Contains(t, script, "--doraise --no-versions --clobber-config --id")
}

func TestCompileAllowErrors(t *testing.T) {
	opts := testOptions(t)
	opts.AllowErrors = true
	script := compileString(t, opts, calibFixture())

	construct := script[lineIndex(t, script, "constructBias.py"):]
	construct = construct[:strings.Index(construct, "\n")]
	assert.NotContains(t, construct, "--doraise",
		"constructions must tolerate errors when asked to")

	ingest := script[lineIndex(t, script, "ingestCalibs.py"):]
	ingest = ingest[:strings.Index(ingest, "\n")]
	assert.Contains(t, ingest, "--doraise",
		"calib ingestion always raises, a silently missing calib poisons later blocks")
}

func TestCompileQuotesArguments(t *testing.T) {
	opts := testOptions(t)

	file := calibFixture()
	file.CalibBlocks[0].Sources[spec.CalibBias].Config = spec.CommandConfig{
		Configs: []string{"isr.darkList=dark one.fits"},
	}
	script := compileString(t, opts, file)

	assert.Contains(t, script, "--config 'isr.darkList=dark one.fits'")
}

func TestCompileRecordsMetrics(t *testing.T) {
	opts := testOptions(t)
	collector := metrics.NewCollector()

	path := filepath.Join(t.TempDir(), "out.sh")
	require.NoError(t, New(opts, collector).Compile(calibFixture(), path))

	metricsPath := filepath.Join(t.TempDir(), "pipegen.prom")
	require.NoError(t, collector.WriteToTextfile(metricsPath))
	content, err := os.ReadFile(metricsPath)
	require.NoError(t, err)

	// bias and detectorMap each construct + ingest, plus five science steps
	assert.Contains(t, string(content), "pipegen_commands_emitted_total 9")
	assert.Contains(t, string(content), `pipegen_blocks_processed_total{kind="calib"} 1`)
	assert.Contains(t, string(content), `pipegen_blocks_processed_total{kind="science"} 1`)
}

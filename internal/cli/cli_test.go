package cli

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildCLIStructure(t *testing.T) {
	root := BuildCLI()

	assert.NotNil(t, root, "BuildCLI should return a non-nil command")
	assert.Equal(t, "pipegen", root.Name(), "Root command should be 'pipegen'")
	assert.Equal(t, "1.0.0", root.Version)

	commandNames := make(map[string]bool)
	for _, c := range root.Commands() {
		commandNames[c.Name()] = true
	}
	for _, want := range []string{"spec", "compile", "expand", "notify", "trigger"} {
		assert.True(t, commandNames[want], "Should have %q command", want)
	}

	levelFlag := root.PersistentFlags().Lookup("log-level")
	require.NotNil(t, levelFlag, "Should have --log-level flag")
	assert.Equal(t, "L", levelFlag.Shorthand)
	assert.Equal(t, "info", levelFlag.DefValue)
}

func TestNewLoggerLevels(t *testing.T) {
	ctx := context.Background()

	debug := newLogger("debug", "text", io.Discard)
	assert.True(t, debug.Enabled(ctx, slog.LevelDebug))

	errOnly := newLogger("error", "text", io.Discard)
	assert.False(t, errOnly.Enabled(ctx, slog.LevelInfo))
	assert.True(t, errOnly.Enabled(ctx, slog.LevelError))

	fallback := newLogger("verbose", "text", io.Discard)
	assert.False(t, fallback.Enabled(ctx, slog.LevelDebug), "unknown level should fall back to info")
	assert.True(t, fallback.Enabled(ctx, slog.LevelInfo))
}

func TestNewLoggerFormats(t *testing.T) {
	var jsonBuf bytes.Buffer
	newLogger("info", "json", &jsonBuf).Info("Ping")
	assert.Contains(t, jsonBuf.String(), `"msg":"Ping"`)

	var textBuf bytes.Buffer
	newLogger("info", "text", &textBuf).Info("Ping")
	assert.Contains(t, textBuf.String(), "msg=Ping")
}

func TestBuildCriteria(t *testing.T) {
	cmd := buildSpecCommand()
	require.NoError(t, cmd.Flags().Set("visit-start", "123"))

	criteria, err := buildCriteria(cmd, "2026-08-01", "2026-08-08", 123, 0)
	require.NoError(t, err)

	require.NotNil(t, criteria.DateStart)
	assert.Equal(t, "2026-08-01", criteria.DateStart.Format("2006-01-02"))
	require.NotNil(t, criteria.DateEnd)
	assert.Equal(t, "2026-08-08", criteria.DateEnd.Format("2006-01-02"))

	require.NotNil(t, criteria.VisitStart)
	assert.Equal(t, 123, *criteria.VisitStart)
	assert.Nil(t, criteria.VisitEnd, "an untouched flag should leave the bound open")
}

func TestBuildCriteriaBadDate(t *testing.T) {
	cmd := buildSpecCommand()
	_, err := buildCriteria(cmd, "not-a-date", "", 0, 0)
	assert.Error(t, err)
}

func TestValidCopyMode(t *testing.T) {
	for _, mode := range []string{"move", "copy", "link", "skip"} {
		assert.True(t, validCopyMode(mode), mode)
	}
	assert.False(t, validCopyMode("teleport"))
	assert.False(t, validCopyMode(""))
}

func TestParseCalibTypes(t *testing.T) {
	parsed, err := parseCalibTypes([]string{"bias", "detectorMap"})
	require.NoError(t, err)
	require.Len(t, parsed, 2)
	assert.Equal(t, "bias", string(parsed[0]))

	_, err = parseCalibTypes([]string{"bias", "sausage"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sausage")
	assert.Contains(t, err.Error(), "bootstrap", "the error should list the known types")
}

func TestParseScienceSteps(t *testing.T) {
	parsed, err := parseScienceSteps([]string{"mergeArms"})
	require.NoError(t, err)
	require.Len(t, parsed, 1)

	_, err = parseScienceSteps([]string{"polish"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "polish")
}

// runCLI executes the command tree with the given arguments and returns
// captured stdout along with the execution error.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := BuildCLI()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestExpandCommand(t *testing.T) {
	out, err := runCLI(t, "expand", "1..3^7")
	require.NoError(t, err)
	assert.Equal(t, "1\n2\n3\n7\n", out)
}

func TestExpandCommandBadExpression(t *testing.T) {
	_, err := runCLI(t, "expand", "1..")
	assert.Error(t, err)
}

func TestSpecCommandRequiresDatabase(t *testing.T) {
	_, err := runCLI(t, "spec", filepath.Join(t.TempDir(), "out.yaml"), "--db", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "observation database URL")
}

func TestCompileCommandRejectsBadFlags(t *testing.T) {
	_, err := runCLI(t, "compile", "/data", "weekly.yaml", "run.sh",
		"--copy-mode", "teleport")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid copy mode")

	_, err = runCLI(t, "compile", "/data", "weekly.yaml", "run.sh",
		"--calib-types", "sausage")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown calib type")

	_, err = runCLI(t, "compile", "/data", "weekly.yaml", "run.sh",
		"--science-steps", "polish")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown science step")
}

func TestCompileCommandEndToEnd(t *testing.T) {
	dataDir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dataDir, "CALIB"), 0o755))

	specPath := filepath.Join(t.TempDir(), "weekly.yaml")
	doc := `
calibBlock:
  - name: brn
    bias:
      id: "visit=1..3"
scienceBlock:
  - name: object
    id: "visit=100..102"
`
	require.NoError(t, os.WriteFile(specPath, []byte(doc), 0o644))

	output := filepath.Join(t.TempDir(), "run.sh")
	metricsFile := filepath.Join(t.TempDir(), "metrics.prom")
	_, err := runCLI(t, "compile", dataDir, specPath, output,
		"--rerun", "wk34", "-j", "4", "--metrics-file", metricsFile)
	require.NoError(t, err)

	script, readErr := os.ReadFile(output)
	require.NoError(t, readErr)
	assert.Contains(t, string(script), "#!/bin/sh")
	assert.Contains(t, string(script), "constructBias.py")
	assert.Contains(t, string(script), "--rerun=wk34/brn/bias")
	assert.Contains(t, string(script), "reduceExposure.py")

	prom, readErr := os.ReadFile(metricsFile)
	require.NoError(t, readErr)
	assert.Contains(t, string(prom), "pipegen_commands_emitted_total")
}

func TestCompileCommandMissingSpecFile(t *testing.T) {
	dataDir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dataDir, "CALIB"), 0o755))

	_, err := runCLI(t, "compile", dataDir,
		filepath.Join(t.TempDir(), "missing.yaml"),
		filepath.Join(t.TempDir(), "run.sh"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load spec")
}

func TestNotifyCommandRequiresChannel(t *testing.T) {
	_, err := runCLI(t, "notify", "--message", "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nothing to notify")
}

func TestTriggerCommandRequiresFlags(t *testing.T) {
	_, err := runCLI(t, "trigger", "https://ci.example.org/job")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")
}

func TestTriggerCommandRejectsBadParam(t *testing.T) {
	_, err := runCLI(t, "trigger", "https://ci.example.org/job",
		"--job-token", "tok", "--auth-file", "/dev/null", "--user", "pfs",
		"--param", "no-equals-sign", "--disable")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not key=value")
}

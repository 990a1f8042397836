package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collvet/collvet/internal/harness"
	"github.com/collvet/collvet/internal/store"
)

// clearLauncherEnv keeps launcher variables from the surrounding
// environment out of rank resolution.
func clearLauncherEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{"RANK", "WORLD_SIZE", "OMPI_COMM_WORLD_RANK", "OMPI_COMM_WORLD_SIZE"} {
		t.Setenv(name, "")
	}
}

func TestVerifySimulation(t *testing.T) {
	clearLauncherEnv(t)

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewVerifyCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"-s", "--world", "2"})

	err := cmd.Execute()
	require.NoError(t, err)

	assert.Contains(t, buf.String(), harness.VerdictSuccess)
}

func TestVerifySimulationJSON(t *testing.T) {
	clearLauncherEnv(t)

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "json"}
	cmd := NewVerifyCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"-s", "--world", "2", "--run-id", "json-run"})

	err := cmd.Execute()
	require.NoError(t, err)

	var resp CLIResponse
	err = json.Unmarshal(buf.Bytes(), &resp)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Status)

	data, ok := resp.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "json-run", data["run_id"])
	assert.Equal(t, float64(2), data["world"])
	assert.Equal(t, float64(0), data["errors"])
	assert.Contains(t, data["verdict"], "Successfully")

	reports, ok := data["reports"].([]interface{})
	require.True(t, ok)
	assert.Len(t, reports, 2)
}

func TestVerifySimulationStoresReports(t *testing.T) {
	clearLauncherEnv(t)

	dbPath := filepath.Join(t.TempDir(), "results.db")

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewVerifyCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"-s", "--world", "2", "--results-db", dbPath, "--run-id", "sim-run-1"})

	err := cmd.Execute()
	require.NoError(t, err)
	assert.Contains(t, buf.String(), harness.VerdictSuccess)

	st, err := store.Open(dbPath)
	require.NoError(t, err)
	defer st.Close()

	runs, err := st.ListRuns(context.Background())
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "sim-run-1", runs[0].RunID)
	assert.Equal(t, 2, runs[0].Ranks)
	assert.Equal(t, 0, runs[0].Errors)

	reports, err := st.ReadRun(context.Background(), "sim-run-1")
	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.Equal(t, 0, reports[0].Rank)
	assert.Equal(t, 1, reports[1].Rank)
}

func TestVerifyNegotiatesRunID(t *testing.T) {
	clearLauncherEnv(t)

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "json"}
	cmd := NewVerifyCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"-s", "--world", "3"})

	err := cmd.Execute()
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	data := resp.Data.(map[string]interface{})
	runID, _ := data["run_id"].(string)
	assert.NotEmpty(t, runID)

	// Every rank must carry the run identity rank 0 minted.
	for _, raw := range data["reports"].([]interface{}) {
		report := raw.(map[string]interface{})
		assert.Equal(t, runID, report["run_id"])
	}
}

func TestVerifyRejectsUnknownDesign(t *testing.T) {
	clearLauncherEnv(t)

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewVerifyCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"-s", "--world", "2", "-c", "carrier-pigeon"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, buf.String(), "✗ Configuration rejected")
}

func TestVerifyRequiresWorld(t *testing.T) {
	clearLauncherEnv(t)

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewVerifyCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"-s"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestVerifyHardwareRequiresFPGAFile(t *testing.T) {
	clearLauncherEnv(t)

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewVerifyCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--world", "2", "--rank", "0"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, buf.String(), "FPGA")
}

func TestVerifyHardwareUnavailableDesign(t *testing.T) {
	clearLauncherEnv(t)

	fpgaFile := filepath.Join(t.TempDir(), "fpgas.txt")
	require.NoError(t, os.WriteFile(fpgaFile, []byte("10.0.0.1\n"), 0o644))

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewVerifyCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"-c", "udp", "--world", "1", "--rank", "0", "-f", fpgaFile})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, buf.String(), "design not available")
}

func TestVerifyFlagsOverrideConfigFile(t *testing.T) {
	clearLauncherEnv(t)

	configFile := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte("simulation: true\nworld: 3\n"), 0o644))

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "json"}
	cmd := NewVerifyCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--config", configFile, "--world", "2", "--run-id", "overlay-run"})

	err := cmd.Execute()
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	data := resp.Data.(map[string]interface{})
	assert.Equal(t, float64(2), data["world"], "flag must win over the config file")
}

func TestVerifyConfigFileAlone(t *testing.T) {
	clearLauncherEnv(t)

	configFile := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte("simulation: true\nworld: 2\ncount: 12\n"), 0o644))

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewVerifyCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--config", configFile})

	err := cmd.Execute()
	require.NoError(t, err)
	assert.Contains(t, buf.String(), harness.VerdictSuccess)
}

func TestOutputVerdictErrors(t *testing.T) {
	reports := []*harness.Report{
		{RunID: "bad-run", Rank: 0, World: 2, Design: "tcp", Errors: 0},
		{RunID: "bad-run", Rank: 1, World: 2, Design: "tcp", Errors: 3},
	}

	t.Run("text", func(t *testing.T) {
		buf := &bytes.Buffer{}
		formatter := &OutputFormatter{Format: "text", Writer: buf}

		err := outputVerdict(formatter, "tcp", 2, reports)
		require.Error(t, err)
		assert.Equal(t, ExitFailure, GetExitCode(err))
		assert.Contains(t, buf.String(), harness.VerdictErrors(3))
	})

	t.Run("json", func(t *testing.T) {
		buf := &bytes.Buffer{}
		formatter := &OutputFormatter{Format: "json", Writer: buf}

		err := outputVerdict(formatter, "tcp", 2, reports)
		require.Error(t, err)
		assert.Equal(t, ExitFailure, GetExitCode(err))

		var resp CLIResponse
		require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
		assert.Equal(t, "error", resp.Status)
		require.NotNil(t, resp.Error)
		assert.Equal(t, ErrCodeVerify, resp.Error.Code)
		assert.NotNil(t, resp.Data, "payload still carries the reports")
	})
}

func TestResolveRank(t *testing.T) {
	clearLauncherEnv(t)

	t.Run("explicit_flag", func(t *testing.T) {
		id, err := resolveRank(&VerifyOptions{Rank: 1}, 2)
		require.NoError(t, err)
		assert.Equal(t, 1, id.Rank)
		assert.Equal(t, 2, id.World)
	})

	t.Run("flag_outside_world", func(t *testing.T) {
		_, err := resolveRank(&VerifyOptions{Rank: 5}, 2)
		require.Error(t, err)
	})

	t.Run("from_environment", func(t *testing.T) {
		t.Setenv("RANK", "1")
		t.Setenv("WORLD_SIZE", "3")
		id, err := resolveRank(&VerifyOptions{Rank: -1}, 3)
		require.NoError(t, err)
		assert.Equal(t, 1, id.Rank)
	})

	t.Run("environment_world_mismatch", func(t *testing.T) {
		t.Setenv("RANK", "0")
		t.Setenv("WORLD_SIZE", "4")
		_, err := resolveRank(&VerifyOptions{Rank: -1}, 2)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "world size")
	})

	t.Run("world_of_one_fallback", func(t *testing.T) {
		id, err := resolveRank(&VerifyOptions{Rank: -1}, 1)
		require.NoError(t, err)
		assert.Equal(t, 0, id.Rank)
		assert.Equal(t, 1, id.World)
	})

	t.Run("no_identity", func(t *testing.T) {
		_, err := resolveRank(&VerifyOptions{Rank: -1}, 2)
		require.Error(t, err)
	})
}

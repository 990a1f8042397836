package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDefault_Values(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "tcp", cfg.Design)
	assert.False(t, cfg.Simulation)
	assert.Equal(t, 0, cfg.World)
	assert.Equal(t, 16, cfg.Count)
	assert.Equal(t, 4, cfg.Rows)
	assert.Equal(t, 5, cfg.Cols)
	assert.Equal(t, "localhost", cfg.MasterAddress)
	assert.Equal(t, 30505, cfg.MasterPort)
	assert.Equal(t, 5005, cfg.StartPort)
	assert.Equal(t, time.Duration(0), cfg.Timeout.Std())
	assert.False(t, cfg.RunGather)
}

func TestDefault_PassesValidation(t *testing.T) {
	assert.Empty(t, Default().Validate())
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_OverlaysFile(t *testing.T) {
	path := writeFile(t, "collvet.yaml", `
design: udp
simulation: true
world: 4
timeout: 30s
run_gather: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "udp", cfg.Design)
	assert.True(t, cfg.Simulation)
	assert.Equal(t, 4, cfg.World)
	assert.Equal(t, 30*time.Second, cfg.Timeout.Std())
	assert.True(t, cfg.RunGather)

	// Untouched fields keep their defaults.
	assert.Equal(t, 16, cfg.Count)
	assert.Equal(t, 30505, cfg.MasterPort)
}

func TestLoad_EmptyPathYieldsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_EmptyFileYieldsDefaults(t *testing.T) {
	path := writeFile(t, "empty.yaml", "")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_UnknownFieldRejected(t *testing.T) {
	path := writeFile(t, "typo.yaml", "worldsize: 4\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "worldsize")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestConfig_Validate_BadDesign(t *testing.T) {
	cfg := Default()
	cfg.Design = "roce"

	errs := cfg.Validate()
	require.NotEmpty(t, errs)
	for _, e := range errs {
		assert.Equal(t, "design", e.Field)
		assert.Equal(t, ErrCodeSchema, e.Code)
	}
}

func TestConfig_Validate_CollectsAllViolations(t *testing.T) {
	cfg := Default()
	cfg.Design = "roce"
	cfg.Count = 0
	cfg.MasterPort = 70000

	errs := cfg.Validate()
	require.GreaterOrEqual(t, len(errs), 3)

	fields := make(map[string]bool)
	for _, e := range errs {
		fields[e.Field] = true
	}
	assert.True(t, fields["design"], "design violation missing: %v", errs)
	assert.True(t, fields["count"], "count violation missing: %v", errs)
	assert.True(t, fields["master_port"], "master_port violation missing: %v", errs)
}

func TestConfig_Validate_NegativeWorld(t *testing.T) {
	cfg := Default()
	cfg.World = -1

	errs := cfg.Validate()
	require.NotEmpty(t, errs)
	fields := make(map[string]bool)
	for _, e := range errs {
		fields[e.Field] = true
	}
	assert.True(t, fields["world"], "world violation missing: %v", errs)
}

func TestValidationError_Format(t *testing.T) {
	err := ValidationError{Field: "design", Message: "no good", Code: ErrCodeSchema}
	assert.Equal(t, "[C001] design: no good", err.Error())
}

func TestEffectiveRxBufSize(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 4096*1024, cfg.EffectiveRxBufSize())

	cfg.Simulation = true
	assert.Equal(t, 4096, cfg.EffectiveRxBufSize())

	cfg.RxBufSize = 1 << 16
	assert.Equal(t, 1<<16, cfg.EffectiveRxBufSize())
}

func TestDuration_YAMLRoundTrip(t *testing.T) {
	var d Duration
	require.NoError(t, yaml.Unmarshal([]byte("2m30s"), &d))
	assert.Equal(t, 150*time.Second, d.Std())

	out, err := yaml.Marshal(d)
	require.NoError(t, err)
	assert.Equal(t, "2m30s\n", string(out))
}

func TestDuration_YAMLZeroLiteral(t *testing.T) {
	var d Duration
	require.NoError(t, yaml.Unmarshal([]byte("0"), &d))
	assert.Equal(t, time.Duration(0), d.Std())
}

func TestDuration_RejectsBareNumber(t *testing.T) {
	var d Duration
	assert.Error(t, yaml.Unmarshal([]byte("30"), &d))
}

func TestDuration_RejectsNegative(t *testing.T) {
	var d Duration
	assert.Error(t, yaml.Unmarshal([]byte("-5s"), &d))
}

func TestDuration_JSONRoundTrip(t *testing.T) {
	d := Duration(45 * time.Second)
	data, err := d.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"45s"`, string(data))

	var back Duration
	require.NoError(t, back.UnmarshalJSON(data))
	assert.Equal(t, d, back)
}

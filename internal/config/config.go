// Package config loads, merges and validates the launcher
// configuration.
//
// Precedence is fixed: compiled-in defaults, then the optional YAML
// file, then command-line flags (applied by the CLI layer). The merged
// result is validated against an embedded CUE schema so that every
// violation is reported at once, with the offending field named.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaSource string

// Defaults mirror the launcher conventions of the reference backend
// deployments.
const (
	DefaultDesign        = "tcp"
	DefaultCount         = 16
	DefaultRows          = 4
	DefaultCols          = 5
	DefaultMasterAddress = "localhost"
	DefaultMasterPort    = 30505
	DefaultStartPort     = 5005

	// DefaultRxBufHardware is the per-rank receive buffer a hardware
	// deployment provisions; the emulator gets by with far less.
	DefaultRxBufHardware = 4096 * 1024
	DefaultRxBufSim      = 4096

	// SimPortBase is the first emulator port; rank i attaches at
	// SimPortBase+i.
	SimPortBase = 5500
)

// Config is the merged launcher configuration.
type Config struct {
	// Design selects the backend wire design: udp, tcp or cyt_rdma.
	Design string `yaml:"design" json:"design"`

	// Simulation runs the whole world in one process.
	Simulation bool `yaml:"simulation" json:"simulation"`

	// World is the number of ranks. 0 defers to the host file or the
	// process environment; see ResolveWorld.
	World int `yaml:"world" json:"world"`

	// Count is the element count of the flat exchange vectors.
	Count int `yaml:"count" json:"count"`

	// Rows and Cols shape the tensors of the shaped collectives.
	Rows int `yaml:"rows" json:"rows"`
	Cols int `yaml:"cols" json:"cols"`

	// HostFile lists one rank host per line.
	HostFile string `yaml:"host_file" json:"host_file,omitempty"`

	// FPGAFile lists one backend device address per line; hardware
	// mode requires exactly one per rank.
	FPGAFile string `yaml:"fpga_file" json:"fpga_file,omitempty"`

	// MasterAddress and MasterPort locate the rendezvous endpoint
	// hosted by rank 0.
	MasterAddress string `yaml:"master_address" json:"master_address"`
	MasterPort    int    `yaml:"master_port" json:"master_port"`

	// StartPort is the base data port. Per-port designs listen on
	// StartPort+rank; session-multiplexed designs share StartPort.
	StartPort int `yaml:"start_port" json:"start_port"`

	// RxBufSize is the receive buffer size in bytes; 0 picks the
	// mode default.
	RxBufSize int `yaml:"rx_buf_size" json:"rx_buf_size"`

	// Timeout bounds each adapter call; 0 disables the deadline.
	Timeout Duration `yaml:"timeout" json:"timeout"`

	// ResultsDB is an optional SQLite path reports are persisted to.
	ResultsDB string `yaml:"results_db" json:"results_db,omitempty"`

	// RunGather enables the gather case, which stays skipped by
	// default because of known result corruption on some backends.
	RunGather bool `yaml:"run_gather" json:"run_gather"`
}

// Default returns the compiled-in configuration.
func Default() Config {
	return Config{
		Design:        DefaultDesign,
		Count:         DefaultCount,
		Rows:          DefaultRows,
		Cols:          DefaultCols,
		MasterAddress: DefaultMasterAddress,
		MasterPort:    DefaultMasterPort,
		StartPort:     DefaultStartPort,
	}
}

// Load returns the defaults overlaid with the YAML file at path. An
// empty path yields the defaults unchanged. Unknown YAML fields are
// rejected, so a typoed key fails instead of silently keeping the
// default.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// EffectiveRxBufSize resolves a zero RxBufSize to the mode default.
func (c Config) EffectiveRxBufSize() int {
	if c.RxBufSize > 0 {
		return c.RxBufSize
	}
	if c.Simulation {
		return DefaultRxBufSim
	}
	return DefaultRxBufHardware
}

// Shape returns the tensor shape of the shaped collectives.
func (c Config) Shape() (rows, cols int) {
	return c.Rows, c.Cols
}

// Validate checks the merged configuration against the embedded CUE
// schema. All violations are returned, not just the first.
func (c Config) Validate() []ValidationError {
	data, err := json.Marshal(c)
	if err != nil {
		return []ValidationError{{Field: "config", Message: err.Error(), Code: ErrCodeSchema}}
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource).LookupPath(cue.ParsePath("#Config"))
	if err := schema.Err(); err != nil {
		return []ValidationError{{Field: "schema", Message: err.Error(), Code: ErrCodeSchema}}
	}
	val := ctx.CompileString(string(data))
	if err := val.Err(); err != nil {
		return []ValidationError{{Field: "config", Message: err.Error(), Code: ErrCodeSchema}}
	}

	if err := schema.Unify(val).Validate(cue.Concrete(true)); err != nil {
		return convertCUEErrors(err)
	}
	return nil
}

// convertCUEErrors flattens a CUE error list into one ValidationError
// per violation, carrying the CUE path as the field name.
func convertCUEErrors(err error) []ValidationError {
	var out []ValidationError
	for _, e := range cueerrors.Errors(err) {
		field := strings.Join(e.Path(), ".")
		if field == "" {
			field = "config"
		}
		out = append(out, ValidationError{Field: field, Message: e.Error(), Code: ErrCodeSchema})
	}
	if len(out) == 0 {
		out = append(out, ValidationError{Field: "config", Message: err.Error(), Code: ErrCodeSchema})
	}
	return out
}

// Configuration error codes (C001-C099).
const (
	ErrCodeSchema   = "C001" // value rejected by the config schema
	ErrCodeParse    = "C002" // YAML syntax or unknown field
	ErrCodeHostFile = "C003" // host or FPGA address file unusable
	ErrCodeWorld    = "C004" // world size unresolved
)

// ValidationError names one rejected configuration field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// Duration round-trips time.Duration through YAML and JSON in the
// "30s" string form.
type Duration time.Duration

// Std returns the plain time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw any
	if err := value.Decode(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		return d.parse(v)
	case int:
		// A bare number is ambiguous; only zero is unambiguous.
		if v != 0 {
			return fmt.Errorf("config: bare numeric duration %d, use a unit like %q", v, "30s")
		}
		*d = 0
		return nil
	default:
		return fmt.Errorf("config: invalid duration %v", raw)
	}
}

func (d *Duration) parse(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	if v < 0 {
		return fmt.Errorf("config: negative duration %q", s)
	}
	*d = Duration(v)
	return nil
}

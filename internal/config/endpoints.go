package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/collvet/collvet/internal/comm"
	"github.com/collvet/collvet/internal/rank"
)

// ReadIPFile returns the non-blank, trimmed lines of path. Address
// files carry one entry per rank in rank order.
func ReadIPFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var addrs []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		addrs = append(addrs, line)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("config: no addresses in %s", path)
	}
	return addrs, nil
}

// ResolveWorld settles the world size from, in order: the explicit
// world field, the host file line count, the process environment.
func (c Config) ResolveWorld() (int, error) {
	if c.World > 0 {
		return c.World, nil
	}
	if c.HostFile != "" {
		hosts, err := ReadIPFile(c.HostFile)
		if err != nil {
			return 0, err
		}
		return len(hosts), nil
	}
	if id, err := rank.FromEnv(); err == nil {
		return id.World, nil
	}
	return 0, ValidationError{
		Field:   "world",
		Message: "world size not set: set world, host_file or WORLD_SIZE",
		Code:    ErrCodeWorld,
	}
}

// Endpoints derives one fabric attachment point per rank.
//
// Simulation attaches every rank to a local emulator port starting at
// SimPortBase. Hardware mode takes the device addresses from the FPGA
// file and lays ports out by design: session-multiplexed designs share
// StartPort and number sessions by rank, the per-port designs listen
// on StartPort+rank.
func (c Config) Endpoints(world int) ([]comm.Endpoint, error) {
	if world < 1 {
		return nil, fmt.Errorf("config: endpoints for world %d", world)
	}
	rx := c.EffectiveRxBufSize()
	eps := make([]comm.Endpoint, world)

	if c.Simulation {
		for i := range eps {
			eps[i] = comm.Endpoint{
				Address:   "127.0.0.1",
				Port:      SimPortBase + i,
				Session:   i,
				RxBufSize: rx,
			}
		}
		return eps, nil
	}

	if c.FPGAFile == "" {
		return nil, ValidationError{
			Field:   "fpga_file",
			Message: "hardware mode requires an FPGA address file",
			Code:    ErrCodeHostFile,
		}
	}
	addrs, err := ReadIPFile(c.FPGAFile)
	if err != nil {
		return nil, err
	}
	if len(addrs) != world {
		return nil, ValidationError{
			Field:   "fpga_file",
			Message: fmt.Sprintf("%d addresses for world %d", len(addrs), world),
			Code:    ErrCodeHostFile,
		}
	}
	design, err := comm.ParseDesign(c.Design)
	if err != nil {
		return nil, err
	}
	for i := range eps {
		if design == comm.DesignCytRDMA {
			eps[i] = comm.Endpoint{Address: addrs[i], Port: c.StartPort, Session: i, RxBufSize: rx}
			continue
		}
		eps[i] = comm.Endpoint{Address: addrs[i], Port: c.StartPort + i, RxBufSize: rx}
	}
	return eps, nil
}

// MasterEndpoint locates the rendezvous point hosted by rank 0.
func (c Config) MasterEndpoint() comm.Endpoint {
	return comm.Endpoint{Address: c.MasterAddress, Port: c.MasterPort}
}

package hardware

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Partition is a [blocks-per-partition-unit, partition-unit-count] pair
// describing how a per-SM resource is carved up.
type Partition [2]int

// Units returns the partition-unit count.
func (p Partition) Units() int { return p[1] }

// BlocksPerUnit returns the block budget of one partition unit.
func (p Partition) BlocksPerUnit() int { return p[0] }

// Descriptor is the static capacity model of one device. Memory levels are
// indexed innermost-first: level 0 is the register file, level 1 shared
// memory, increasing outward. NumLevel == 0 disables hardware-aligned
// search entirely.
//
// A Descriptor is immutable once constructed; it is shared by reference
// across a whole tuning session.
type Descriptor struct {
	Name     string `yaml:"name"`
	NumLevel int    `yaml:"num_level"`

	// Bandwidth in GB/s per memory level, outermost first to mirror the
	// device datasheets (index 0 = DRAM).
	Bandwidth []float64 `yaml:"bandwidth"`
	// PeakFlops in GFLOPS.
	PeakFlops float64 `yaml:"peak_flops"`

	// RegCap[0] = registers per block, RegCap[1] = registers per thread.
	RegCap []int `yaml:"reg_cap"`
	// SmemCap[0] = shared memory per block in bytes.
	SmemCap []int `yaml:"smem_cap"`

	WarpSize int `yaml:"warp_size"`
	NumCores int `yaml:"num_cores"`

	ComputeSMPartition Partition `yaml:"compute_sm_partition"`
	SmemSMPartition    Partition `yaml:"smem_sm_partition"`
	GlbmemSMPartition  Partition `yaml:"glbmem_sm_partition"`

	// TransactionSize in bytes: [0] = minimum transaction, [1] = cache line.
	TransactionSize []int `yaml:"transaction_size"`

	MaxSmemUsagePerSM int `yaml:"max_smem_usage_per_sm"`
	MaxRegPerSM       int `yaml:"max_reg_per_sm"`

	// Occupancy scoring knobs: LtRatio applies when the grid is smaller
	// than the core count, GtRatio when it is larger.
	LtRatio float64 `yaml:"lt_ratio"`
	GtRatio float64 `yaml:"gt_ratio"`
}

// MemoryBw returns the bandwidth of the given memory level in GB/s.
func (d *Descriptor) MemoryBw(level int) float64 { return d.Bandwidth[level] }

// RegCapAt returns the register capacity at the given index.
func (d *Descriptor) RegCapAt(i int) int { return d.RegCap[i] }

// SmemCapAt returns the shared-memory capacity at the given index in bytes.
func (d *Descriptor) SmemCapAt(i int) int { return d.SmemCap[i] }

// Validate checks the internal consistency of the descriptor.
// A zero NumLevel descriptor is valid and disables aligned search.
func (d *Descriptor) Validate() error {
	if d.NumLevel == 0 {
		return nil
	}
	if d.NumLevel < 0 {
		return fmt.Errorf("hardware %q: num_level must be >= 0, got %d", d.Name, d.NumLevel)
	}
	if len(d.Bandwidth) < d.NumLevel {
		return fmt.Errorf("hardware %q: %d memory levels but %d bandwidth entries",
			d.Name, d.NumLevel, len(d.Bandwidth))
	}
	if len(d.RegCap) < 2 {
		return fmt.Errorf("hardware %q: reg_cap needs per-block and per-thread entries", d.Name)
	}
	if len(d.SmemCap) < 1 {
		return fmt.Errorf("hardware %q: smem_cap is empty", d.Name)
	}
	if len(d.TransactionSize) < 1 {
		return fmt.Errorf("hardware %q: transaction_size is empty", d.Name)
	}
	if d.WarpSize <= 0 {
		return fmt.Errorf("hardware %q: warp_size must be positive", d.Name)
	}
	return nil
}

// Load reads a Descriptor from a YAML file.
func Load(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read hardware file: %w", err)
	}
	var d Descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parse hardware file %s: %w", path, err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

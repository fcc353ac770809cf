package hardware

import "fmt"

// Preset returns a built-in Descriptor by name.
func Preset(name string) (*Descriptor, error) {
	switch name {
	case "rtx3090":
		return RTX3090(), nil
	case "k80":
		return K80(), nil
	default:
		return nil, fmt.Errorf("unknown hardware preset %q", name)
	}
}

// PresetNames lists the built-in device presets.
func PresetNames() []string {
	return []string{"rtx3090", "k80"}
}

// RTX3090 models a GA102 device with two explicit memory levels
// (shared memory and registers) above DRAM.
func RTX3090() *Descriptor {
	return &Descriptor{
		Name:     "rtx3090",
		NumLevel: 2,
		// DRAM, then shared memory.
		Bandwidth: []float64{782, 18247},
		PeakFlops: 28374,
		RegCap:    []int{32768, 128},
		SmemCap:   []int{49152},
		WarpSize:  32,
		NumCores:  82,

		ComputeSMPartition: Partition{82, 4},
		SmemSMPartition:    Partition{82, 2},
		GlbmemSMPartition:  Partition{82, 32},

		TransactionSize: []int{32, 128},

		MaxSmemUsagePerSM: 100 * 1024,
		MaxRegPerSM:       65536,
		LtRatio:           1,
		GtRatio:           1,
	}
}

// K80 models a GK210 device.
func K80() *Descriptor {
	return &Descriptor{
		Name:      "k80",
		NumLevel:  2,
		Bandwidth: []float64{162, 1962},
		PeakFlops: 1952,
		RegCap:    []int{32768, 128},
		SmemCap:   []int{49152},
		WarpSize:  32,
		NumCores:  13,

		ComputeSMPartition: Partition{13, 4},
		SmemSMPartition:    Partition{13, 2},
		GlbmemSMPartition:  Partition{13, 32},

		TransactionSize: []int{32, 256},

		MaxSmemUsagePerSM: 112 * 1024,
		MaxRegPerSM:       65536,
		LtRatio:           1,
		GtRatio:           1,
	}
}

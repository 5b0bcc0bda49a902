// Package config loads and validates the tunable knobs of every frontend
// component from a single JSON file, the way timing/latency's TimingConfig
// loads execution-stage latencies for the rest of the pipeline.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/sarchlab/m2fetch/frontend"
	"github.com/sarchlab/m2fetch/frontend/bpu"
	"github.com/sarchlab/m2fetch/frontend/btb"
	"github.com/sarchlab/m2fetch/frontend/fetch"
	"github.com/sarchlab/m2fetch/frontend/ftq"
	"github.com/sarchlab/m2fetch/frontend/icache"
	"github.com/sarchlab/m2fetch/frontend/predictor"
	"github.com/sarchlab/m2fetch/frontend/ras"
)

// FrontendConfig collects every component's Config struct under one
// JSON-serializable document, so a simulation run can be reproduced from a
// single file instead of a pile of flags.
type FrontendConfig struct {
	BTB      btb.Config               `json:"btb"`
	RAS      ras.Config               `json:"ras"`
	Bimodal  predictor.BimodalConfig  `json:"bimodal"`
	Indirect predictor.IndirectConfig `json:"indirect"`
	BPU      bpu.Config               `json:"bpu"`
	FTQ      ftq.Config               `json:"ftq"`
	Fetch    fetch.Config             `json:"fetch"`
	ICache   icache.Config            `json:"icache"`
}

// Default returns every component's own DefaultConfig, collected.
func Default() *FrontendConfig {
	return &FrontendConfig{
		BTB:      btb.DefaultConfig(),
		RAS:      ras.DefaultConfig(),
		Bimodal:  predictor.DefaultBimodalConfig(),
		Indirect: predictor.DefaultIndirectConfig(),
		BPU:      bpu.DefaultConfig(),
		FTQ:      ftq.DefaultConfig(),
		Fetch:    fetch.DefaultConfig(),
		ICache:   icache.DefaultConfig(),
	}
}

// Load reads a FrontendConfig from a JSON file, starting from Default so an
// incomplete document only overrides the fields it sets.
func Load(path string) (*FrontendConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read frontend config file: %w", err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse frontend config: %w", err)
	}

	return cfg, nil
}

// Save writes the FrontendConfig to a JSON file.
func (c *FrontendConfig) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize frontend config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write frontend config file: %w", err)
	}

	return nil
}

// Validate checks the power-of-two and nonzero constraints each component's
// own constructor would otherwise reject one field at a time.
func (c *FrontendConfig) Validate() error {
	if !frontend.IsPowerOfTwo(c.BTB.NumEntries) {
		return fmt.Errorf("btb.num_entries must be a power of two")
	}
	if !frontend.IsPowerOfTwo(c.Bimodal.Size) {
		return fmt.Errorf("bimodal.size must be a power of two")
	}
	if !frontend.IsPowerOfTwo(c.Indirect.Size) {
		return fmt.Errorf("indirect.size must be a power of two")
	}
	if !frontend.IsPowerOfTwo(uint32(c.Fetch.FetchBufferSize)) {
		return fmt.Errorf("fetch.fetch_buffer_size must be a power of two")
	}
	if c.Fetch.FetchWidth <= 0 {
		return fmt.Errorf("fetch.fetch_width must be > 0")
	}
	if c.FTQ.Size == 0 {
		return fmt.Errorf("ftq.size must be > 0")
	}
	if c.ICache.MaxOutstanding <= 0 {
		return fmt.Errorf("icache.max_outstanding must be > 0")
	}
	return nil
}

// Clone returns a deep copy of the FrontendConfig.
func (c *FrontendConfig) Clone() *FrontendConfig {
	clone := *c
	return &clone
}

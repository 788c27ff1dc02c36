// Package config loads the objectives file: the objectives a daemon
// registers on start, with their registration options and flood schedule.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/danmuck/graspd/internal/protocol"
	"github.com/danmuck/graspd/internal/registry"
)

var ErrNoObjectives = errors.New("config: objectives file defines no objective")

// ObjectiveConfig is one [[objective]] table.
type ObjectiveConfig struct {
	Name         string `toml:"name"`
	Neg          bool   `toml:"neg"`
	Synch        bool   `toml:"synch"`
	Dry          bool   `toml:"dry"`
	LoopCount    int    `toml:"loop_count"`
	Value        any    `toml:"value"`
	TTLMS        int64  `toml:"ttl_ms"`
	Discoverable bool   `toml:"discoverable"`
	Overlap      bool   `toml:"overlap"`
	Local        bool   `toml:"local"`
	Rapid        bool   `toml:"rapid"`
	// FloodInterval is a Go duration; empty disables periodic flooding.
	FloodInterval string `toml:"flood_interval"`
	FloodTTLMS    int64  `toml:"flood_ttl_ms"`
}

type ObjectivesFile struct {
	Objectives []ObjectiveConfig `toml:"objective"`
}

func LoadObjectives(path string) ([]ObjectiveConfig, error) {
	var file ObjectivesFile
	if err := loadToml(path, &file); err != nil {
		return nil, err
	}
	if len(file.Objectives) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoObjectives, path)
	}
	for i := range file.Objectives {
		file.Objectives[i].Name = strings.TrimSpace(file.Objectives[i].Name)
	}
	if err := ValidateObjectives(file.Objectives); err != nil {
		return nil, err
	}
	return file.Objectives, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateObjectives(objs []ObjectiveConfig) error {
	seen := make(map[string]struct{}, len(objs))
	for i, c := range objs {
		if err := ValidateObjective(c); err != nil {
			return fmt.Errorf("objective[%d] invalid: %w", i, err)
		}
		if _, dup := seen[c.Name]; dup {
			return fmt.Errorf("objective[%d] invalid: duplicate name %q", i, c.Name)
		}
		seen[c.Name] = struct{}{}
	}
	return nil
}

func ValidateObjective(c ObjectiveConfig) error {
	if _, err := c.Objective(); err != nil {
		return err
	}
	if c.LoopCount < 0 || c.LoopCount > 255 {
		return fmt.Errorf("loop_count %d out of range", c.LoopCount)
	}
	if c.TTLMS < 0 || c.FloodTTLMS < 0 {
		return fmt.Errorf("negative ttl")
	}
	every, err := c.FloodEvery()
	if err != nil {
		return err
	}
	if every > 0 && !c.Synch {
		return fmt.Errorf("flood_interval requires synch")
	}
	return nil
}

// Objective builds the protocol objective; loop_count 0 selects the default.
func (c ObjectiveConfig) Objective() (protocol.Objective, error) {
	obj := protocol.NewObjective(c.Name)
	obj.Neg, obj.Synch, obj.Dry = c.Neg, c.Synch, c.Dry
	if c.LoopCount > 0 {
		obj.LoopCount = c.LoopCount
	}
	if err := obj.Validate(); err != nil {
		return protocol.Objective{}, err
	}
	if c.Value != nil {
		if err := obj.SetValue(c.Value); err != nil {
			return protocol.Objective{}, fmt.Errorf("encode value: %w", err)
		}
	}
	return obj, nil
}

func (c ObjectiveConfig) Options() registry.Options {
	return registry.Options{
		TTL:          time.Duration(c.TTLMS) * time.Millisecond,
		Discoverable: c.Discoverable,
		Overlap:      c.Overlap,
		Local:        c.Local,
		Rapid:        c.Rapid,
	}
}

// FloodEvery parses flood_interval; zero means no periodic flood.
func (c ObjectiveConfig) FloodEvery() (time.Duration, error) {
	raw := strings.TrimSpace(c.FloodInterval)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse flood_interval: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("flood_interval must be positive")
	}
	return d, nil
}

func (c ObjectiveConfig) FloodTTL() time.Duration {
	return time.Duration(c.FloodTTLMS) * time.Millisecond
}

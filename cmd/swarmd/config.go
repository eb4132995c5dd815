package main

import (
	"os"

	"gopkg.in/yaml.v3"
)

// FleetConfig is the optional YAML seed-list/config file a node loads at
// boot: swarm id, peer seeds to dial, and a default test command and
// auto-merge flag. The two defaults are parsed but not applied to tasks.
type FleetConfig struct {
	SwarmID  string       `yaml:"swarm_id"`
	Seeds    []SeedConfig `yaml:"seeds"`
	TestCmd  string       `yaml:"default_test_command"`
	AutoMerge bool        `yaml:"default_auto_merge"`
}

// SeedConfig is one peer this node should attempt to dial on boot.
type SeedConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func loadFleetConfig(path string) (*FleetConfig, error) {
	if path == "" {
		return &FleetConfig{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg FleetConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Copyright 2024 OpenEPC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config describes the configuration of the flow orchestration
// service.
package config

import (
	"github.com/openepc/flowd/control"
	"github.com/openepc/flowd/pkg/log"
	"github.com/openepc/flowd/pkg/private/serrors"
	"github.com/openepc/flowd/private/config"
)

// Defaults.
const (
	DefaultID        = "flowd"
	DefaultAPIAddr   = ":8080"
	DefaultQueueSize = 64
)

type Config struct {
	General  General    `toml:"general,omitempty"`
	Logging  log.Config `toml:"log,omitempty"`
	Metrics  Metrics    `toml:"metrics,omitempty"`
	API      API        `toml:"api,omitempty"`
	Pipeline Pipeline   `toml:"pipeline,omitempty"`
}

func (cfg *Config) InitDefaults() {
	config.InitAll(
		&cfg.General,
		&cfg.Logging,
		&cfg.Metrics,
		&cfg.API,
		&cfg.Pipeline,
	)
}

func (cfg *Config) Validate() error {
	return config.ValidateAll(
		&cfg.General,
		&cfg.Logging,
		&cfg.Metrics,
		&cfg.API,
		&cfg.Pipeline,
	)
}

// General holds the general service configuration.
type General struct {
	config.NoValidator

	// ID is the ID of the service instance.
	ID string `toml:"id,omitempty"`
}

func (cfg *General) InitDefaults() {
	if cfg.ID == "" {
		cfg.ID = DefaultID
	}
}

// Metrics holds the metrics exposure configuration.
type Metrics struct {
	config.NoDefaulter
	config.NoValidator

	// Prometheus is the address the prometheus exporter listens on. If
	// empty, no metrics are exposed.
	Prometheus string `toml:"prometheus,omitempty"`
}

// API holds the JSON API configuration.
type API struct {
	config.NoValidator

	// Addr is the address the API server listens on.
	Addr string `toml:"addr,omitempty"`
}

func (cfg *API) InitDefaults() {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAPIAddr
	}
}

// Table describes the flow tables assigned to one controller, for
// introspection over the API.
type Table struct {
	Name          string `toml:"name,omitempty"`
	MainTable     int    `toml:"main_table,omitempty"`
	ScratchTables []int  `toml:"scratch_tables,omitempty"`
}

// Pipeline holds the dataplane pipeline configuration.
type Pipeline struct {
	// Capabilities names the enabled controllers. Valid values are "stats",
	// "enforcement", "billing", "mac", "dpi" and "ipfix".
	Capabilities []string `toml:"capabilities,omitempty"`
	// Addressless allows activation requests without any address.
	Addressless bool `toml:"addressless,omitempty"`
	// QueueSize bounds the executor's work queue.
	QueueSize int `toml:"queue_size,omitempty"`
	// Tables is the deployment's flow-table layout.
	Tables []Table `toml:"tables,omitempty"`
}

func (cfg *Pipeline) InitDefaults() {
	if cfg.Capabilities == nil {
		cfg.Capabilities = []string{
			string(control.CapEnforcement),
			string(control.CapStats),
		}
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = DefaultQueueSize
	}
}

func (cfg *Pipeline) Validate() error {
	if cfg.QueueSize < 0 {
		return serrors.New("negative queue size", "queue_size", cfg.QueueSize)
	}
	if _, err := cfg.CapabilitySet(); err != nil {
		return err
	}
	return nil
}

// CapabilitySet converts the configured capability names.
func (cfg *Pipeline) CapabilitySet() (control.CapabilitySet, error) {
	set := make(control.CapabilitySet, len(cfg.Capabilities))
	for _, name := range cfg.Capabilities {
		switch c := control.Capability(name); c {
		case control.CapStats, control.CapEnforcement,
			control.CapBilling, control.CapMAC,
			control.CapDPI, control.CapIPFIX:
			set[c] = struct{}{}
		default:
			return nil, serrors.New("unknown capability", "capability", name)
		}
	}
	return set, nil
}

// TableAssignments converts the configured flow-table layout.
func (cfg *Pipeline) TableAssignments() []control.TableAssignment {
	tables := make([]control.TableAssignment, 0, len(cfg.Tables))
	for _, t := range cfg.Tables {
		tables = append(tables, control.TableAssignment{
			Name:          t.Name,
			MainTable:     t.MainTable,
			ScratchTables: t.ScratchTables,
		})
	}
	return tables
}

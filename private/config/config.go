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

// Package config provides a unified pattern for configuration structs.
//
// Every configuration struct should implement the Config interface. There
// are two parts to a configuration: initialization and validation.
//
// A config struct is initialized by calling InitDefaults. This recursively
// initializes all uninitialized fields. Fields that should not be
// initialized to default values must be set before calling InitDefaults.
//
// A config struct is validated by calling Validate. This recursively
// validates all fields.
package config

import (
	"bytes"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/openepc/flowd/pkg/private/serrors"
)

// Config is the interface that all configuration structs should implement.
type Config interface {
	Defaulter
	Validator
}

// Defaulter is implemented by configs that have defaults.
type Defaulter interface {
	InitDefaults()
}

// Validator is implemented by configs that can self-validate.
type Validator interface {
	Validate() error
}

// InitAll initializes all defaulters.
func InitAll(defaulters ...Defaulter) {
	for _, d := range defaulters {
		d.InitDefaults()
	}
}

// ValidateAll validates all validators. The first error encountered is
// returned.
func ValidateAll(validators ...Validator) error {
	for _, v := range validators {
		if err := v.Validate(); err != nil {
			return serrors.Wrap("validating", err, "type", fmt.Sprintf("%T", v))
		}
	}
	return nil
}

// Decode decodes a raw TOML config into the target config struct. Unknown
// keys are rejected.
func Decode(raw []byte, cfg any) error {
	d := toml.NewDecoder(bytes.NewReader(raw))
	d.DisallowUnknownFields()
	return d.Decode(cfg)
}

// LoadFile loads the TOML config from file into the target config struct.
func LoadFile(file string, cfg any) error {
	raw, err := os.ReadFile(file)
	if err != nil {
		return serrors.Wrap("reading config file", err, "file", file)
	}
	if err := Decode(raw, cfg); err != nil {
		return serrors.Wrap("parsing config file", err, "file", file)
	}
	return nil
}

// NoDefaulter can be embedded in configs that do not have any defaults.
type NoDefaulter struct{}

// InitDefaults implements the Defaulter interface.
func (NoDefaulter) InitDefaults() {}

// NoValidator can be embedded in configs that do not need validation.
type NoValidator struct{}

// Validate implements the Validator interface.
func (NoValidator) Validate() error { return nil }

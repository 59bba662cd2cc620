// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package config

import (
	"bytes"
	"encoding/json"
	"os"

	"github.com/ClusterCockpit/fieldbus-poller/pkg/log"
	"github.com/ClusterCockpit/fieldbus-poller/pkg/schema"
)

// Keys holds the live configuration, populated once by Init.
var Keys schema.ProgramConfig = schema.Defaults

// Resolved holds the duration-parsed form of Keys, populated by Init.
var Resolved schema.Resolved

// Init reads, validates and decodes the configuration file at path into
// Keys, falling back to schema.Defaults for any field the file omits.
func Init(path string) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Fatal(err)
		}
	} else {
		if err := schema.Validate(schema.Config, bytes.NewReader(raw)); err != nil {
			log.Fatalf("validate config: %v", err)
		}

		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&Keys); err != nil {
			log.Fatal(err)
		}
	}

	Resolved, err = Keys.Resolve()
	if err != nil {
		log.Fatalf("resolve config durations: %v", err)
	}
}

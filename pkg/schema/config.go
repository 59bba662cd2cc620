// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package schema

import (
	"fmt"
	"time"
)

// NatsConfig configures the notification-intent publisher.
type NatsConfig struct {
	Address       string `json:"address"`
	Username      string `json:"username,omitempty"`
	Password      string `json:"password,omitempty"`
	CredsFilePath string `json:"creds-file-path,omitempty"`
	Subject       string `json:"subject,omitempty"`
}

// ProgramConfig is the top-level configuration file format, mirroring
// the teacher's own cmd/cc-backend ProgramConfig in shape: durations are
// kept as strings in the file and parsed once at startup via Resolve.
type ProgramConfig struct {
	Addr        string `json:"addr"`
	MetricsAddr string `json:"metrics-addr"`

	DBDriver string `json:"db-driver"`
	DB       string `json:"db"`

	User  string `json:"user"`
	Group string `json:"group"`

	PollInterval         string `json:"poll-interval"`
	BlockMaxGap          int    `json:"block-max-gap"`
	BlockMaxSize         int    `json:"block-max-size"`
	ConnectBackoffBase   string `json:"connect-backoff-base"`
	ConnectBackoffMax    string `json:"connect-backoff-max"`
	OpTimeout            string `json:"op-timeout"`
	HistoryPruneEveryN   int    `json:"history-prune-every-n-ticks"`
	MaxConcurrentDevices int    `json:"max-concurrent-devices"`

	Nats *NatsConfig `json:"nats,omitempty"`

	LogLevel string `json:"log-level"`
	LogDate  bool   `json:"log-date"`
}

// Defaults mirror spec.md §6's Configuration keys.
var Defaults = ProgramConfig{
	Addr:                 ":8080",
	MetricsAddr:          ":9090",
	DBDriver:             "sqlite3",
	DB:                   "./var/poller.db",
	PollInterval:         "250ms",
	BlockMaxGap:          8,
	BlockMaxSize:         128,
	ConnectBackoffBase:   "2s",
	ConnectBackoffMax:    "60s",
	OpTimeout:            "1s",
	HistoryPruneEveryN:   240,
	MaxConcurrentDevices: 64,
	LogLevel:             "info",
}

// Resolved holds the parsed-duration form of ProgramConfig, computed once
// at startup so the hot path never calls time.ParseDuration.
type Resolved struct {
	PollInterval        time.Duration
	ConnectBackoffBase  time.Duration
	ConnectBackoffMax   time.Duration
	OpTimeout           time.Duration
}

func (c *ProgramConfig) Resolve() (Resolved, error) {
	var r Resolved
	var err error
	if r.PollInterval, err = parseDuration(c.PollInterval); err != nil {
		return r, fmt.Errorf("poll-interval: %w", err)
	}
	if r.ConnectBackoffBase, err = parseDuration(c.ConnectBackoffBase); err != nil {
		return r, fmt.Errorf("connect-backoff-base: %w", err)
	}
	if r.ConnectBackoffMax, err = parseDuration(c.ConnectBackoffMax); err != nil {
		return r, fmt.Errorf("connect-backoff-max: %w", err)
	}
	if r.OpTimeout, err = parseDuration(c.OpTimeout); err != nil {
		return r, fmt.Errorf("op-timeout: %w", err)
	}
	return r, nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

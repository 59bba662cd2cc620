// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package notifier publishes NotificationIntents emitted by the Alarm
// Evaluator onto a NATS subject, rate-limited so a flapping alarm can't
// flood downstream subscribers.
package notifier

import (
	"encoding/json"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/ClusterCockpit/fieldbus-poller/pkg/log"
	natsclient "github.com/ClusterCockpit/fieldbus-poller/pkg/nats"
	"github.com/ClusterCockpit/fieldbus-poller/pkg/schema"
)

// defaultSubject is used when a NatsConfig omits one.
const defaultSubject = "alarms.notify"

// defaultRate bounds outbound notifications to 20/s with a burst of 40,
// generous enough for a legitimate multi-alarm tick but not for a
// pathologically flapping config.
const (
	defaultRate  = 20
	defaultBurst = 40
)

// Notifier publishes NotificationIntents to NATS. A nil Notifier (e.g.
// when no "nats" config section is present) is a valid, inert value:
// Publish becomes a no-op so the engine never needs a nil check.
type Notifier struct {
	client  *natsclient.Client
	subject string
	limiter *rate.Limiter
}

// New connects to the configured NATS server and returns a Notifier. A
// nil cfg (no "nats" section configured) returns a nil *Notifier, not an
// error: alarms still evaluate, they just have nowhere to be sent.
func New(cfg *schema.NatsConfig) (*Notifier, error) {
	if cfg == nil || cfg.Address == "" {
		return nil, nil
	}

	client, err := natsclient.NewClient(&natsclient.NatsConfig{
		Address:       cfg.Address,
		Username:      cfg.Username,
		Password:      cfg.Password,
		CredsFilePath: cfg.CredsFilePath,
	})
	if err != nil {
		return nil, fmt.Errorf("notifier: %w", err)
	}

	subject := cfg.Subject
	if subject == "" {
		subject = defaultSubject
	}

	return &Notifier{
		client:  client,
		subject: subject,
		limiter: rate.NewLimiter(defaultRate, defaultBurst),
	}, nil
}

// Publish sends each intent as its own JSON message. An intent that
// would exceed the rate limit is dropped and logged rather than blocking
// the tick that produced it.
func (n *Notifier) Publish(intents []schema.NotificationIntent) {
	if n == nil {
		return
	}
	for _, intent := range intents {
		if !n.limiter.Allow() {
			log.Warnf("notifier: rate limit exceeded, dropping notification for %s", intent.ConfigExternalID)
			continue
		}

		data, err := json.Marshal(intent)
		if err != nil {
			log.Errorf("notifier: marshal intent for %s: %v", intent.ConfigExternalID, err)
			continue
		}

		if err := n.client.Publish(n.subject, data); err != nil {
			log.Errorf("notifier: publish for %s: %v", intent.ConfigExternalID, err)
		}
	}
}

// Close releases the underlying NATS connection.
func (n *Notifier) Close() {
	if n == nil {
		return
	}
	n.client.Close()
}

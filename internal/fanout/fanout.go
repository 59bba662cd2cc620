// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package fanout publishes each tick's changed-tag snapshot to
// subscribed websocket sessions. Per session a filtered, single message
// is sent; slow clients get dropped sends rather than stalling the
// publish for everyone else.
package fanout

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ClusterCockpit/fieldbus-poller/pkg/log"
	"github.com/ClusterCockpit/fieldbus-poller/pkg/schema"
)

// outboundBuffer bounds how many unsent ticks a slow session may queue
// before it is dropped instead of blocking the publisher.
const outboundBuffer = 4

const writeTimeout = 5 * time.Second

// Session is one subscribed websocket connection. Callers obtain one
// from Hub.Register after the HTTP layer resolves the client's
// requested external_ids to tag ids.
type Session struct {
	conn    *websocket.Conn
	tagIDs  map[int64]struct{}
	outbox  chan map[string]tagChange
	hub     *Hub
	closeMu sync.Mutex
	closed  bool
}

type tagChange struct {
	Value schema.Value `json:"value"`
	Time  time.Time    `json:"time"`
	AgeMS int64        `json:"age_ms"`
	Alarm *string      `json:"alarm"`
}

// Hub is the process-wide registry of active subscriptions.
type Hub struct {
	mu       sync.RWMutex
	sessions map[*Session]struct{}
}

// NewHub constructs an empty Hub.
func NewHub() *Hub {
	return &Hub{sessions: make(map[*Session]struct{})}
}

// Register adds conn to the hub, subscribed to tagIDs, and starts its
// write pump goroutine. Call Unregister when the connection closes: the
// write pump closes the connection when a write fails but does not remove
// the session from the hub.
func (h *Hub) Register(conn *websocket.Conn, tagIDs []int64) *Session {
	set := make(map[int64]struct{}, len(tagIDs))
	for _, id := range tagIDs {
		set[id] = struct{}{}
	}
	s := &Session{
		conn:   conn,
		tagIDs: set,
		outbox: make(chan map[string]tagChange, outboundBuffer),
		hub:    h,
	}

	h.mu.Lock()
	h.sessions[s] = struct{}{}
	h.mu.Unlock()

	go s.writePump()
	return s
}

// Unregister removes s from the hub and closes its connection. Safe to
// call more than once.
func (h *Hub) Unregister(s *Session) {
	h.mu.Lock()
	delete(h.sessions, s)
	h.mu.Unlock()

	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.outbox)
}

// Publish fans a tick's change map out to every session, each receiving
// only the subset of tags it subscribed to and changed. externalIDs maps
// each changed tag's internal id to the external_id the wire payload
// keys on (spec §6: the push payload is `tag_external_id → {value, time,
// age_ms, alarm}`, never the internal id). A session whose outbox is
// full (a slow client) is dropped rather than blocking this call for the
// rest of the sessions.
func (h *Hub) Publish(changes map[int64]schema.ChangeEvent, externalIDs map[int64]string) {
	h.mu.RLock()
	sessions := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()

	for _, s := range sessions {
		filtered := s.filter(changes, externalIDs)
		if len(filtered) == 0 {
			continue
		}
		select {
		case s.outbox <- filtered:
		default:
			log.Warnf("fanout: dropping slow websocket session, outbox full")
			h.Unregister(s)
		}
	}
}

func (s *Session) filter(changes map[int64]schema.ChangeEvent, externalIDs map[int64]string) map[string]tagChange {
	var out map[string]tagChange
	for tagID, event := range changes {
		if _, subscribed := s.tagIDs[tagID]; !subscribed {
			continue
		}
		externalID, ok := externalIDs[tagID]
		if !ok {
			log.Warnf("fanout: no external_id known for changed tag %d, dropping from payload", tagID)
			continue
		}
		if out == nil {
			out = make(map[string]tagChange)
		}
		out[externalID] = tagChange{
			Value: event.Value,
			Time:  event.Time,
			AgeMS: time.Since(event.Time).Milliseconds(),
			Alarm: event.Alarm,
		}
	}
	return out
}

// writePump drains s.outbox and writes one JSON message per tick to the
// underlying connection, until the outbox is closed or a write fails.
func (s *Session) writePump() {
	defer s.conn.Close()
	for msg := range s.outbox {
		s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := s.conn.WriteJSON(msg); err != nil {
			log.Debugf("fanout: write failed, closing session: %v", err)
			return
		}
	}
}

// MarshalForTest exposes the wire encoding of one filtered message, used
// only by tests to assert on the published shape without depending on
// websocket internals.
func MarshalForTest(msg map[string]tagChange) ([]byte, error) {
	return json.Marshal(msg)
}

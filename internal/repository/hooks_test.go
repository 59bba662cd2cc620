// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of fieldbus-poller.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package repository

import (
	"context"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLHooks(t *testing.T) {
	h := &Hooks{}

	t.Run("before stamps the context with a start time", func(t *testing.T) {
		ctx := context.Background()
		query := "SELECT * FROM tag WHERE id = ?"
		args := []any{123}

		ctxWithTime, err := h.Before(ctx, query, args...)
		require.NoError(t, err)
		require.NotNil(t, ctxWithTime)

		begin := ctxWithTime.Value("begin")
		require.NotNil(t, begin)
		_, ok := begin.(time.Time)
		assert.True(t, ok, "begin value should be a time.Time")
	})

	t.Run("after reads back the start time without error", func(t *testing.T) {
		ctx := context.Background()
		query := "SELECT * FROM tag WHERE id = ?"
		args := []any{123}

		ctxWithTime, err := h.Before(ctx, query, args...)
		require.NoError(t, err)

		time.Sleep(time.Millisecond)

		ctxAfter, err := h.After(ctxWithTime, query, args...)
		require.NoError(t, err)
		assert.NotNil(t, ctxAfter)
	})
}

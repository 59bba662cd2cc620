// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package repository

import (
	"time"

	sq "github.com/Masterminds/squirrel"
)

// TimeRange narrows a query to rows whose timestamp column falls in
// [From, To]; either bound may be nil to leave that side open.
type TimeRange struct {
	From *time.Time
	To   *time.Time
}

func buildTimeCondition(field string, cond *TimeRange, query sq.SelectBuilder) sq.SelectBuilder {
	if cond == nil {
		return query
	}
	if cond.From != nil && cond.To != nil {
		return query.Where(field+" BETWEEN ? AND ?", *cond.From, *cond.To)
	} else if cond.From != nil {
		return query.Where(field+" >= ?", *cond.From)
	} else if cond.To != nil {
		return query.Where(field+" <= ?", *cond.To)
	}
	return query
}

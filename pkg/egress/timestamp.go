// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2017 Datadog, Inc.

package egress

import (
	"time"

	"github.com/CERN-BE/logalike/pkg/message"
)

// canonicalTimestampLayout is YYYY-MM-dd'T'HH:mm:ss.SSSZ with the offset
// rendered as ±HHMM (spec.md §6).
const canonicalTimestampLayout = "2006-01-02T15:04:05.000-0700"

// normalizeTimestamps rewrites every time.Time-valued field in fields to
// its canonical string form, and synthesizes @timestamp from now if
// missing (spec.md §4.J step 2).
func normalizeTimestamps(fields map[string]interface{}, now time.Time) {
	for k, v := range fields {
		if t, ok := v.(time.Time); ok {
			fields[k] = t.Format(canonicalTimestampLayout)
		}
	}
	if _, ok := fields[message.TimestampField]; !ok {
		fields[message.TimestampField] = now.Format(canonicalTimestampLayout)
	}
}

// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2017 Datadog, Inc.

package egress

import (
	"fmt"
	"time"

	"github.com/CERN-BE/logalike/internal/settings"
)

// wireName computes a destination's date-suffixed wire name (spec.md §6):
// prefix-YYYY.MM.dd for daily, prefix-YYYY.MM.01 for monthly, or the bare
// prefix for constant.
func wireName(d settings.Destination, now time.Time) string {
	switch d.Frequency {
	case settings.FrequencyDaily:
		return fmt.Sprintf("%s-%s", d.Prefix, now.Format("2006.01.02"))
	case settings.FrequencyMonthly:
		return fmt.Sprintf("%s-%s.01", d.Prefix, now.Format("2006.01"))
	default:
		return d.Prefix
	}
}

// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2017 Datadog, Inc.

package egress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/CERN-BE/logalike/internal/settings"
)

func TestWireNameDaily(t *testing.T) {
	d := settings.Destination{Prefix: "logalike", Frequency: settings.FrequencyDaily}
	now := time.Date(2026, 7, 29, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, "logalike-2026.07.29", wireName(d, now))
}

func TestWireNameMonthly(t *testing.T) {
	d := settings.Destination{Prefix: "logalike", Frequency: settings.FrequencyMonthly}
	now := time.Date(2026, 7, 29, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, "logalike-2026.07.01", wireName(d, now))
}

func TestWireNameConstant(t *testing.T) {
	d := settings.Destination{Prefix: "logalike", Frequency: settings.FrequencyConstant}
	now := time.Date(2026, 7, 29, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, "logalike", wireName(d, now))
}

// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2017 Datadog, Inc.

// Package settings loads logalike's configuration surface (spec.md §6)
// through viper, the way pkg/config historically built the logs agent's
// configuration.
package settings

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/CERN-BE/logalike/pkg/message"
)

// StartPolicy selects where a tailer begins reading a file it has no
// persisted position for.
type StartPolicy int

const (
	StartEnd StartPolicy = iota
	StartBeginning
	StartExplicitOffset
	StartAuto
)

// Source describes one file this instance tails.
type Source struct {
	Path        string
	StartPolicy StartPolicy
	// ExplicitOffset is used only when StartPolicy == StartExplicitOffset.
	ExplicitOffset int64
}

// DestinationFrequency controls how a logical destination's wire name is
// date-suffixed (spec.md §4.J, §6).
type DestinationFrequency int

const (
	FrequencyDaily DestinationFrequency = iota
	FrequencyMonthly
	FrequencyConstant
)

// Destination is a logical egress destination (spec.md GLOSSARY).
type Destination struct {
	Prefix    string
	Frequency DestinationFrequency
}

// Settings is the fully resolved configuration surface from spec.md §6.
type Settings struct {
	Sources []Source

	TailerPollInterval time.Duration
	TailerBufferSize   int
	TailerReopenEach   bool

	PositionStoreDir string

	LineQueueCapacity int
	EnqueueTimeout    time.Duration

	RepetitionWindow time.Duration
	ThrottleWindow   time.Duration
	ThrottleLimit    int

	BatchFlushInterval time.Duration
	BatchMaxActions    int
	BatchMaxConcurrent int

	DefaultDestination Destination
	DocumentType       string

	TypePolicy message.Policy

	ElasticsearchAddresses []string
}

// Load builds a Settings from a viper instance pre-populated with a config
// file (mirrors pkg/config.buildMainConfig's SetDefault + ReadInConfig
// pattern). configPath may be empty, in which case only defaults apply.
// Sources is not read from the configuration: Load leaves it empty.
func Load(v *viper.Viper, configPath string) (*Settings, error) {
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("bad-configuration: reading config: %w", err)
		}
	}

	s := &Settings{
		TailerPollInterval: v.GetDuration("tailer.poll_interval"),
		TailerBufferSize:   v.GetInt("tailer.buffer_size"),
		TailerReopenEach:   v.GetBool("tailer.reopen_each_poll"),
		PositionStoreDir:   v.GetString("position_store.dir"),
		LineQueueCapacity:  v.GetInt("line_queue.capacity"),
		EnqueueTimeout:     v.GetDuration("line_queue.enqueue_timeout"),
		RepetitionWindow:   v.GetDuration("repetition.window"),
		ThrottleWindow:     v.GetDuration("throttle.window"),
		ThrottleLimit:      v.GetInt("throttle.limit"),
		BatchFlushInterval: v.GetDuration("batch.flush_interval"),
		BatchMaxActions:    v.GetInt("batch.max_actions"),
		BatchMaxConcurrent: v.GetInt("batch.max_concurrency"),
		DocumentType:       v.GetString("document_type"),
		ElasticsearchAddresses: v.GetStringSlice("elasticsearch.addresses"),
	}

	switch v.GetString("type_policy") {
	case "accept":
		s.TypePolicy = message.PolicyAccept
	case "stringify":
		s.TypePolicy = message.PolicyStringify
	case "drop_with_error":
		s.TypePolicy = message.PolicyDropWithError
	case "reject":
		s.TypePolicy = message.PolicyReject
	default:
		return nil, fmt.Errorf("bad-configuration: unknown type_policy %q", v.GetString("type_policy"))
	}

	prefix := v.GetString("default_destination.prefix")
	if prefix == "" {
		return nil, fmt.Errorf("bad-configuration: default_destination.prefix must not be empty")
	}
	freq, err := parseFrequency(v.GetString("default_destination.frequency"))
	if err != nil {
		return nil, err
	}
	s.DefaultDestination = Destination{Prefix: prefix, Frequency: freq}

	if err := validate(s); err != nil {
		return nil, err
	}
	return s, nil
}

func parseFrequency(s string) (DestinationFrequency, error) {
	switch s {
	case "daily":
		return FrequencyDaily, nil
	case "monthly":
		return FrequencyMonthly, nil
	case "constant":
		return FrequencyConstant, nil
	default:
		return 0, fmt.Errorf("bad-configuration: unknown destination frequency %q", s)
	}
}

func validate(s *Settings) error {
	if s.TailerPollInterval <= 0 {
		return fmt.Errorf("bad-configuration: tailer.poll_interval must be > 0")
	}
	if s.TailerBufferSize < 1 {
		return fmt.Errorf("bad-configuration: tailer.buffer_size must be >= 1")
	}
	if s.BatchFlushInterval <= 0 {
		return fmt.Errorf("bad-configuration: batch.flush_interval must be > 0")
	}
	if s.BatchMaxActions < 1 {
		return fmt.Errorf("bad-configuration: batch.max_actions must be >= 1")
	}
	if s.BatchMaxConcurrent < 1 {
		return fmt.Errorf("bad-configuration: batch.max_concurrency must be >= 1")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("tailer.poll_interval", 500*time.Millisecond)
	v.SetDefault("tailer.buffer_size", 4096)
	v.SetDefault("tailer.reopen_each_poll", false)
	v.SetDefault("position_store.dir", "")
	v.SetDefault("line_queue.capacity", 500)
	v.SetDefault("line_queue.enqueue_timeout", 1*time.Minute)
	v.SetDefault("repetition.window", 2*time.Minute)
	v.SetDefault("throttle.window", 2*time.Minute)
	v.SetDefault("throttle.limit", 100)
	v.SetDefault("batch.flush_interval", 1*time.Minute)
	v.SetDefault("batch.max_actions", 1000)
	v.SetDefault("batch.max_concurrency", 4)
	v.SetDefault("default_destination.prefix", "logalike")
	v.SetDefault("default_destination.frequency", "daily")
	v.SetDefault("document_type", "logalike")
	v.SetDefault("type_policy", "accept")
	v.SetDefault("elasticsearch.addresses", []string{"http://localhost:9200"})
}

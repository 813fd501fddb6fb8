// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2017 Datadog, Inc.

// Package egress coalesces accepted messages into size- and time-bounded
// batches and writes them to a remote document store with bounded
// concurrency (spec.md §4.J).
package egress

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/CERN-BE/logalike/internal/settings"
	"github.com/CERN-BE/logalike/pkg/message"
)

// Clock abstracts time for synthesized timestamps and destination naming.
type Clock func() time.Time

// action is one pending index operation.
type action struct {
	id       string
	index    string
	document map[string]interface{}
}

// Batcher implements the bulk egress contract: accept(Message) plus an
// optional close().
type Batcher struct {
	client             *elasticsearch.Client
	documentType       string
	defaultDestination settings.Destination
	flushInterval      time.Duration
	maxActions         int
	sem                *semaphore.Weighted
	clock              Clock
	log                *logrus.Entry

	mu      sync.Mutex
	pending []action
	timer   *time.Timer

	closeOnce sync.Once
	closed    chan struct{}
	inFlight  sync.WaitGroup
}

// Config holds the batcher's tunables (spec.md §6).
type Config struct {
	FlushInterval      time.Duration
	MaxActions         int
	MaxConcurrency     int
	DefaultDestination settings.Destination
	DocumentType       string
}

// New returns a Batcher backed by client, validating the non-positive
// durations and counts the spec calls bad-configuration.
func New(client *elasticsearch.Client, cfg Config, clock Clock, log *logrus.Entry) (*Batcher, error) {
	if cfg.FlushInterval <= 0 {
		return nil, fmt.Errorf("bad-configuration: batch flush interval must be > 0")
	}
	if cfg.MaxActions < 1 {
		return nil, fmt.Errorf("bad-configuration: batch max actions must be >= 1")
	}
	if cfg.MaxConcurrency < 1 {
		return nil, fmt.Errorf("bad-configuration: batch max concurrency must be >= 1")
	}
	if cfg.DefaultDestination.Prefix == "" {
		return nil, fmt.Errorf("bad-configuration: default destination prefix must not be empty")
	}
	if clock == nil {
		clock = time.Now
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	b := &Batcher{
		client:             client,
		documentType:       cfg.DocumentType,
		defaultDestination: cfg.DefaultDestination,
		flushInterval:      cfg.FlushInterval,
		maxActions:         cfg.MaxActions,
		sem:                semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		clock:              clock,
		log:                log,
		closed:             make(chan struct{}),
	}
	b.timer = time.AfterFunc(b.flushInterval, b.onTimer)
	return b, nil
}

func (b *Batcher) onTimer() {
	select {
	case <-b.closed:
		return
	default:
	}
	b.mu.Lock()
	batch := b.drainLocked()
	b.mu.Unlock()
	b.dispatch(batch)
	b.timer.Reset(b.flushInterval)
}

// Accept implements pipeline.Consumer. It fans the message out to one
// action per declared destination (or the default destination when none is
// declared), normalises timestamp fields, and submits the result.
func (b *Batcher) Accept(m *message.Message) error {
	fields := m.Fields()
	now := b.clock()
	normalizeTimestamps(fields, now)

	destinations := m.Destinations()
	if len(destinations) == 0 {
		destinations = []string{wireName(b.defaultDestination, now)}
	}

	var batch []action
	b.mu.Lock()
	for _, dest := range destinations {
		doc := make(map[string]interface{}, len(fields)+1)
		for k, v := range fields {
			doc[k] = v
		}
		doc["_type"] = b.documentType
		b.pending = append(b.pending, action{
			id:       uuid.NewString(),
			index:    dest,
			document: doc,
		})
	}
	if len(b.pending) >= b.maxActions {
		batch = b.drainLocked()
	}
	b.mu.Unlock()

	if batch != nil {
		b.dispatch(batch)
	}
	return nil
}

// drainLocked returns and clears the pending batch. Caller must hold b.mu.
func (b *Batcher) drainLocked() []action {
	if len(b.pending) == 0 {
		return nil
	}
	batch := b.pending
	b.pending = nil
	return batch
}

// dispatch submits batch for bulk indexing, bounded to MaxConcurrency
// in-flight requests. When the limit is reached, the caller blocks until a
// slot frees up (spec.md §4.J).
func (b *Batcher) dispatch(batch []action) {
	if len(batch) == 0 {
		return
	}
	ctx := context.Background()
	if err := b.sem.Acquire(ctx, 1); err != nil {
		b.log.WithError(err).Error("acquiring egress concurrency slot")
		return
	}
	b.inFlight.Add(1)
	go func() {
		defer b.inFlight.Done()
		defer b.sem.Release(1)
		b.send(batch)
	}()
}

// send performs one bulk request over the given actions, logging every
// rejected item's id, destination, and failure message. It does not retry
// or reorder.
func (b *Batcher) send(batch []action) {
	body, err := encodeBulkBody(batch)
	if err != nil {
		b.log.WithError(err).Error("encoding bulk request body")
		return
	}

	compressed, err := gzipCompress(body)
	if err != nil {
		b.log.WithError(err).Error("compressing bulk request body")
		return
	}

	req := esapi.BulkRequest{
		Body:    bytes.NewReader(compressed),
		Header:  map[string][]string{"Content-Encoding": {"gzip"}},
		Refresh: "false",
	}
	resp, err := req.Do(context.Background(), b.client)
	if err != nil {
		b.log.WithError(err).Error("bulk request failed")
		return
	}
	defer resp.Body.Close()

	if resp.IsError() {
		payload, _ := io.ReadAll(resp.Body)
		b.log.WithField("status", resp.StatusCode).WithField("body", string(payload)).Error("bulk request rejected")
		return
	}

	reportBulkFailures(resp.Body, b.log)
}

// encodeBulkBody writes the NDJSON bulk payload: one action-metadata line
// followed by one source-document line, per action.
func encodeBulkBody(batch []action) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, a := range batch {
		meta := map[string]interface{}{
			"index": map[string]interface{}{
				"_index": a.index,
				"_id":    a.id,
			},
		}
		if err := enc.Encode(meta); err != nil {
			return nil, err
		}
		if err := enc.Encode(a.document); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func gzipCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// bulkResponse is the slice of the Elasticsearch bulk response this package
// cares about: per-item errors.
type bulkResponse struct {
	Items []map[string]bulkResponseItem `json:"items"`
}

type bulkResponseItem struct {
	Index  string `json:"_index"`
	ID     string `json:"_id"`
	Status int    `json:"status"`
	Error  *struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error"`
}

func reportBulkFailures(body io.Reader, log *logrus.Entry) {
	var parsed bulkResponse
	if err := json.NewDecoder(body).Decode(&parsed); err != nil {
		log.WithError(err).Warn("decoding bulk response")
		return
	}
	for _, item := range parsed.Items {
		for _, v := range item {
			if v.Error == nil {
				continue
			}
			log.WithFields(logrus.Fields{
				"id":          v.ID,
				"destination": v.Index,
				"reason":      v.Error.Reason,
			}).Error("bulk item rejected")
		}
	}
}

// Close flushes any remaining pending actions, waits for all in-flight
// requests to finish, and stops the flush timer. Safe to call more than
// once.
func (b *Batcher) Close() error {
	b.closeOnce.Do(func() {
		close(b.closed)
		b.timer.Stop()

		b.mu.Lock()
		batch := b.drainLocked()
		b.mu.Unlock()
		b.dispatch(batch)

		b.inFlight.Wait()
	})
	return nil
}

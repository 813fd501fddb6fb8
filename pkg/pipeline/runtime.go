// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2017 Datadog, Inc.

package pipeline

import (
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/CERN-BE/logalike/pkg/message"
)

// Producer is the pipeline's input contract (spec.md §6): a lazy message
// sequence plus an optional teardown hook.
type Producer interface {
	Messages() <-chan *message.Message
	Close() error
}

// Consumer is the pipeline's output contract: accept one message at a time,
// plus an optional teardown hook.
type Consumer interface {
	Accept(*message.Message) error
	Close() error
}

// Runtime drives a producer's sequence through a composed processor chain
// to a consumer, with a pool of workers and a single cooperative
// cancellation flag.
type Runtime struct {
	producer Producer
	chain    Processor
	consumer Consumer
	closers  []Closer
	workers  int
	log      *logrus.Entry

	closed int32
	wg     sync.WaitGroup
}

// NewRuntime returns a Runtime ready to Run. workers ≤ 0 defaults to 1.
func NewRuntime(producer Producer, chain Processor, consumer Consumer, closers []Closer, workers int, log *logrus.Entry) *Runtime {
	if workers <= 0 {
		workers = 1
	}
	if chain == nil {
		chain = Identity()
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Runtime{
		producer: producer,
		chain:    chain,
		consumer: consumer,
		closers:  closers,
		workers:  workers,
		log:      log,
	}
}

// Run acquires the producer's sequence, applies the processor chain, and
// fans the result out across the worker pool into the consumer. It blocks
// until the producer's sequence (and everything downstream of it) has been
// fully drained — which happens once Close has been called and has
// finished closing the producer.
func (r *Runtime) Run() {
	in := r.producer.Messages()
	out := r.chain.Apply(in)

	r.wg.Add(r.workers)
	for i := 0; i < r.workers; i++ {
		go func() {
			defer r.wg.Done()
			for m := range out {
				if atomic.LoadInt32(&r.closed) != 0 {
					continue
				}
				if err := r.consumer.Accept(m); err != nil {
					r.log.WithError(err).Error("consumer rejected message")
				}
			}
		}()
	}
	r.wg.Wait()
}

// Close sets the cancellation flag, then tears the pipeline down in reverse
// dependency order: producer first (so its message sequence ends), then
// each processor's background-work closer, then waits for the worker pool
// to drain the chain's output, then finally the consumer.
//
// The closers must run before waiting on the worker pool: a stateful
// processor's chain output is the merge of a pass-through stream (which
// ends once the producer's sequence does) and a closed-window stream (which
// only ends once its Closer stops the underlying aggregator, per §4.F). The
// workers range over that merged output, so waiting on them before invoking
// the closers would deadlock forever on any chain containing one.
//
// Close is idempotent-safe to call more than once; errors from every stage
// are aggregated rather than stopping teardown early.
func (r *Runtime) Close() error {
	atomic.StoreInt32(&r.closed, 1)

	var result *multierror.Error
	if err := r.producer.Close(); err != nil {
		result = multierror.Append(result, err)
	}

	for _, c := range r.closers {
		c.Close()
	}

	r.wg.Wait()

	if err := r.consumer.Close(); err != nil {
		result = multierror.Append(result, err)
	}

	return result.ErrorOrNil()
}

// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2017 Datadog, Inc.

// Command logalike wires the pipeline's components together against a
// loaded configuration file. It exists to demonstrate the wiring; the
// pipeline's behavior lives entirely in the pkg/ packages it composes.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/CERN-BE/logalike/internal/settings"
	"github.com/CERN-BE/logalike/pkg/aggregator"
	"github.com/CERN-BE/logalike/pkg/egress"
	"github.com/CERN-BE/logalike/pkg/input"
	"github.com/CERN-BE/logalike/pkg/message"
	"github.com/CERN-BE/logalike/pkg/pipeline"
	"github.com/CERN-BE/logalike/pkg/positionstore"
	"github.com/CERN-BE/logalike/pkg/repetition"
	"github.com/CERN-BE/logalike/pkg/tailer"
	"github.com/CERN-BE/logalike/pkg/throttle"
)

// fileProducer adapts a Factory + File pair to pipeline.Producer: closing it
// stops every tailer, closes the line queue (so the queue-backed message
// sequence ends once drained), and closes the position store.
type fileProducer struct {
	factory *input.Factory
	file    *input.File
}

func (p *fileProducer) Messages() <-chan *message.Message { return p.file.Messages() }
func (p *fileProducer) Close() error {
	p.factory.Close()
	return nil
}

// fingerprintBySource groups repetition/throttle windows by source file,
// the simplest notion of "emitter" a file-tailing pipeline has.
func fingerprintBySource(m *message.Message) string {
	path, _ := m.GetString(input.PathField)
	return path
}

func main() {
	configPath := flag.String("config", "", "path to a logalike configuration file")
	flag.Parse()

	log := logrus.NewEntry(logrus.StandardLogger())

	v := viper.New()
	cfg, err := settings.Load(v, *configPath)
	if err != nil {
		log.WithError(err).Fatal("loading configuration")
	}

	store, err := positionstore.Open(cfg.PositionStoreDir, log)
	if err != nil {
		log.WithError(err).Fatal("opening position store")
	}

	factory := input.NewFactory(cfg.LineQueueCapacity, cfg.EnqueueTimeout, cfg.TailerPollInterval, cfg.TailerBufferSize, cfg.TailerReopenEach, store, log)
	sources := make([]input.Source, 0, len(cfg.Sources))
	for _, s := range cfg.Sources {
		sources = append(sources, input.Source{
			Path:           s.Path,
			Start:          tailer.StartPolicy(s.StartPolicy),
			ExplicitOffset: s.ExplicitOffset,
		})
	}
	factory.Start(sources)

	typeTable := message.TypeTable{}
	fileInput := input.NewFile(factory.Queue(), typeTable, cfg.TypePolicy)
	producer := &fileProducer{factory: factory, file: fileInput}

	repetitionProcessor := repetition.New(cfg.RepetitionWindow, fingerprintBySource, nil, nil, nil, aggregator.RealClock)
	throttleProcessor := throttle.New(cfg.ThrottleWindow, fingerprintBySource, cfg.ThrottleLimit, throttleListener{}, aggregator.RealClock)

	chain := pipeline.Chain(
		pipeline.ProcessorFunc(repetitionProcessor.Apply),
		pipeline.ProcessorFunc(throttleProcessor.Apply),
	)

	client, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: cfg.ElasticsearchAddresses})
	if err != nil {
		log.WithError(err).Fatal("building elasticsearch client")
	}
	batcher, err := egress.New(client, egress.Config{
		FlushInterval:      cfg.BatchFlushInterval,
		MaxActions:         cfg.BatchMaxActions,
		MaxConcurrency:     cfg.BatchMaxConcurrent,
		DefaultDestination: cfg.DefaultDestination,
		DocumentType:       cfg.DocumentType,
	}, nil, log)
	if err != nil {
		log.WithError(err).Fatal("building egress batcher")
	}

	runtime := pipeline.NewRuntime(producer, chain, batcher, []pipeline.Closer{repetitionProcessor, throttleProcessor}, 4, log)

	go runtime.Run()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	if err := runtime.Close(); err != nil {
		log.WithError(err).Error("shutting down")
	}
}

// throttleListener logs throttle-state transitions; a production deployment
// would instead forward these as messages into the pipeline, but that
// wiring is orthogonal to what this demo illustrates.
type throttleListener struct{}

func (throttleListener) OnStart(fingerprint string, count int) *message.Message {
	logrus.WithField("source", fingerprint).WithField("count", count).Warn("emitter exceeded throttle limit")
	return nil
}

func (throttleListener) OnRecurring(fingerprint string, count int) *message.Message {
	logrus.WithField("source", fingerprint).WithField("count", count).Warn("emitter still over throttle limit")
	return nil
}

func (throttleListener) OnEnd(fingerprint string, count int) *message.Message {
	logrus.WithField("source", fingerprint).WithField("count", count).Info("emitter back under throttle limit")
	return nil
}

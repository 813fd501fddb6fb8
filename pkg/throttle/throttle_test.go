// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2017 Datadog, Inc.

package throttle

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/CERN-BE/logalike/pkg/message"
)

func byHost(m *message.Message) string {
	v, _ := m.GetString("host")
	return v
}

type recordingListener struct {
	mu         sync.Mutex
	starts     []string
	recurrings []string
	ends       []string
}

func (l *recordingListener) OnStart(fp string, count int) *message.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.starts = append(l.starts, fp)
	m := message.New(nil, message.PolicyAccept)
	_ = m.Put("kind", "start")
	return m
}

func (l *recordingListener) OnRecurring(fp string, count int) *message.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recurrings = append(l.recurrings, fp)
	return nil
}

func (l *recordingListener) OnEnd(fp string, count int) *message.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ends = append(l.ends, fp)
	m := message.New(nil, message.PolicyAccept)
	_ = m.Put("kind", "end")
	return m
}

func newMessage(host string) *message.Message {
	m := message.New(nil, message.PolicyAccept)
	_ = m.Put("host", host)
	return m
}

func TestPassThroughForwardsWithinLimit(t *testing.T) {
	l := &recordingListener{}
	p := New(time.Hour, byHost, 5, l, nil)
	defer p.Close()

	in := make(chan *message.Message, 1)
	in <- newMessage("web01")
	close(in)

	out := p.Apply(in)
	got := <-out
	v, _ := got.GetString("host")
	assert.Equal(t, "web01", v)
}

func TestPassThroughDropsOverLimitMessages(t *testing.T) {
	l := &recordingListener{}
	p := New(time.Hour, byHost, 1, l, nil)
	defer p.Close()

	in := make(chan *message.Message, 3)
	in <- newMessage("web01")
	in <- newMessage("web01")
	in <- newMessage("web01")
	close(in)

	out := p.Apply(in)
	forwarded := 0
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		select {
		case m, ok := <-out:
			if !ok {
				assert.Equal(t, 1, forwarded)
				return
			}
			if m != nil {
				forwarded++
			}
		case <-time.After(50 * time.Millisecond):
		}
	}
	assert.Equal(t, 1, forwarded)
}

func TestClosedWindowOverLimitTriggersStartThenRecurring(t *testing.T) {
	l := &recordingListener{}
	p := New(15*time.Millisecond, byHost, 1, l, nil)
	defer p.Close()

	in := make(chan *message.Message)
	out := p.Apply(in)

	go func() {
		in <- newMessage("noisy")
		in <- newMessage("noisy")
		time.Sleep(30 * time.Millisecond)
		in <- newMessage("noisy")
		in <- newMessage("noisy")
		time.Sleep(30 * time.Millisecond)
		close(in)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case <-out:
		case <-time.After(20 * time.Millisecond):
		}
		l.mu.Lock()
		done := len(l.starts) >= 1 && len(l.recurrings) >= 1
		l.mu.Unlock()
		if done {
			break
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.True(t, len(l.starts) >= 1)
	assert.True(t, len(l.recurrings) >= 1)
}

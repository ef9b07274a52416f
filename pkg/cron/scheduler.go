// Copyright 2025 Valka Team
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cron schedules named maintenance jobs. Job bodies run with
// panic recovery so one bad sweep cannot take the process down.
package cron

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/robfig/cron"

	"github.com/valka-io/valka/pkg/log"
	"github.com/valka-io/valka/pkg/safe"
)

// Entry describes one registered job.
type Entry struct {
	Name string
	Spec string
}

// Scheduler wraps the cron runner with named entries.
type Scheduler struct {
	c       *cron.Cron
	mu      sync.Mutex
	entries []Entry
	running bool
}

func New() *Scheduler {
	return &Scheduler{c: cron.New()}
}

// AddFunc registers cmd under the given spec. Specs accept the
// seconds-resolution form and descriptors like "@daily".
func (s *Scheduler) AddFunc(spec, name string, cmd func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.Name == name {
			return errors.Errorf("cron job %q already registered", name)
		}
	}
	err := s.c.AddFunc(spec, func() {
		log.Debugw("cron job firing", "job", name)
		safe.Do(cmd)
	})
	if err != nil {
		return errors.Wrapf(err, "add cron job %q", name)
	}
	s.entries = append(s.entries, Entry{Name: name, Spec: spec})
	return nil
}

func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.c.Start()
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	s.c.Stop()
}

// Entries returns a copy of the registered jobs.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

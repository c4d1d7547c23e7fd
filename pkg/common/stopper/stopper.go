// Copyright 2023 - 2025 Moxa Authors
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

package stopper

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/moxasql/moxa/pkg/common/merr"
)

// Option configures a stopper.
type Option func(*Stopper)

// WithLogger sets the logger used to report task lifecycle.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Stopper) {
		s.logger = logger
	}
}

// Stopper owns a set of named background tasks and stops them together.
// Tasks receive a context that is cancelled on Stop; Stop blocks until
// every task has returned.
type Stopper struct {
	name   string
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu struct {
		sync.Mutex
		stopped bool
	}
}

// NewStopper creates a stopper with the given name.
func NewStopper(name string, opts ...Option) *Stopper {
	s := &Stopper{
		name:   name,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// RunNamedTask starts task in its own goroutine. It returns an error if
// the stopper has already been stopped.
func (s *Stopper) RunNamedTask(name string, task func(ctx context.Context)) error {
	s.mu.Lock()
	if s.mu.stopped {
		s.mu.Unlock()
		return merr.NewInternal("stopper %s already stopped", s.name)
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("task panic",
					zap.String("task", name),
					zap.Any("recover", r))
			}
		}()
		task(s.ctx)
	}()
	return nil
}

// RunTask is RunNamedTask with an anonymous name.
func (s *Stopper) RunTask(task func(ctx context.Context)) error {
	return s.RunNamedTask("task", task)
}

// Stop cancels all tasks and waits for them to return. Safe to call
// more than once.
func (s *Stopper) Stop() {
	s.mu.Lock()
	if s.mu.stopped {
		s.mu.Unlock()
		s.wg.Wait()
		return
	}
	s.mu.stopped = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.logger.Debug("stopper stopped", zap.String("name", s.name))
}

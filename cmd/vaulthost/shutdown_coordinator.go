package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"vaulthost/internal/logging"
)

type shutdownStep struct {
	name string
	stop func(context.Context) error
}

// shutdownSequence runs registered steps once, in registration order, so
// transports stop before the state they depend on.
type shutdownSequence struct {
	logger *logging.Logger
	once   sync.Once
	err    error

	mu      sync.Mutex
	steps   []shutdownStep
	current string
}

func newShutdownSequence(logger *logging.Logger) *shutdownSequence {
	return &shutdownSequence{logger: logger}
}

func (s *shutdownSequence) Add(name string, stop func(context.Context) error) {
	if stop == nil {
		return
	}
	s.mu.Lock()
	s.steps = append(s.steps, shutdownStep{name: name, stop: stop})
	s.mu.Unlock()
}

// AddFunc registers a step that cannot fail or observe the deadline.
func (s *shutdownSequence) AddFunc(name string, stop func()) {
	s.Add(name, func(context.Context) error {
		stop()
		return nil
	})
}

// Plan lists the step names in the order Run will stop them.
func (s *shutdownSequence) Plan() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.steps))
	for _, step := range s.steps {
		names = append(names, step.name)
	}
	return strings.Join(names, " > ")
}

// Current is the step Run is stopping right now, or "" outside Run.
func (s *shutdownSequence) Current() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *shutdownSequence) setCurrent(name string) {
	s.mu.Lock()
	s.current = name
	s.mu.Unlock()
}

func (s *shutdownSequence) Run(ctx context.Context) error {
	s.once.Do(func() {
		s.mu.Lock()
		steps := append([]shutdownStep(nil), s.steps...)
		s.mu.Unlock()
		defer s.setCurrent("")

		for _, step := range steps {
			s.setCurrent(step.name)
			started := time.Now()
			err := step.stop(ctx)
			fields := map[string]string{
				"step":     step.name,
				"duration": time.Since(started).Round(time.Millisecond).String(),
			}
			if err != nil {
				fields["error"] = err.Error()
				s.logger.Warn("shutdown step failed", fields)
				s.err = errors.Join(s.err, fmt.Errorf("%s: %w", step.name, err))
				continue
			}
			s.logger.Debug("shutdown step finished", fields)
		}
	})
	return s.err
}

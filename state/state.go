package state

import (
	"context"
	"log/slog"
	"slices"
	"sync/atomic"
)

type Module interface {
	Init(s *State) error
	Cleanup(s *State) error
}

// Stopped is delivered to watchers of a module when it stops
type Stopped struct {
	Module   string
	Watchers []string
}

type watch struct {
	watcher string
	notify  func(Stopped)
}

// State access must be done only on a single Goroutine
type State struct {
	*Env
	Modules map[string]Module
	watches map[string][]watch
}

// Env can be read from any Goroutine
type Env struct {
	DispatchChannel chan<- func(s *State) error
	NetworkCfg
	Context  context.Context
	Cancel   context.CancelCauseFunc
	Log      *slog.Logger
	Started  atomic.Bool
	Stopping atomic.Bool
}

// Watch registers notify to be called once target stops. A watcher may only watch a target once.
func (s *State) Watch(watcher, target string, notify func(Stopped)) {
	if s.watches == nil {
		s.watches = make(map[string][]watch)
	}
	s.Unwatch(watcher, target)
	s.watches[target] = append(s.watches[target], watch{watcher: watcher, notify: notify})
}

func (s *State) Unwatch(watcher, target string) {
	if s.watches == nil {
		return
	}
	s.watches[target] = slices.DeleteFunc(s.watches[target], func(w watch) bool {
		return w.watcher == watcher
	})
}

// Watchers returns the names of every module watching target
func (s *State) Watchers(target string) []string {
	names := make([]string, 0, len(s.watches[target]))
	for _, w := range s.watches[target] {
		names = append(names, w.watcher)
	}
	return names
}

// NotifyStopped delivers a Stopped notification for target to its watchers, and forgets them
func (s *State) NotifyStopped(target string) {
	watches := s.watches[target]
	delete(s.watches, target)
	msg := Stopped{
		Module:   target,
		Watchers: make([]string, 0, len(watches)),
	}
	for _, w := range watches {
		msg.Watchers = append(msg.Watchers, w.watcher)
	}
	for _, w := range watches {
		w.notify(msg)
	}
}

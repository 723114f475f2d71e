package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"reflect"
	"runtime"
	"time"

	"github.com/encodeous/tint"
	"github.com/encodeous/weft/perf"
	"github.com/encodeous/weft/state"
	"github.com/goccy/go-yaml"
	slogmulti "github.com/samber/slog-multi"
	"gopkg.in/natefinch/lumberjack.v2"
)

func ReadNetworkConfig(cfgPath string) (*state.NetworkCfg, error) {
	cfg := state.DefaultNetworkCfg()
	file, err := os.ReadFile(cfgPath)
	if err != nil {
		return nil, err
	}
	err = yaml.Unmarshal(file, &cfg)
	if err != nil {
		return nil, err
	}
	if err := state.NetworkConfigValidator(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// NewLogger logs to stderr, and to a rotated file when the config has a log path. The returned
// rotator is nil when no file is used.
func NewLogger(cfg state.NetworkCfg, level slog.Level, prefix string) (*slog.Logger, *lumberjack.Logger, error) {
	handlers := make([]slog.Handler, 0)
	handlers = append(handlers,
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:        level,
			AddSource:    false,
			CustomPrefix: prefix,
			ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
				if attr.Key == "time" {
					return slog.Attr{}
				}
				return attr
			},
		}))

	var rotator *lumberjack.Logger
	if cfg.LogPath != "" {
		err := os.MkdirAll(path.Dir(cfg.LogPath), 0700)
		if err != nil {
			return nil, nil, err
		}
		rotator = &lumberjack.Logger{
			Filename:   cfg.LogPath,
			MaxSize:    16,
			MaxBackups: 4,
			MaxAge:     14,
			Compress:   true,
		}
		handlers = append(handlers, slog.NewTextHandler(rotator, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(slogmulti.Fanout(handlers...)), rotator, nil
}

// Start builds a node on top of a transport and runs its main loop until the node context is cancelled.
// onStart is called once every module is initialized, before the main loop starts.
func Start(cfg state.NetworkCfg, logLevel slog.Level, newTransport func(state.Address) state.Transport, onStart func(*state.State)) error {
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(context.Canceled)

	dispatch := make(chan func(env *state.State) error, 128)

	node, err := NewNode(NodeCfg{
		Network:      cfg,
		NewTransport: newTransport,
		Log:          slog.New(slog.DiscardHandler),
	})
	if err != nil {
		return err
	}

	logger, rotator, err := NewLogger(cfg, logLevel, node.Identity.Short())
	if err != nil {
		return err
	}
	if rotator != nil {
		defer rotator.Close()
	}

	s := state.State{
		Modules: make(map[string]state.Module),
		Env: &state.Env{
			Context:         ctx,
			Cancel:          cancel,
			DispatchChannel: dispatch,
			NetworkCfg:      cfg,
			Log:             logger,
		},
	}

	s.Log.Info("init modules", "address", node.Address)
	err = initModules(&s, node.Modules())
	if err != nil {
		Stop(&s)
		return err
	}
	s.Log.Info("init modules complete")
	if onStart != nil {
		onStart(&s)
	}

	return MainLoop(&s, dispatch)
}

func initModules(s *state.State, modules []state.Module) error {
	for _, module := range modules {
		s.Modules[moduleName(module)] = module
		if err := module.Init(s); err != nil {
			return fmt.Errorf("init %s: %w", moduleName(module), err)
		}
	}
	return nil
}

func MainLoop(s *state.State, dispatch <-chan func(*state.State) error) error {
	s.Log.Debug("started main loop")
	s.Started.Store(true)
	for {
		select {
		case fun := <-dispatch:
			if fun == nil {
				goto endLoop
			}
			start := time.Now()
			err := fun(s)
			if err != nil {
				s.Log.Error("error occurred during dispatch: ", "error", err)
				s.Cancel(err)
			}
			elapsed := time.Since(start)
			perf.DispatchLatency.Add(float64(elapsed.Microseconds()))
			if elapsed > time.Millisecond*4 {
				s.Log.Warn("dispatch took a long time!", "fun", runtime.FuncForPC(reflect.ValueOf(fun).Pointer()).Name(), "elapsed", elapsed, "len", len(dispatch))
			}
		case <-s.Context.Done():
			goto endLoop
		}
	}
endLoop:
	s.Log.Info("stopped main loop", "reason", context.Cause(s.Context).Error())
	Stop(s)
	cause := context.Cause(s.Context)
	if errors.Is(cause, context.Canceled) {
		return nil
	}
	return cause
}

// Stop cleans up every module and notifies their watchers
func Stop(s *state.State) {
	if s.Stopping.Swap(true) {
		return // don't stop twice
	}
	s.Cancel(context.Canceled)
	if s.DispatchChannel != nil {
		close(s.DispatchChannel)
		s.DispatchChannel = nil
	}
	s.Log.Info("cleaning up modules")
	for name, module := range s.Modules {
		err := module.Cleanup(s)
		if err != nil {
			s.Log.Error("error occurred during Stop: ", "module", name, "error", err)
		}
		if watchers := s.Watchers(name); len(watchers) > 0 {
			s.Log.Debug("notifying watchers", "module", name, "watchers", watchers)
		}
		s.NotifyStopped(name)
	}
	s.Log.Info("stopped")
}

package sandbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	v8 "github.com/tommie/v8go"

	"github.com/agentworkforce/socialhost/internal/frameworker"
)

var ErrTimeout = errors.New("worker script timed out")

const (
	bindingPost  = "__socialhost_post"
	bindingClose = "__socialhost_close"
	bindingCall  = "__socialhost_call"
)

// The prelude takes the raw bindings off the global object and returns the
// host-side hooks. Workers only ever see the allowlisted capability names.
const preludeTemplate = `(function (names) {
  const post = globalThis.%[1]s;
  const closePort = globalThis.%[2]s;
  const call = globalThis.%[3]s;
  delete globalThis.%[1]s;
  delete globalThis.%[2]s;
  delete globalThis.%[3]s;
  for (const name of names) {
    globalThis[name] = function (...args) {
      const out = call(name, JSON.stringify(args));
      return out === undefined ? undefined : JSON.parse(out);
    };
  }
  const ports = new Map();
  return {
    connect(id) {
      const port = {
        onmessage: null,
        postMessage(data) { post(id, JSON.stringify(data)); },
        close() { closePort(id); },
      };
      ports.set(id, port);
      if (typeof globalThis.onconnect === "function") {
        globalThis.onconnect({ ports: [port] });
      }
    },
    deliver(id, json) {
      const port = ports.get(id);
      if (port && typeof port.onmessage === "function") {
        port.onmessage({ data: JSON.parse(json), target: port });
      }
    },
    disconnect(id) {
      const port = ports.get(id);
      ports.delete(id);
      if (port && typeof globalThis.ondisconnect === "function") {
        globalThis.ondisconnect({ ports: [port] });
      }
    },
    terminate() {
      ports.clear();
      if (typeof globalThis.onterminate === "function") {
        globalThis.onterminate();
      }
    },
  };
})(%[4]s)`

type Options struct {
	BootstrapTimeout time.Duration
	CallTimeout      time.Duration
	Logger           *slog.Logger
}

// Runtime creates one V8 isolate per worker process.
type Runtime struct {
	bootstrapTimeout time.Duration
	callTimeout      time.Duration
	logger           *slog.Logger
}

func New(opts Options) *Runtime {
	bootstrapTimeout := opts.BootstrapTimeout
	if bootstrapTimeout <= 0 {
		bootstrapTimeout = 5 * time.Second
	}
	callTimeout := opts.CallTimeout
	if callTimeout <= 0 {
		callTimeout = time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		bootstrapTimeout: bootstrapTimeout,
		callTimeout:      callTimeout,
		logger:           logger,
	}
}

func (r *Runtime) NewSandbox(workerURL string, caps frameworker.Capabilities) (frameworker.Sandbox, error) {
	iso := v8.NewIsolate()
	s := &isolateSandbox{
		url:              workerURL,
		iso:              iso,
		caps:             caps,
		ports:            map[string]*frameworker.Port{},
		bootstrapTimeout: r.bootstrapTimeout,
		callTimeout:      r.callTimeout,
		logger:           r.logger.With("worker", workerURL),
	}

	global := v8.NewObjectTemplate(iso)
	bindings := []struct {
		name string
		fn   v8.FunctionCallback
	}{
		{bindingPost, s.post},
		{bindingClose, s.closePort},
		{bindingCall, s.call},
	}
	for _, b := range bindings {
		if err := global.Set(b.name, v8.NewFunctionTemplate(iso, b.fn)); err != nil {
			iso.Dispose()
			return nil, fmt.Errorf("install %s: %w", b.name, err)
		}
	}
	s.ctx = v8.NewContext(iso, global)

	names, err := json.Marshal(caps.Names())
	if err != nil {
		s.dispose()
		return nil, err
	}
	prelude := fmt.Sprintf(preludeTemplate, bindingPost, bindingClose, bindingCall, names)
	hooksVal, err := s.ctx.RunScript(prelude, "socialhost-prelude.js")
	if err != nil {
		s.dispose()
		return nil, fmt.Errorf("install prelude: %w", err)
	}
	hooks, err := hooksVal.AsObject()
	if err != nil {
		s.dispose()
		return nil, fmt.Errorf("install prelude: %w", err)
	}
	s.hooks = hooks
	return s, nil
}

// isolateSandbox is only touched from its worker's event loop.
type isolateSandbox struct {
	url    string
	iso    *v8.Isolate
	ctx    *v8.Context
	hooks  *v8.Object
	caps   frameworker.Capabilities
	ports  map[string]*frameworker.Port
	logger *slog.Logger

	bootstrapTimeout time.Duration
	callTimeout      time.Duration
	disposed         bool
}

func (s *isolateSandbox) Evaluate(source string) error {
	return s.guard(s.bootstrapTimeout, func() error {
		_, err := s.ctx.RunScript(source, s.url)
		return err
	})
}

func (s *isolateSandbox) Connect(port *frameworker.Port) error {
	id := portKey(port)
	s.ports[id] = port
	if err := s.invoke("connect", id); err != nil {
		delete(s.ports, id)
		return err
	}
	port.SetOnMessage(func(msg frameworker.Message) {
		payload, err := json.Marshal(msg)
		if err != nil {
			s.logger.Warn("encode message for worker", "topic", msg.Topic, "error", err)
			return
		}
		if err := s.invoke("deliver", id, string(payload)); err != nil {
			s.logger.Warn("worker onmessage failed", "topic", msg.Topic, "error", err)
		}
	})
	return nil
}

func (s *isolateSandbox) Disconnect(port *frameworker.Port) {
	id := portKey(port)
	if _, ok := s.ports[id]; !ok {
		return
	}
	delete(s.ports, id)
	if err := s.invoke("disconnect", id); err != nil {
		s.logger.Warn("worker ondisconnect failed", "error", err)
	}
}

func (s *isolateSandbox) Terminate() {
	if s.disposed {
		return
	}
	if s.hooks != nil {
		if err := s.invoke("terminate"); err != nil {
			s.logger.Warn("worker onterminate failed", "error", err)
		}
	}
	s.ports = map[string]*frameworker.Port{}
	s.dispose()
}

func (s *isolateSandbox) dispose() {
	if s.disposed {
		return
	}
	s.disposed = true
	if s.ctx != nil {
		s.ctx.Close()
	}
	s.iso.Dispose()
}

func (s *isolateSandbox) invoke(name string, args ...string) error {
	if s.disposed {
		return fmt.Errorf("sandbox for %s is disposed", s.url)
	}
	fnVal, err := s.hooks.Get(name)
	if err != nil {
		return err
	}
	fn, err := fnVal.AsFunction()
	if err != nil {
		return err
	}
	values := make([]v8.Valuer, 0, len(args))
	for _, arg := range args {
		v, err := v8.NewValue(s.iso, arg)
		if err != nil {
			return err
		}
		values = append(values, v)
	}
	return s.guard(s.callTimeout, func() error {
		_, err := fn.Call(s.hooks, values...)
		return err
	})
}

// guard runs fn under a watchdog; TerminateExecution is safe from any goroutine.
func (s *isolateSandbox) guard(timeout time.Duration, fn func() error) error {
	var timedOut atomic.Bool
	watchdog := time.AfterFunc(timeout, func() {
		timedOut.Store(true)
		s.iso.TerminateExecution()
	})
	err := fn()
	watchdog.Stop()
	if timedOut.Load() {
		return fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}
	if err != nil {
		return err
	}
	s.ctx.PerformMicrotaskCheckpoint()
	return nil
}

func (s *isolateSandbox) post(info *v8.FunctionCallbackInfo) *v8.Value {
	args := info.Args()
	if len(args) < 2 {
		return s.throw(fmt.Errorf("postMessage requires a message"))
	}
	port, ok := s.ports[args[0].String()]
	if !ok {
		return s.throw(&frameworker.PortClosedError{Label: s.url})
	}
	var msg frameworker.Message
	if err := json.Unmarshal([]byte(args[1].String()), &msg); err != nil {
		return s.throw(fmt.Errorf("postMessage expects {topic, data}: %w", err))
	}
	if err := port.PostMessage(msg); err != nil {
		return s.throw(err)
	}
	return nil
}

func (s *isolateSandbox) closePort(info *v8.FunctionCallbackInfo) *v8.Value {
	args := info.Args()
	if len(args) < 1 {
		return nil
	}
	if port, ok := s.ports[args[0].String()]; ok {
		port.Close()
	}
	return nil
}

func (s *isolateSandbox) call(info *v8.FunctionCallbackInfo) *v8.Value {
	args := info.Args()
	if len(args) < 2 {
		return s.throw(fmt.Errorf("capability call requires a name"))
	}
	name := args[0].String()
	capability, ok := s.caps[name]
	if !ok {
		return s.throw(fmt.Errorf("capability %q is not available", name))
	}
	var callArgs []any
	if err := json.Unmarshal([]byte(args[1].String()), &callArgs); err != nil {
		return s.throw(err)
	}
	result, err := capability(callArgs...)
	if err != nil {
		return s.throw(err)
	}
	if result == nil {
		return nil
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return s.throw(err)
	}
	val, err := v8.NewValue(s.iso, string(encoded))
	if err != nil {
		return s.throw(err)
	}
	return val
}

func (s *isolateSandbox) throw(err error) *v8.Value {
	msg, _ := v8.NewValue(s.iso, err.Error())
	return s.iso.ThrowException(msg)
}

func portKey(port *frameworker.Port) string {
	return strconv.FormatUint(port.ID(), 10)
}

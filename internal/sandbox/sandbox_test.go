package sandbox

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/socialhost/internal/frameworker"
)

const echoScript = `
var connections = 0;
onconnect = function (e) {
  var port = e.ports[0];
  connections++;
  port.onmessage = function (ev) {
    var msg = ev.data;
    if (msg.topic === "whoami") {
      port.postMessage({ topic: "count", data: connections });
      return;
    }
    if (msg.topic === "leak") {
      port.postMessage({ topic: "leak", data: typeof __socialhost_post });
      return;
    }
    if (msg.topic === "cap") {
      port.postMessage({ topic: "cap", data: greet(msg.data) });
      return;
    }
    port.postMessage({ topic: "echo", data: msg.data });
  };
};
`

type collector struct {
	mu   sync.Mutex
	msgs []frameworker.Message
}

func (c *collector) handle(msg frameworker.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
}

func (c *collector) last() (frameworker.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.msgs) == 0 {
		return frameworker.Message{}, false
	}
	return c.msgs[len(c.msgs)-1], true
}

func newBroker(t *testing.T, source string) *frameworker.Broker {
	t.Helper()
	caps := frameworker.Capabilities{
		"greet": func(args ...any) (any, error) {
			return "hello " + args[0].(string), nil
		},
	}
	broker := frameworker.NewBroker(frameworker.Options{
		Runtime: New(Options{}),
		Scripts: frameworker.ScriptLoaderFunc(func(context.Context, string) (string, error) {
			return source, nil
		}),
		Capabilities: caps,
	})
	t.Cleanup(broker.Close)
	return broker
}

func roundTrip(t *testing.T, port *frameworker.Port, c *collector, topic string, data any) frameworker.Message {
	t.Helper()
	c.mu.Lock()
	before := len(c.msgs)
	c.mu.Unlock()
	require.NoError(t, port.Post(topic, data))
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.msgs) > before
	}, 5*time.Second, 5*time.Millisecond)
	msg, _ := c.last()
	return msg
}

func TestSandboxEchoesMessages(t *testing.T) {
	broker := newBroker(t, echoScript)
	port, err := broker.Connect("https://example.com/worker.js", "ui")
	require.NoError(t, err)
	c := &collector{}
	port.SetOnMessage(c.handle)

	msg := roundTrip(t, port, c, "ping", map[string]int{"n": 1})
	assert.Equal(t, "echo", msg.Topic)
	assert.JSONEq(t, `{"n":1}`, string(msg.Data))
}

func TestSandboxHidesRawBindingsAndExposesAllowlist(t *testing.T) {
	broker := newBroker(t, echoScript)
	port, err := broker.Connect("https://example.com/worker.js", "ui")
	require.NoError(t, err)
	c := &collector{}
	port.SetOnMessage(c.handle)

	msg := roundTrip(t, port, c, "leak", nil)
	assert.JSONEq(t, `"undefined"`, string(msg.Data))

	msg = roundTrip(t, port, c, "cap", "world")
	assert.JSONEq(t, `"hello world"`, string(msg.Data))
}

func TestSandboxSharesOneContextAcrossConnections(t *testing.T) {
	broker := newBroker(t, echoScript)
	first, err := broker.Connect("https://example.com/worker.js", "sidebar")
	require.NoError(t, err)
	second, err := broker.Connect("https://example.com/worker.js", "toolbar")
	require.NoError(t, err)

	c := &collector{}
	second.SetOnMessage(c.handle)
	first.SetOnMessage(func(frameworker.Message) {})

	msg := roundTrip(t, second, c, "whoami", nil)
	assert.JSONEq(t, `2`, string(msg.Data))
}

func TestSandboxBootstrapExceptionFailsProcess(t *testing.T) {
	broker := newBroker(t, `throw new Error("broken worker")`)
	_, err := broker.Connect("https://example.com/worker.js", "ui")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		state, _ := broker.State("https://example.com/worker.js")
		return state == frameworker.ProcessFailed
	}, 5*time.Second, 5*time.Millisecond)
	require.ErrorIs(t, broker.Err("https://example.com/worker.js"), frameworker.ErrWorkerBootstrap)
}

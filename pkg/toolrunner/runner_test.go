package toolrunner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autarkd/autark/pkg/llm"
)

func newTestRunner(t *testing.T, opts Options) *Runner {
	t.Helper()
	opts.Logger = zerolog.Nop()
	r := New(opts)
	t.Cleanup(r.Close)
	return r
}

func echoTool(name string, extra func(def *ToolDefinition)) ToolDefinition {
	def := ToolDefinition{
		Name:        name,
		Description: "echoes its input",
		Parameters: []ToolParameter{
			{Name: "text", Type: "string", Description: "text to echo", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (string, error) {
			return params["text"].(string), nil
		},
	}
	if extra != nil {
		extra(&def)
	}
	return def
}

func call(id, name string, params map[string]interface{}) llm.ToolCall {
	return llm.ToolCall{ID: id, Name: name, Parameters: params}
}

func TestRegisterValidation(t *testing.T) {
	r := newTestRunner(t, Options{})

	assert.Error(t, r.Register(ToolDefinition{Description: "no name"}))
	assert.Error(t, r.Register(ToolDefinition{Name: "x", Description: "no handler"}))
	assert.Error(t, r.Register(echoTool("both", func(d *ToolDefinition) {
		d.Stateful = true
		d.ReadOnly = true
	})))
	assert.NoError(t, r.Register(echoTool("ok", nil)))
}

func TestExecute(t *testing.T) {
	r := newTestRunner(t, Options{})
	require.NoError(t, r.Register(echoTool("echo", nil)))

	t.Run("success", func(t *testing.T) {
		res := r.Execute(context.Background(), call("c1", "echo", map[string]interface{}{"text": "hi"}))
		assert.True(t, res.Ok())
		assert.Equal(t, "hi", res.Output)
		assert.Equal(t, "c1", res.ToolCallID)
	})

	t.Run("unknown tool", func(t *testing.T) {
		res := r.Execute(context.Background(), call("c2", "nope", nil))
		assert.False(t, res.Ok())
		assert.Contains(t, res.Error, "tool not found")
	})

	t.Run("schema rejects missing required arg", func(t *testing.T) {
		res := r.Execute(context.Background(), call("c3", "echo", map[string]interface{}{}))
		assert.False(t, res.Ok())
		assert.Contains(t, res.Error, "validation")
	})

	t.Run("handler error", func(t *testing.T) {
		failing := echoTool("boom", nil)
		failing.Handler = func(ctx context.Context, params map[string]interface{}) (string, error) {
			return "", errors.New("disk on fire")
		}
		require.NoError(t, r.Register(failing))

		res := r.Execute(context.Background(), call("c4", "boom", map[string]interface{}{"text": "x"}))
		assert.False(t, res.Ok())
		assert.Equal(t, "disk on fire", res.Error)
	})
}

func TestExecuteTimeout(t *testing.T) {
	r := newTestRunner(t, Options{})
	slow := echoTool("slow", func(d *ToolDefinition) {
		d.Timeout = 50 * time.Millisecond
	})
	slow.Handler = func(ctx context.Context, params map[string]interface{}) (string, error) {
		select {
		case <-time.After(5 * time.Second):
			return "too late", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	require.NoError(t, r.Register(slow))

	start := time.Now()
	res := r.Execute(context.Background(), call("c1", "slow", map[string]interface{}{"text": "x"}))
	elapsed := time.Since(start)

	assert.True(t, res.TimedOut)
	assert.False(t, res.Ok())
	assert.Contains(t, res.Output, "still running")
	// returns promptly at the deadline, not after the handler finishes
	assert.Less(t, elapsed, 500*time.Millisecond)
}

func TestTruncation(t *testing.T) {
	r := newTestRunner(t, Options{MaxResultChars: 100})
	big := echoTool("big", nil)
	big.Handler = func(ctx context.Context, params map[string]interface{}) (string, error) {
		return strings.Repeat("z", 5000), nil
	}
	require.NoError(t, r.Register(big))

	res := r.Execute(context.Background(), call("c1", "big", map[string]interface{}{"text": "x"}))
	assert.True(t, res.Truncated)
	assert.Contains(t, res.Output, "(truncated from 5000 chars)")
	assert.Less(t, len(res.Output), 200)
}

func TestTruncationKeepsValidUTF8(t *testing.T) {
	// 3-byte runes, so a 100-byte cap lands mid-rune
	r := newTestRunner(t, Options{MaxResultChars: 100})
	big := echoTool("big", nil)
	big.Handler = func(ctx context.Context, params map[string]interface{}) (string, error) {
		return strings.Repeat("日", 500), nil
	}
	require.NoError(t, r.Register(big))

	res := r.Execute(context.Background(), call("c1", "big", map[string]interface{}{"text": "x"}))
	assert.True(t, res.Truncated)
	assert.True(t, utf8.ValidString(res.Output))
}

func TestCache(t *testing.T) {
	r := newTestRunner(t, Options{})
	var calls int32
	cached := echoTool("lookup", func(d *ToolDefinition) {
		d.Cacheable = true
	})
	cached.Handler = func(ctx context.Context, params map[string]interface{}) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "result", nil
	}
	require.NoError(t, r.Register(cached))

	args := map[string]interface{}{"text": "q"}
	first := r.Execute(context.Background(), call("c1", "lookup", args))
	second := r.Execute(context.Background(), call("c2", "lookup", args))

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.False(t, first.Cached)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Output, second.Output)

	// per-task cache clears on reset
	r.ResetTask()
	r.Execute(context.Background(), call("c3", "lookup", args))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestCacheKeyIgnoresArgOrder(t *testing.T) {
	a := cacheKey("t", map[string]interface{}{"a": 1, "b": "x"})
	b := cacheKey("t", map[string]interface{}{"b": "x", "a": 1})
	assert.Equal(t, a, b)

	c := cacheKey("t", map[string]interface{}{"a": 2, "b": "x"})
	assert.NotEqual(t, a, c)
}

func TestBatchPreservesOrder(t *testing.T) {
	r := newTestRunner(t, Options{MaxParallel: 4})
	slowEcho := echoTool("probe", func(d *ToolDefinition) { d.ReadOnly = true })
	slowEcho.Handler = func(ctx context.Context, params map[string]interface{}) (string, error) {
		// later calls finish first
		d := time.Duration(10-int(params["n"].(float64))) * 10 * time.Millisecond
		time.Sleep(d)
		return fmt.Sprintf("%v", params["n"]), nil
	}
	slowEcho.Parameters = []ToolParameter{
		{Name: "n", Type: "number", Description: "index", Required: true},
	}
	require.NoError(t, r.Register(slowEcho))

	calls := []llm.ToolCall{}
	for i := 0; i < 6; i++ {
		calls = append(calls, call(fmt.Sprintf("c%d", i), "probe", map[string]interface{}{"n": float64(i)}))
	}

	results := r.ExecuteBatch(context.Background(), calls)
	require.Len(t, results, 6)
	for i, res := range results {
		assert.Equal(t, fmt.Sprintf("c%d", i), res.ToolCallID)
		assert.Equal(t, fmt.Sprintf("%d", i), res.Output)
	}
}

func TestBatchParallelism(t *testing.T) {
	r := newTestRunner(t, Options{MaxParallel: 8})

	var mu sync.Mutex
	running, peak := 0, 0
	par := echoTool("par", func(d *ToolDefinition) { d.ReadOnly = true })
	par.Handler = func(ctx context.Context, params map[string]interface{}) (string, error) {
		mu.Lock()
		running++
		if running > peak {
			peak = running
		}
		mu.Unlock()
		time.Sleep(30 * time.Millisecond)
		mu.Lock()
		running--
		mu.Unlock()
		return "ok", nil
	}
	require.NoError(t, r.Register(par))

	calls := []llm.ToolCall{}
	for i := 0; i < 6; i++ {
		calls = append(calls, call(fmt.Sprintf("c%d", i), "par", map[string]interface{}{"text": fmt.Sprintf("%d", i)}))
	}
	r.ExecuteBatch(context.Background(), calls)

	mu.Lock()
	defer mu.Unlock()
	assert.Greater(t, peak, 1, "read-only calls should overlap")
}

func TestBatchWidthLimit(t *testing.T) {
	r := newTestRunner(t, Options{MaxParallel: 2})

	var mu sync.Mutex
	running, peak := 0, 0
	par := echoTool("par", func(d *ToolDefinition) { d.ReadOnly = true })
	par.Handler = func(ctx context.Context, params map[string]interface{}) (string, error) {
		mu.Lock()
		running++
		if running > peak {
			peak = running
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		running--
		mu.Unlock()
		return "ok", nil
	}
	require.NoError(t, r.Register(par))

	calls := []llm.ToolCall{}
	for i := 0; i < 8; i++ {
		calls = append(calls, call(fmt.Sprintf("c%d", i), "par", map[string]interface{}{"text": "x"}))
	}
	r.ExecuteBatch(context.Background(), calls)

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, peak, 2)
}

func TestBatchDedupesDuplicateCacheableCalls(t *testing.T) {
	r := newTestRunner(t, Options{MaxParallel: 4})

	var calls32 int32
	dup := echoTool("lookup", func(d *ToolDefinition) {
		d.ReadOnly = true
		d.Cacheable = true
	})
	dup.Handler = func(ctx context.Context, params map[string]interface{}) (string, error) {
		atomic.AddInt32(&calls32, 1)
		time.Sleep(10 * time.Millisecond)
		return "v", nil
	}
	require.NoError(t, r.Register(dup))

	args := map[string]interface{}{"text": "same"}
	results := r.ExecuteBatch(context.Background(), []llm.ToolCall{
		call("c1", "lookup", args),
		call("c2", "lookup", args),
		call("c3", "lookup", args),
	})

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls32))
	for i, res := range results {
		assert.Equal(t, "v", res.Output, "result %d", i)
	}
	assert.Equal(t, "c2", results[1].ToolCallID)
	assert.True(t, results[1].Cached)
}

func TestBatchMixedSerializesWrites(t *testing.T) {
	r := newTestRunner(t, Options{MaxParallel: 4})

	var order []string
	var mu sync.Mutex
	record := func(name string) {
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
	}

	read := echoTool("read", func(d *ToolDefinition) { d.ReadOnly = true })
	read.Handler = func(ctx context.Context, params map[string]interface{}) (string, error) {
		record("read")
		return "r", nil
	}
	write := echoTool("write", nil)
	write.Handler = func(ctx context.Context, params map[string]interface{}) (string, error) {
		record("write")
		return "w", nil
	}
	require.NoError(t, r.Register(read))
	require.NoError(t, r.Register(write))

	args := map[string]interface{}{"text": "x"}
	results := r.ExecuteBatch(context.Background(), []llm.ToolCall{
		call("c1", "read", args),
		call("c2", "write", args),
		call("c3", "read", args),
	})

	require.Len(t, results, 3)
	mu.Lock()
	defer mu.Unlock()
	// the write runs after the first read and before the second
	assert.Equal(t, []string{"read", "write", "read"}, order)
}

func TestBatchMixedRunsFullySerial(t *testing.T) {
	r := newTestRunner(t, Options{MaxParallel: 8})

	var mu sync.Mutex
	running, peak := 0, 0
	track := func() func() {
		mu.Lock()
		running++
		if running > peak {
			peak = running
		}
		mu.Unlock()
		return func() {
			mu.Lock()
			running--
			mu.Unlock()
		}
	}

	read := echoTool("read", func(d *ToolDefinition) { d.ReadOnly = true })
	read.Handler = func(ctx context.Context, params map[string]interface{}) (string, error) {
		defer track()()
		time.Sleep(20 * time.Millisecond)
		return "r", nil
	}
	write := echoTool("write", nil)
	write.Handler = func(ctx context.Context, params map[string]interface{}) (string, error) {
		defer track()()
		time.Sleep(20 * time.Millisecond)
		return "w", nil
	}
	require.NoError(t, r.Register(read))
	require.NoError(t, r.Register(write))

	args := map[string]interface{}{"text": "x"}
	r.ExecuteBatch(context.Background(), []llm.ToolCall{
		call("c1", "read", args),
		call("c2", "read", args),
		call("c3", "write", args),
		call("c4", "read", args),
	})

	mu.Lock()
	defer mu.Unlock()
	// one non-read-only call makes the whole round serial
	assert.Equal(t, 1, peak)
}

func TestStatefulLaneKeepsState(t *testing.T) {
	r := newTestRunner(t, Options{})

	counter := 0 // guarded by the lane's serial execution
	stateful := echoTool("session", func(d *ToolDefinition) { d.Stateful = true })
	stateful.Handler = func(ctx context.Context, params map[string]interface{}) (string, error) {
		counter++
		return fmt.Sprintf("%d", counter), nil
	}
	require.NoError(t, r.Register(stateful))

	args := map[string]interface{}{"text": "x"}
	assert.Equal(t, "1", r.Execute(context.Background(), call("c1", "session", args)).Output)
	assert.Equal(t, "2", r.Execute(context.Background(), call("c2", "session", args)).Output)
}

func TestStatefulLaneResetsOnTimeout(t *testing.T) {
	r := newTestRunner(t, Options{})

	block := make(chan struct{})
	stateful := echoTool("session", func(d *ToolDefinition) {
		d.Stateful = true
		d.Timeout = 30 * time.Millisecond
	})
	stateful.Handler = func(ctx context.Context, params map[string]interface{}) (string, error) {
		if params["text"] == "hang" {
			<-block
		}
		return "done", nil
	}
	require.NoError(t, r.Register(stateful))

	res := r.Execute(context.Background(), call("c1", "session", map[string]interface{}{"text": "hang"}))
	assert.True(t, res.TimedOut)

	// the lane recovered; the next call runs on a fresh goroutine
	res = r.Execute(context.Background(), call("c2", "session", map[string]interface{}{"text": "ok"}))
	assert.True(t, res.Ok())
	assert.Equal(t, "done", res.Output)

	close(block)
}

func TestSpecs(t *testing.T) {
	r := newTestRunner(t, Options{})
	require.NoError(t, r.Register(echoTool("echo", nil)))

	specs := r.Specs()
	require.Len(t, specs, 1)
	assert.Equal(t, "echo", specs[0].Name)

	props := specs[0].InputSchema["properties"].(map[string]interface{})
	assert.Contains(t, props, "text")
	required := specs[0].InputSchema["required"].([]interface{})
	assert.Equal(t, "text", required[0])
}

package toolrunner

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/autarkd/autark/pkg/llm"
)

// ExecuteBatch runs one round's tool calls. When every call in the round
// is read-only and there is more than one, they fan out in parallel up to
// the configured width; a round containing any stateful or mutating call
// runs strictly serially. Results come back in the order the calls were
// made.
func (r *Runner) ExecuteBatch(ctx context.Context, calls []llm.ToolCall) []ToolResult {
	results := make([]ToolResult, len(calls))

	allReadOnly := len(calls) > 1
	for _, c := range calls {
		if !r.isReadOnly(c.Name) {
			allReadOnly = false
			break
		}
	}

	if allReadOnly {
		r.executeParallel(ctx, calls, results)
		return results
	}

	for i, c := range calls {
		results[i] = r.Execute(ctx, c)
	}
	return results
}

// executeParallel runs read-only calls concurrently, writing each result
// into its original slot. Duplicate cacheable calls within the batch are
// serialized by key so the underlying tool runs once.
func (r *Runner) executeParallel(ctx context.Context, calls []llm.ToolCall, results []ToolResult) {
	// Map each cacheable key to the first call carrying it; later
	// duplicates copy the first call's output after the batch finishes.
	firstByKey := make(map[string]int)
	dup := make([]int, len(calls)) // index of the call to copy from, or -1

	for idx, call := range calls {
		dup[idx] = -1
		if tool := r.Get(call.Name); tool != nil && tool.Cacheable {
			key := cacheKey(call.Name, call.Parameters)
			if first, seen := firstByKey[key]; seen {
				dup[idx] = first
			} else {
				firstByKey[key] = idx
			}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.maxParallel)

	for idx := range calls {
		if dup[idx] >= 0 {
			continue
		}
		g.Go(func() error {
			results[idx] = r.Execute(gctx, calls[idx])
			return nil
		})
	}
	_ = g.Wait()

	for idx, first := range dup {
		if first < 0 {
			continue
		}
		copied := results[first]
		copied.ToolCallID = calls[idx].ID
		copied.Cached = true
		results[idx] = copied
	}
}

func (r *Runner) isReadOnly(name string) bool {
	tool := r.Get(name)
	return tool != nil && tool.ReadOnly
}

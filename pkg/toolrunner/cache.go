package toolrunner

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"
)

// resultCache memoizes cacheable tool outputs for the lifetime of a task.
// Keys are canonical, so argument order in the call does not matter.
type resultCache struct {
	mu      sync.Mutex
	entries map[string]string
}

func newResultCache() *resultCache {
	return &resultCache{entries: make(map[string]string)}
}

// cacheKey builds a stable key from the tool name and its arguments.
// Map keys are sorted before marshaling so logically equal argument sets
// collide.
func cacheKey(name string, params map[string]interface{}) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('(')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		val, err := json.Marshal(params[k])
		if err != nil {
			b.WriteString("?")
			continue
		}
		b.Write(val)
	}
	b.WriteByte(')')
	return b.String()
}

func (c *resultCache) get(name string, params map[string]interface{}) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out, ok := c.entries[cacheKey(name, params)]
	return out, ok
}

func (c *resultCache) put(name string, params map[string]interface{}, output string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey(name, params)] = output
}

func (c *resultCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]string)
}

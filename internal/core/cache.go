package core

// cacheEntry is one resolved result keyed by feature, serialized context,
// and serialized global context.
type cacheEntry struct {
	feature    string
	contextKey string
	globalKey  string
	value      any
}

// resultCache is an ordered collection of resolved results. Lookup is a
// linear scan: per-engine working sets are small and the cache lives for one
// unit of work, so the simple structure wins over a layered map.
type resultCache struct {
	entries []cacheEntry
}

func (c *resultCache) get(feature, contextKey, globalKey string) (any, bool) {
	for i := range c.entries {
		e := &c.entries[i]
		if e.feature == feature && e.contextKey == contextKey && e.globalKey == globalKey {
			return e.value, true
		}
	}
	return nil, false
}

// set updates a matching entry in place, preserving its position, or
// appends a new one. At most one entry exists per key.
func (c *resultCache) set(feature, contextKey, globalKey string, value any) {
	for i := range c.entries {
		e := &c.entries[i]
		if e.feature == feature && e.contextKey == contextKey && e.globalKey == globalKey {
			e.value = value
			return
		}
	}
	c.entries = append(c.entries, cacheEntry{
		feature:    feature,
		contextKey: contextKey,
		globalKey:  globalKey,
		value:      value,
	})
}

// delete removes every entry for the feature and context, across all global
// context keys.
func (c *resultCache) delete(feature, contextKey string) {
	kept := c.entries[:0]
	for _, e := range c.entries {
		if e.feature == feature && e.contextKey == contextKey {
			continue
		}
		kept = append(kept, e)
	}
	c.entries = kept
}

// evictFeature removes every entry for the feature, forcing re-resolution on
// the next read.
func (c *resultCache) evictFeature(feature string) {
	kept := c.entries[:0]
	for _, e := range c.entries {
		if e.feature == feature {
			continue
		}
		kept = append(kept, e)
	}
	c.entries = kept
}

func (c *resultCache) flush() {
	c.entries = nil
}

func (c *resultCache) len() int {
	return len(c.entries)
}

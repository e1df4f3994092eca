package pgdb

import "container/list"

// stmtCache is the per-connection bounded LRU of prepared statements. It
// is keyed by SQL text so that identical SQL on the same connection
// always yields the same Stmt.
//
// There is deliberately no cross-session or cross-connection statement
// cache: a server-side prepared statement only exists on the connection
// that prepared it, so the cache lives here, one per conn, rather than
// on the Manager. container/list is enough for a structure this small;
// reaching for a third-party LRU would be the odd choice, not the other
// way around.
type stmtCache struct {
	capacity int
	entries  map[string]*list.Element
	order    *list.List // front = most recently used
}

type stmtCacheEntry struct {
	sql  string
	stmt Stmt
}

func newStmtCache(capacity int) *stmtCache {
	if capacity <= 0 {
		capacity = 1
	}
	return &stmtCache{
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

func (c *stmtCache) get(sql string) (Stmt, bool) {
	el, ok := c.entries[sql]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*stmtCacheEntry).stmt, true
}

// put inserts stmt under sql, evicting the least-recently-used entry if
// the cache is at capacity. It returns the Stmt evicted, if any, so the
// caller can close the corresponding server-side prepared statement.
func (c *stmtCache) put(sql string, stmt Stmt) (evicted Stmt) {
	if el, ok := c.entries[sql]; ok {
		el.Value.(*stmtCacheEntry).stmt = stmt
		c.order.MoveToFront(el)
		return nil
	}

	el := c.order.PushFront(&stmtCacheEntry{sql: sql, stmt: stmt})
	c.entries[sql] = el

	if c.order.Len() > c.capacity {
		back := c.order.Back()
		if back != nil {
			entry := back.Value.(*stmtCacheEntry)
			evicted = entry.stmt
			delete(c.entries, entry.sql)
			c.order.Remove(back)
		}
	}
	return evicted
}

func (c *stmtCache) len() int { return c.order.Len() }

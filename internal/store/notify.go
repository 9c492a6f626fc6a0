package store

// ChangeFunc is called after a table changed. It runs on the writer's
// goroutine and must not block.
type ChangeFunc func(table string)

type subscription struct {
	fn     ChangeFunc
	tables map[string]bool
}

// Subscribe registers fn for changes to tables (all tables when none are
// given). The returned function removes the subscription.
func (s *Store) Subscribe(fn ChangeFunc, tables ...string) (unsubscribe func()) {
	sub := subscription{fn: fn}
	if len(tables) > 0 {
		sub.tables = make(map[string]bool, len(tables))
		for _, t := range tables {
			sub.tables[t] = true
		}
	}

	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = sub
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

// Notify tells subscribers that tables changed.
func (s *Store) Notify(tables ...string) {
	s.subMu.RLock()
	subs := make([]subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subMu.RUnlock()

	for _, table := range tables {
		for _, sub := range subs {
			if sub.tables == nil || sub.tables[table] {
				sub.fn(table)
			}
		}
	}
}

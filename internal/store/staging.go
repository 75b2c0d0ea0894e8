package store

import "sync"

type pendingWrite struct {
	value   []byte
	deleted bool
}

// staging buffers writes between flushes. Commits are serialized and the
// writes being committed stay readable until the backend has them.
type staging struct {
	mu       sync.Mutex
	pending  map[string]pendingWrite
	inflight map[string]pendingWrite
	commitMu sync.Mutex
}

func (s *staging) set(key string, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, len(value))
	copy(buf, value)
	if s.pending == nil {
		s.pending = make(map[string]pendingWrite)
	}
	s.pending[key] = pendingWrite{value: buf}
}

func (s *staging) delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		s.pending = make(map[string]pendingWrite)
	}
	s.pending[key] = pendingWrite{deleted: true}
}

// lookup returns the staged or in-flight value; found is false if the key has neither
func (s *staging) lookup(key string) (value []byte, deleted, found bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.pending[key]
	if !ok {
		w, ok = s.inflight[key]
	}
	if !ok {
		return nil, false, false
	}
	return w.value, w.deleted, true
}

// flush hands the staged writes to commit. A flush that starts while another
// is committing waits for it, so every write staged before flush was called is
// durable once it returns nil. Failed writes are staged again unless a newer
// write to the same key arrived meanwhile.
func (s *staging) flush(commit func(writes map[string]pendingWrite) error) (int, error) {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	s.mu.Lock()
	writes := s.pending
	s.pending = nil
	s.inflight = writes
	s.mu.Unlock()

	if len(writes) == 0 {
		return 0, nil
	}

	err := commit(writes)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight = nil
	if err != nil {
		if s.pending == nil {
			s.pending = make(map[string]pendingWrite)
		}
		for k, w := range writes {
			if _, ok := s.pending[k]; !ok {
				s.pending[k] = w
			}
		}
	}
	return len(writes), err
}

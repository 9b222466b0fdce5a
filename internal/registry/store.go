package registry

import (
	"sort"
	"sync"

	"keelci/internal/core"
)

// Store persists runs. Implementations need not be safe for concurrent
// use; the Registry serializes every call.
type Store interface {
	// NextNumber returns a run number never handed out before.
	NextNumber() (uint64, error)
	Save(run *core.Run) error
	Load(number uint64) (*core.Run, error)
	// All returns every stored run, oldest first.
	All() ([]*core.Run, error)
	Delete(number uint64) error
	Close() error
}

// MemoryStore keeps runs in process memory.
type MemoryStore struct {
	mu   sync.Mutex
	last uint64
	runs map[uint64][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[uint64][]byte)}
}

func (m *MemoryStore) NextNumber() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last++
	return m.last, nil
}

// Save stores an encoded copy so callers cannot mutate stored runs.
func (m *MemoryStore) Save(run *core.Run) error {
	data, err := encodeRun(run)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.runs[run.Number] = data
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Load(number uint64) (*core.Run, error) {
	m.mu.Lock()
	data, ok := m.runs[number]
	m.mu.Unlock()
	if !ok {
		return nil, core.ErrNotFound
	}
	return decodeRun(data)
}

func (m *MemoryStore) All() ([]*core.Run, error) {
	m.mu.Lock()
	numbers := make([]uint64, 0, len(m.runs))
	for n := range m.runs {
		numbers = append(numbers, n)
	}
	m.mu.Unlock()
	sort.Slice(numbers, func(i, j int) bool { return numbers[i] < numbers[j] })

	runs := make([]*core.Run, 0, len(numbers))
	for _, n := range numbers {
		run, err := m.Load(n)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

func (m *MemoryStore) Delete(number uint64) error {
	m.mu.Lock()
	delete(m.runs, number)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Close() error { return nil }

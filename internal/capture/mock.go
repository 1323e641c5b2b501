package capture

import (
	"context"
	"sync"

	"github.com/usbipd-go/usbipd/usbip"
)

// MockDriver is an in-memory Driver for tests: it answers Submit calls from
// a scripted queue of responses per endpoint, without touching real
// hardware.
type MockDriver struct {
	DeviceDescriptor []byte

	mu        sync.Mutex
	responses map[uint32][]Completion
	opened    bool
	released  bool
	resets    int
	Submits   []SubmitRecord
}

// SubmitRecord captures one Submit call for test assertions.
type SubmitRecord struct {
	Ep    uint32
	Dir   uint32
	Setup [8]byte
	Out   []byte
}

func NewMockDriver() *MockDriver {
	return &MockDriver{
		DeviceDescriptor: make([]byte, 18),
		responses:        make(map[uint32][]Completion),
	}
}

// QueueResponse arranges for the next Submit on ep to return c.
func (m *MockDriver) QueueResponse(ep uint32, c Completion) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[ep] = append(m.responses[ep], c)
}

func (m *MockDriver) Open(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened = true
	return nil
}

func (m *MockDriver) ReadDeviceDescriptor(ctx context.Context) ([]byte, error) {
	return m.DeviceDescriptor, nil
}

func (m *MockDriver) Submit(ctx context.Context, ep uint32, dir uint32, setup [8]byte, out []byte, transferLen uint32) (Completion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Submits = append(m.Submits, SubmitRecord{Ep: ep, Dir: dir, Setup: setup, Out: out})

	queue := m.responses[ep]
	if len(queue) == 0 {
		return Completion{Status: usbip.StatusOK, ActualLength: uint32(len(out))}, nil
	}
	c := queue[0]
	m.responses[ep] = queue[1:]
	return c, nil
}

func (m *MockDriver) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resets++
	return nil
}

func (m *MockDriver) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released = true
	return nil
}

func (m *MockDriver) Released() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.released
}

func (m *MockDriver) Resets() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resets
}

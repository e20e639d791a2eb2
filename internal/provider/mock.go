package provider

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

// MockProvider is a mock implementation of Provider for testing
type MockProvider struct {
	mu sync.RWMutex

	// Sandboxes tracks live mock sandboxes by handle ID
	Sandboxes map[string]*Handle

	// Images controls HasImage responses
	Images map[string]bool

	// ExecResults maps command keys (argv joined by space) to results.
	// Unmatched commands succeed with empty output.
	ExecResults map[string]*ExecResult

	// ExecFunc, when set, overrides ExecResults entirely
	ExecFunc func(h *Handle, argv []string) (*ExecResult, error)

	// Errors allows injecting errors for specific operations
	Errors map[string]error

	// CreateFailures makes the first N Create calls fail
	CreateFailures int

	// Processes holds the mock process returned by the next Start calls
	Processes []*MockProcess

	// CallLog records all method calls for verification
	CallLog []MockCall

	// DestroyCount counts Destroy calls per handle ID
	DestroyCount map[string]int

	// Snapshots records Snapshot calls as handleID -> image
	Snapshots map[string]string
}

// MockCall represents a recorded method call
type MockCall struct {
	Method string
	Args   []interface{}
}

// NewMockProvider creates a new mock provider
func NewMockProvider() *MockProvider {
	return &MockProvider{
		Sandboxes:    make(map[string]*Handle),
		Images:       make(map[string]bool),
		ExecResults:  make(map[string]*ExecResult),
		Errors:       make(map[string]error),
		DestroyCount: make(map[string]int),
		Snapshots:    make(map[string]string),
	}
}

func (m *MockProvider) record(method string, args ...interface{}) {
	m.CallLog = append(m.CallLog, MockCall{Method: method, Args: args})
}

// SetError sets an error to be returned for a specific operation
func (m *MockProvider) SetError(operation string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Errors[operation] = err
}

// SetExecResult sets the result for a specific command line
func (m *MockProvider) SetExecResult(command string, result *ExecResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ExecResults[command] = result
}

// AddImage marks an image as available
func (m *MockProvider) AddImage(image string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Images[image] = true
}

// QueueProcess queues a mock process for the next Start call
func (m *MockProvider) QueueProcess(p *MockProcess) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Processes = append(m.Processes, p)
}

// GetCalls returns all recorded calls
func (m *MockProvider) GetCalls() []MockCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	calls := make([]MockCall, len(m.CallLog))
	copy(calls, m.CallLog)
	return calls
}

// GetCallsFor returns all calls for a specific method
func (m *MockProvider) GetCallsFor(method string) []MockCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var calls []MockCall
	for _, call := range m.CallLog {
		if call.Method == method {
			calls = append(calls, call)
		}
	}
	return calls
}

// Name returns the provider identifier
func (m *MockProvider) Name() string {
	return "mock"
}

// Create allocates a mock sandbox
func (m *MockProvider) Create(ctx context.Context, opts CreateOptions) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Create", opts)

	if m.CreateFailures > 0 {
		m.CreateFailures--
		return nil, fmt.Errorf("mock create failure")
	}
	if err := m.Errors["Create"]; err != nil {
		return nil, err
	}

	handle := &Handle{ID: opts.Name, Image: opts.Image, WorkDir: opts.WorkDir}
	m.Sandboxes[handle.ID] = handle
	return handle, nil
}

// Exec runs a mock command
func (m *MockProvider) Exec(ctx context.Context, h *Handle, argv []string, opts ExecOptions) (*ExecResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Exec", h.ID, argv)

	if err := m.Errors["Exec"]; err != nil {
		return nil, err
	}

	if m.ExecFunc != nil {
		return m.ExecFunc(h, argv)
	}

	key := strings.Join(argv, " ")
	if result, ok := m.ExecResults[key]; ok {
		return result, nil
	}
	return &ExecResult{ExitCode: 0}, nil
}

// Start returns the next queued mock process
func (m *MockProvider) Start(ctx context.Context, h *Handle, argv []string, opts ExecOptions) (Process, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Start", h.ID, argv)

	if err := m.Errors["Start"]; err != nil {
		return nil, err
	}

	if len(m.Processes) == 0 {
		return NewMockProcess(), nil
	}
	p := m.Processes[0]
	m.Processes = m.Processes[1:]
	return p, nil
}

// Snapshot records the published image
func (m *MockProvider) Snapshot(ctx context.Context, h *Handle, image string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Snapshot", h.ID, image)

	if err := m.Errors["Snapshot"]; err != nil {
		return err
	}
	m.Snapshots[h.ID] = image
	m.Images[image] = true
	return nil
}

// HasImage reports whether the image was registered or snapshotted
func (m *MockProvider) HasImage(ctx context.Context, image string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.Errors["HasImage"]; err != nil {
		return false, err
	}
	return m.Images[image], nil
}

// List returns the live mock sandboxes sorted by handle ID
func (m *MockProvider) List(ctx context.Context) ([]*Handle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.Errors["List"]; err != nil {
		return nil, err
	}
	handles := make([]*Handle, 0, len(m.Sandboxes))
	for _, h := range m.Sandboxes {
		handles = append(handles, h)
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i].ID < handles[j].ID })
	return handles, nil
}

// Destroy releases a mock sandbox
func (m *MockProvider) Destroy(ctx context.Context, h *Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Destroy", h.ID)
	m.DestroyCount[h.ID]++

	if err := m.Errors["Destroy"]; err != nil {
		return err
	}
	delete(m.Sandboxes, h.ID)
	return nil
}

// MockProcess is a scripted interactive process for testing. Tests drive
// its output with Emit and observe prompts through Sent.
type MockProcess struct {
	mu          sync.Mutex
	sent        []string
	interrupted int
	closed      bool

	// OnSend is invoked (without the lock held) after each Send
	OnSend func(text string)

	// OnInterrupt is invoked after each Interrupt
	OnInterrupt func()

	reader *io.PipeReader
	writer *io.PipeWriter
}

// NewMockProcess creates a mock process with an open output stream.
func NewMockProcess() *MockProcess {
	r, w := io.Pipe()
	return &MockProcess{reader: r, writer: w}
}

// Send records the prompt
func (p *MockProcess) Send(text string) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return fmt.Errorf("process closed")
	}
	p.sent = append(p.sent, text)
	callback := p.OnSend
	p.mu.Unlock()

	if callback != nil {
		callback(text)
	}
	return nil
}

// Output returns the scripted output stream
func (p *MockProcess) Output() io.Reader {
	return p.reader
}

// Interrupt records the interrupt
func (p *MockProcess) Interrupt() error {
	p.mu.Lock()
	p.interrupted++
	callback := p.OnInterrupt
	p.mu.Unlock()

	if callback != nil {
		callback()
	}
	return nil
}

// Close closes the output stream
func (p *MockProcess) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	_ = p.writer.Close()
	return nil
}

// Emit writes a chunk to the output stream. It blocks until the chunk
// is consumed.
func (p *MockProcess) Emit(s string) {
	_, _ = p.writer.Write([]byte(s))
}

// Sent returns all prompts written to the process
func (p *MockProcess) Sent() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.sent))
	copy(out, p.sent)
	return out
}

// Interrupted returns how many interrupts were delivered
func (p *MockProcess) Interrupted() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interrupted
}

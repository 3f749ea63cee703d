// ABOUTME: In-memory Provisioner for tests across packages
// ABOUTME: Records commands and files, and lets tests script command results and failures

package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// FakeProvisioner hands out FakeInstances that all report the same host.
type FakeProvisioner struct {
	mu        sync.Mutex
	host      string
	instances map[string]*FakeInstance
	order     []string

	createErr error
	runFunc   func(cmd string) *CommandResult
}

// NewFakeProvisioner creates a fake whose instances answer on host.
func NewFakeProvisioner(host string) *FakeProvisioner {
	return &FakeProvisioner{
		host:      host,
		instances: make(map[string]*FakeInstance),
	}
}

// FailCreate makes Create return err. A nil err clears it.
func (p *FakeProvisioner) FailCreate(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.createErr = err
}

// OnRun scripts command results. Returning nil means exit 0 with no output.
func (p *FakeProvisioner) OnRun(fn func(cmd string) *CommandResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.runFunc = fn
}

// Create starts a new fake instance.
func (p *FakeProvisioner) Create(ctx context.Context, lifetime time.Duration) (Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createErr != nil {
		return nil, p.createErr
	}
	id := fmt.Sprintf("sbx-%d", len(p.order)+1)
	inst := &FakeInstance{p: p, id: id, lifetime: lifetime, files: make(map[string]string)}
	p.instances[id] = inst
	p.order = append(p.order, id)
	return inst, nil
}

// Connect returns a live instance. Killed or unknown ids fail.
func (p *FakeProvisioner) Connect(ctx context.Context, remoteID string) (Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	inst, ok := p.instances[remoteID]
	if !ok || inst.killed {
		return nil, fmt.Errorf("sandbox %s not found", remoteID)
	}
	return inst, nil
}

// Adopt registers an instance that exists before the test starts.
func (p *FakeProvisioner) Adopt(remoteID string) *FakeInstance {
	p.mu.Lock()
	defer p.mu.Unlock()
	inst := &FakeInstance{p: p, id: remoteID, files: make(map[string]string)}
	p.instances[remoteID] = inst
	return inst
}

// Created returns how many instances Create produced.
func (p *FakeProvisioner) Created() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.order)
}

// Instance returns the instance with remoteID, or nil.
func (p *FakeProvisioner) Instance(remoteID string) *FakeInstance {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.instances[remoteID]
}

// FakeInstance is a scripted sandbox.
type FakeInstance struct {
	p        *FakeProvisioner
	id       string
	lifetime time.Duration

	killed     bool
	commands   []string
	background []string
	files      map[string]string
}

func (i *FakeInstance) ID() string { return i.id }

func (i *FakeInstance) Host(port int) string { return i.p.host }

func (i *FakeInstance) Kill(ctx context.Context) error {
	i.p.mu.Lock()
	defer i.p.mu.Unlock()
	i.killed = true
	return nil
}

func (i *FakeInstance) Run(ctx context.Context, cmd string, timeout time.Duration) (*CommandResult, error) {
	i.p.mu.Lock()
	i.commands = append(i.commands, cmd)
	fn := i.p.runFunc
	i.p.mu.Unlock()

	if fn != nil {
		if result := fn(cmd); result != nil {
			return result, nil
		}
	}
	return &CommandResult{}, nil
}

func (i *FakeInstance) RunBackground(ctx context.Context, cmd string) error {
	i.p.mu.Lock()
	defer i.p.mu.Unlock()
	i.background = append(i.background, cmd)
	return nil
}

func (i *FakeInstance) WriteFile(ctx context.Context, path, content string) error {
	i.p.mu.Lock()
	defer i.p.mu.Unlock()
	i.files[path] = content
	return nil
}

func (i *FakeInstance) ReadFile(ctx context.Context, path string) (string, error) {
	i.p.mu.Lock()
	defer i.p.mu.Unlock()
	content, ok := i.files[path]
	if !ok {
		return "", fmt.Errorf("%s: no such file", path)
	}
	return content, nil
}

// Killed reports whether Kill was called.
func (i *FakeInstance) Killed() bool {
	i.p.mu.Lock()
	defer i.p.mu.Unlock()
	return i.killed
}

// Lifetime is the lifetime passed to Create.
func (i *FakeInstance) Lifetime() time.Duration { return i.lifetime }

// Commands returns the foreground commands run so far.
func (i *FakeInstance) Commands() []string {
	i.p.mu.Lock()
	defer i.p.mu.Unlock()
	return append([]string(nil), i.commands...)
}

// Background returns the detached commands started so far.
func (i *FakeInstance) Background() []string {
	i.p.mu.Lock()
	defer i.p.mu.Unlock()
	return append([]string(nil), i.background...)
}

// File returns a written file's content.
func (i *FakeInstance) File(path string) (string, bool) {
	i.p.mu.Lock()
	defer i.p.mu.Unlock()
	content, ok := i.files[path]
	return content, ok
}

var (
	_ Provisioner = (*FakeProvisioner)(nil)
	_ Instance    = (*FakeInstance)(nil)
)

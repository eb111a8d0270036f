// Package runtime loads serialized programs and executes their methods
// against caller-provided memory.
//
// Key components:
//   - Program: a parsed program, from which methods are inspected and loaded
//   - MethodMeta: counts, tags, tensor metadata and memory requirements
//   - Method: a loaded method bound to a MemoryManager
//   - Engine: owns the memory of every method of one program
//
// Execution model:
//  1. Parse and verify the program through a DataLoader
//  2. Size planned buffers and pools from MethodMeta
//  3. Load a method: bind values to memory, resolve kernels, init delegates
//  4. Set inputs, execute instructions in order, read outputs
//  5. Finalize the method, which destroys its delegates
//
// Loading and execution never allocate tensor storage from the Go heap.
// Methods are not safe for concurrent use; the Engine serializes calls.
package runtime

import (
	"context"
	"fmt"

	"github.com/sbl8/planrt/core"
	"github.com/sbl8/planrt/model"
)

// Program is a loaded program. The DataLoader it was loaded from must stay
// valid until the Program and every method loaded from it are finalized.
type Program struct {
	prog   *model.Program
	closed bool
}

// ProgramOption configures LoadProgram.
type ProgramOption func(*programOptions)

type programOptions struct {
	verification model.Verification
}

// WithVerification selects how thoroughly the program is checked on load.
func WithVerification(v model.Verification) ProgramOption {
	return func(o *programOptions) { o.verification = v }
}

// LoadProgram parses the program served by loader.
func LoadProgram(loader model.DataLoader, opts ...ProgramOption) (*Program, error) {
	o := programOptions{verification: model.VerifyMinimal}
	for _, opt := range opts {
		opt(&o)
	}
	prog, err := model.Parse(loader, o.verification)
	if err != nil {
		return nil, fmt.Errorf("failed to load program: %w", err)
	}
	return &Program{prog: prog}, nil
}

func (p *Program) check() error {
	if p.closed {
		return fmt.Errorf("%w: program is closed", core.ErrInvalidState)
	}
	return nil
}

// MethodNames returns the names of every method in the program.
func (p *Program) MethodNames() ([]string, error) {
	if err := p.check(); err != nil {
		return nil, err
	}
	return p.prog.MethodNames(), nil
}

// MethodMeta returns metadata for the method named name.
func (p *Program) MethodMeta(name string) (*MethodMeta, error) {
	if err := p.check(); err != nil {
		return nil, err
	}
	plan, err := p.prog.Table.Method(name)
	if err != nil {
		return nil, err
	}
	return &MethodMeta{plan: plan}, nil
}

// LoadMethod loads the method named name against mm.
func (p *Program) LoadMethod(ctx context.Context, name string, mm *core.MemoryManager, opts ...MethodOption) (*Method, error) {
	if err := p.check(); err != nil {
		return nil, err
	}
	plan, err := p.prog.Table.Method(name)
	if err != nil {
		return nil, err
	}
	return loadMethod(ctx, p, plan, mm, opts...)
}

// Close releases the program. Methods loaded from it must be finalized
// first. Later calls on the program return ErrInvalidState.
func (p *Program) Close() error {
	p.closed = true
	return nil
}

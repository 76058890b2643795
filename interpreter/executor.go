package interpreter

import (
	"context"
	"errors"
	"fmt"

	"github.com/frobware/go-memlink/action"
	"github.com/frobware/go-memlink/codec"
)

// ActionExecutor executes reified actions.
type ActionExecutor interface {
	Execute(ctx context.Context, a action.Action) error
	ExecuteAll(ctx context.Context, actions []action.Action) error
}

// executor interprets and executes actions.
type executor struct {
	store    HandleStore
	descs    DescriptorStore
	provider Provider
}

// NewExecutor creates a new action executor.
func NewExecutor(store HandleStore, descs DescriptorStore, provider Provider) ActionExecutor {
	return &executor{
		store:    store,
		descs:    descs,
		provider: provider,
	}
}

// Execute runs a single action.
func (e *executor) Execute(ctx context.Context, a action.Action) error {
	switch a := a.(type) {
	case action.SaveHandle:
		return e.store.SaveHandle(ctx, a.Handle)

	case action.MarkReleased:
		return e.store.MarkReleased(ctx, a.ID, a.At)

	case action.PersistDescriptor:
		return e.descs.Put(a.ID, a.Text)

	case action.RemoveDescriptor:
		if err := e.descs.Remove(a.ID); err != nil && !errors.Is(err, codec.ErrNotFound) {
			return err
		}
		return nil

	case action.ProviderUnexport:
		return e.provider.Unexport(ctx, a.ID, a.Flags)

	case action.ProviderUnimport:
		return e.provider.Unimport(ctx, a.ID, a.Flags)

	default:
		return fmt.Errorf("unknown action type: %T", a)
	}
}

// ExecuteAll runs multiple actions, stopping on first error.
func (e *executor) ExecuteAll(ctx context.Context, actions []action.Action) error {
	for _, a := range actions {
		if err := e.Execute(ctx, a); err != nil {
			return err
		}
	}
	return nil
}

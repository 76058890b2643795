// Package action contains reified effects - descriptions of what to do
// without actually doing it. These are pure data structures.
package action

import (
	"time"

	"github.com/frobware/go-memlink"
)

// Action represents an effect to be executed.
// Actions are data - they describe what to do, not how.
type Action interface {
	isAction()
}

// Store actions - operations on handle records

// SaveHandle records a new live handle.
type SaveHandle struct {
	Handle memlink.Handle
}

func (SaveHandle) isAction() {}

// MarkReleased moves a live handle record to released.
type MarkReleased struct {
	ID memlink.MemID
	At time.Time
}

func (MarkReleased) isAction() {}

// Descriptor actions - operations on persisted descriptor text

// PersistDescriptor stores encoded descriptor text under a MemID.
type PersistDescriptor struct {
	ID   memlink.MemID
	Text []byte
}

func (PersistDescriptor) isAction() {}

// RemoveDescriptor deletes the persisted descriptor for a MemID. A
// missing record is not an error.
type RemoveDescriptor struct {
	ID memlink.MemID
}

func (RemoveDescriptor) isAction() {}

// Provider actions - operations on the memory device

// ProviderUnexport releases an exported region.
type ProviderUnexport struct {
	ID    memlink.MemID
	Flags memlink.UnexportFlags
}

func (ProviderUnexport) isAction() {}

// ProviderUnimport releases an imported region.
type ProviderUnimport struct {
	ID    memlink.MemID
	Flags memlink.ExportFlags
}

func (ProviderUnimport) isAction() {}

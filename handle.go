package memlink

import (
	"fmt"
	"time"
)

// HandleState is the lifecycle state of a handle.
//
//	unbound --export--> exported --unexport--> released
//	unbound --import--> imported --unimport--> released
type HandleState string

const (
	StateUnbound  HandleState = "unbound"
	StateExported HandleState = "exported"
	StateImported HandleState = "imported"
	StateReleased HandleState = "released"
)

// ParseHandleState parses a stored state name.
func ParseHandleState(s string) (HandleState, error) {
	switch st := HandleState(s); st {
	case StateUnbound, StateExported, StateImported, StateReleased:
		return st, nil
	default:
		return "", fmt.Errorf("unknown handle state %q", s)
	}
}

// Live reports whether the handle still owns a provider resource.
func (s HandleState) Live() bool {
	return s == StateExported || s == StateImported
}

// Role records which side of the exchange a handle is on.
type Role string

const (
	RoleExport Role = "export"
	RoleImport Role = "import"
)

// ParseRole parses a role name.
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleExport, RoleImport:
		return r, nil
	default:
		return "", fmt.Errorf("%w: unknown role %q", ErrInvalidRequest, s)
	}
}

// LiveState is the state a live handle of this role is in.
func (r Role) LiveState() HandleState {
	if r == RoleImport {
		return StateImported
	}
	return StateExported
}

// NoNUMA is the NUMA node recorded for handles without a placement.
const NoNUMA = -1

// Handle is the lifecycle record kept for every handle this node has
// created. Descriptor holds the encoded descriptor text and Digest its
// xxhash64.
type Handle struct {
	ID         MemID       `json:"id"`
	Role       Role        `json:"role"`
	State      HandleState `json:"state"`
	Flags      ExportFlags `json:"flags"`
	Lengths    NodeLengths `json:"lengths"`
	Length     uint64      `json:"length"`
	NUMA       int         `json:"numa"`
	BaseDist   int         `json:"base_dist"`
	PeerID     MemID       `json:"peer_id,omitempty"`
	Descriptor string      `json:"descriptor"`
	Digest     uint64      `json:"digest"`
	Owner      string      `json:"owner,omitempty"`
	// Persisted is set when this node wrote memdesc_{ID}.json. Only
	// then does a release remove that file.
	Persisted  bool       `json:"persisted"`
	CreatedAt  time.Time  `json:"created_at"`
	ReleasedAt *time.Time `json:"released_at,omitempty"`
}

// Live reports whether the handle still owns a provider resource.
func (h Handle) Live() bool {
	return h.State.Live()
}

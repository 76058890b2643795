package memlink

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
)

// MaxNUMANodes is the number of local NUMA node slots in a length
// vector.
const MaxNUMANodes = 16

// NodeLengths is the per-node length vector of an export request,
// indexed by NUMA node id. A zero entry requests nothing on that node.
type NodeLengths [MaxNUMANodes]uint64

// Set requests n bytes on the given node.
func (l *NodeLengths) Set(node int, n uint64) error {
	if node < 0 || node >= MaxNUMANodes {
		return fmt.Errorf("%w: numa node %d out of range [0,%d)", ErrInvalidRequest, node, MaxNUMANodes)
	}
	l[node] = n
	return nil
}

// Total returns the sum of all requested lengths. An overflowing sum
// is an invalid request.
func (l NodeLengths) Total() (uint64, error) {
	var total uint64
	for node, n := range l {
		sum, carry := bits.Add64(total, n, 0)
		if carry != 0 {
			return 0, fmt.Errorf("%w: length vector overflows at numa node %d", ErrInvalidRequest, node)
		}
		total = sum
	}
	return total, nil
}

// Nodes returns the node ids with a non-zero request, in ascending
// order.
func (l NodeLengths) Nodes() []int {
	var nodes []int
	for node, n := range l {
		if n != 0 {
			nodes = append(nodes, node)
		}
	}
	return nodes
}

// IsEmpty reports whether no node has a request.
func (l NodeLengths) IsEmpty() bool {
	return l == NodeLengths{}
}

// String renders the vector in the form accepted by ParseNodeLengths.
func (l NodeLengths) String() string {
	var parts []string
	for _, node := range l.Nodes() {
		parts = append(parts, fmt.Sprintf("%d=%s", node, humanize.IBytes(l[node])))
	}
	return strings.Join(parts, ",")
}

// NodeLengthsFromSlice copies a slice of at most MaxNUMANodes lengths.
func NodeLengthsFromSlice(lengths []uint64) (NodeLengths, error) {
	var l NodeLengths
	if len(lengths) > MaxNUMANodes {
		return l, fmt.Errorf("%w: %d length slots exceed %d numa nodes", ErrInvalidRequest, len(lengths), MaxNUMANodes)
	}
	copy(l[:], lengths)
	return l, nil
}

// ParseNodeLengths parses a comma separated list of NODE=SIZE pairs,
// for example "1=128MiB,3=4GiB". Sizes accept any unit understood by
// go-humanize; a bare number is a byte count. Repeating a node is an
// error.
func ParseNodeLengths(s string) (NodeLengths, error) {
	var l NodeLengths
	s = strings.TrimSpace(s)
	if s == "" {
		return l, nil
	}
	seen := make(map[int]bool)
	for _, part := range strings.Split(s, ",") {
		if err := l.parsePair(strings.TrimSpace(part), seen); err != nil {
			return NodeLengths{}, err
		}
	}
	return l, nil
}

// parsePair applies a single NODE=SIZE pair.
func (l *NodeLengths) parsePair(pair string, seen map[int]bool) error {
	nodeStr, sizeStr, ok := strings.Cut(pair, "=")
	if !ok {
		return fmt.Errorf("%w: expected NODE=SIZE, got %q", ErrInvalidRequest, pair)
	}
	node, err := strconv.Atoi(strings.TrimSpace(nodeStr))
	if err != nil {
		return fmt.Errorf("%w: invalid numa node %q", ErrInvalidRequest, nodeStr)
	}
	if seen[node] {
		return fmt.Errorf("%w: numa node %d given more than once", ErrInvalidRequest, node)
	}
	seen[node] = true
	size, err := humanize.ParseBytes(strings.TrimSpace(sizeStr))
	if err != nil {
		return fmt.Errorf("%w: invalid size %q for numa node %d: %v", ErrInvalidRequest, sizeStr, node, err)
	}
	return l.Set(node, size)
}

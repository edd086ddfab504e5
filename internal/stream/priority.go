package stream

import (
	"golang.org/x/net/http2"
)

// defaultWeight is the RFC 7540 default stream weight.
const defaultWeight = 16

// Priority defines stream dependency and weight for HTTP/2 prioritization.
type Priority struct {
	StreamDependency uint32
	Weight           uint8
	Exclusive        bool
}

// PriorityTree tracks stream dependencies for output scheduling. It is owned
// by a single stream table and is not safe for concurrent use.
type PriorityTree struct {
	priorities   map[uint32]*Priority
	dependencies map[uint32][]uint32
}

// NewPriorityTree creates a new priority tree.
func NewPriorityTree() *PriorityTree {
	return &PriorityTree{
		priorities:   make(map[uint32]*Priority),
		dependencies: make(map[uint32][]uint32),
	}
}

// SetPriority assigns or updates priority information for a stream.
func (pt *PriorityTree) SetPriority(streamID uint32, priority Priority) {
	if streamID == priority.StreamDependency {
		priority.StreamDependency = 0
	}
	if old, ok := pt.priorities[streamID]; ok {
		pt.removeDependency(streamID, old.StreamDependency)
	}

	if priority.Exclusive && priority.StreamDependency != 0 {
		if children, ok := pt.dependencies[priority.StreamDependency]; ok {
			for _, childID := range children {
				if child, exists := pt.priorities[childID]; exists {
					child.StreamDependency = streamID
				}
			}
			pt.dependencies[streamID] = append(pt.dependencies[streamID], children...)
			delete(pt.dependencies, priority.StreamDependency)
		}
	}

	p := priority
	pt.priorities[streamID] = &p
	if priority.StreamDependency != 0 {
		pt.dependencies[priority.StreamDependency] = append(pt.dependencies[priority.StreamDependency], streamID)
	}
}

// Weight returns the weight of a stream, defaulting to 16.
func (pt *PriorityTree) Weight(streamID uint32) uint8 {
	if p, ok := pt.priorities[streamID]; ok {
		return p.Weight
	}
	return defaultWeight
}

// Remove drops a stream and reparents its children onto its own parent.
func (pt *PriorityTree) Remove(streamID uint32) {
	p, ok := pt.priorities[streamID]
	if !ok {
		return
	}
	pt.removeDependency(streamID, p.StreamDependency)
	for _, childID := range pt.dependencies[streamID] {
		if child, exists := pt.priorities[childID]; exists {
			child.StreamDependency = p.StreamDependency
			if p.StreamDependency != 0 {
				pt.dependencies[p.StreamDependency] = append(pt.dependencies[p.StreamDependency], childID)
			}
		}
	}
	delete(pt.priorities, streamID)
	delete(pt.dependencies, streamID)
}

func (pt *PriorityTree) removeDependency(streamID, parentID uint32) {
	children := pt.dependencies[parentID]
	for i, childID := range children {
		if childID == streamID {
			pt.dependencies[parentID] = append(children[:i], children[i+1:]...)
			break
		}
	}
}

// Score computes a scheduling score: heavier and shallower streams go first.
func (pt *PriorityTree) Score(streamID uint32) int {
	score := int(pt.Weight(streamID))
	if _, ok := pt.priorities[streamID]; !ok {
		return score
	}
	depth := 0
	current := streamID
	visited := make(map[uint32]bool)
	for depth < 10 && !visited[current] {
		visited[current] = true
		p, ok := pt.priorities[current]
		if !ok || p.StreamDependency == 0 {
			break
		}
		current = p.StreamDependency
		depth++
	}
	return score + (10-depth)*10
}

// Children returns the streams that depend on the given stream.
func (pt *PriorityTree) Children(streamID uint32) []uint32 {
	children := pt.dependencies[streamID]
	if len(children) == 0 {
		return nil
	}
	out := make([]uint32, len(children))
	copy(out, children)
	return out
}

// FromHeaders extracts priority information from a HEADERS frame.
func FromHeaders(f *http2.HeadersFrame) (Priority, bool) {
	if !f.HasPriority() {
		return Priority{Weight: defaultWeight}, false
	}
	return Priority{
		StreamDependency: f.Priority.StreamDep,
		Weight:           f.Priority.Weight,
		Exclusive:        f.Priority.Exclusive,
	}, true
}

// FromParam converts a PRIORITY frame parameter.
func FromParam(p http2.PriorityParam) Priority {
	return Priority{StreamDependency: p.StreamDep, Weight: p.Weight, Exclusive: p.Exclusive}
}

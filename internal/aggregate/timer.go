package aggregate

import "encoding/json"

// TimerNode is one node of an aggregate's timer tree. The tree records
// where transaction time was spent; children are ordered by first
// occurrence.
type TimerNode struct {
	Name        string       `json:"name"`
	TotalMicros int64        `json:"totalMicros"`
	Count       int64        `json:"count"`
	Children    []*TimerNode `json:"children,omitempty"`
}

// Clone returns a deep copy of the timer tree. Traversal is iterative;
// timer depth is workload-controlled.
func (t *TimerNode) Clone() *TimerNode {
	if t == nil {
		return nil
	}
	root := &TimerNode{Name: t.Name, TotalMicros: t.TotalMicros, Count: t.Count}

	type frame struct {
		src *TimerNode
		dst *TimerNode
	}
	stack := []frame{{src: t, dst: root}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, child := range f.src.Children {
			c := &TimerNode{Name: child.Name, TotalMicros: child.TotalMicros, Count: child.Count}
			f.dst.Children = append(f.dst.Children, c)
			stack = append(stack, frame{src: child, dst: c})
		}
	}
	return root
}

// MergeTimers merges two timer trees into a new tree. Nodes are matched by
// name; matched nodes sum their totals, unmatched nodes are appended in
// encounter order. The operation is commutative and associative over the
// additive fields. Either argument may be nil.
func MergeTimers(a, b *TimerNode) *TimerNode {
	if a == nil {
		return b.Clone()
	}
	if b == nil {
		return a.Clone()
	}

	merged := a.Clone()
	if merged.Name != b.Name {
		// Different roots cannot be merged in place; synthesize a
		// common parent holding both.
		synthetic := &TimerNode{Name: ""}
		synthetic.TotalMicros = merged.TotalMicros + b.TotalMicros
		synthetic.Count = merged.Count + b.Count
		synthetic.Children = []*TimerNode{merged, b.Clone()}
		return synthetic
	}

	merged.TotalMicros += b.TotalMicros
	merged.Count += b.Count

	type frame struct {
		dst *TimerNode
		src *TimerNode
	}
	stack := []frame{{dst: merged, src: b}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		byName := make(map[string]*TimerNode, len(f.dst.Children))
		for _, child := range f.dst.Children {
			byName[child.Name] = child
		}
		for _, srcChild := range f.src.Children {
			dstChild, ok := byName[srcChild.Name]
			if !ok {
				f.dst.Children = append(f.dst.Children, srcChild.Clone())
				continue
			}
			dstChild.TotalMicros += srcChild.TotalMicros
			dstChild.Count += srcChild.Count
			stack = append(stack, frame{dst: dstChild, src: srcChild})
		}
	}
	return merged
}

// EncodeTimers serializes a timer tree for column storage.
func EncodeTimers(t *TimerNode) ([]byte, error) {
	if t == nil {
		return nil, nil
	}
	return json.Marshal(t)
}

// DecodeTimers deserializes a timer tree from column storage.
func DecodeTimers(data []byte) (*TimerNode, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var t TimerNode
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

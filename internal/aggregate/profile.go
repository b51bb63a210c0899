package aggregate

import "encoding/json"

// ProfileNode is one node of a call-tree profile. SampleCount is the
// number of stack samples that passed through this node. A node whose
// insignificant children were pruned is flagged Ellipsed.
type ProfileNode struct {
	Label       string         `json:"label"`
	SampleCount int64          `json:"sampleCount"`
	Ellipsed    bool           `json:"ellipsed,omitempty"`
	Children    []*ProfileNode `json:"children,omitempty"`
}

// ProfileAggregate carries the call-tree samples of one rollup bucket.
// Same rollup semantics as Aggregate, specialized to profiles. Profile is
// a synthetic root whose children are the sampled stack roots.
type ProfileAggregate struct {
	TransactionType string
	TransactionName string // empty for overall
	CaptureTime     int64
	Profile         *ProfileNode
}

// CloneProfile returns a deep copy of a profile tree. Traversal is
// iterative; profile depth is workload-controlled and may be arbitrary.
func CloneProfile(node *ProfileNode) *ProfileNode {
	if node == nil {
		return nil
	}
	root := &ProfileNode{Label: node.Label, SampleCount: node.SampleCount, Ellipsed: node.Ellipsed}

	type frame struct {
		src *ProfileNode
		dst *ProfileNode
	}
	stack := []frame{{src: node, dst: root}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, child := range f.src.Children {
			c := &ProfileNode{Label: child.Label, SampleCount: child.SampleCount, Ellipsed: child.Ellipsed}
			f.dst.Children = append(f.dst.Children, c)
			stack = append(stack, frame{src: child, dst: c})
		}
	}
	return root
}

// MergeProfiles merges all contributing profile samples into one synthetic
// tree. Matching nodes (same label under the same parent) sum their sample
// counts; unmatched nodes are appended in encounter order. The inputs are
// not modified.
func MergeProfiles(aggs []ProfileAggregate) *ProfileNode {
	root := &ProfileNode{}
	for _, agg := range aggs {
		if agg.Profile == nil {
			continue
		}
		mergeProfileInto(root, agg.Profile)
	}
	return root
}

// mergeProfileInto folds src into dst. Both roots are treated as the same
// synthetic node regardless of label. Iterative with an explicit stack.
func mergeProfileInto(dst, src *ProfileNode) {
	dst.SampleCount += src.SampleCount
	dst.Ellipsed = dst.Ellipsed || src.Ellipsed

	type frame struct {
		dst *ProfileNode
		src *ProfileNode
	}
	stack := []frame{{dst: dst, src: src}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		byLabel := make(map[string]*ProfileNode, len(f.dst.Children))
		for _, child := range f.dst.Children {
			byLabel[child.Label] = child
		}
		for _, srcChild := range f.src.Children {
			dstChild, ok := byLabel[srcChild.Label]
			if !ok {
				f.dst.Children = append(f.dst.Children, CloneProfile(srcChild))
				continue
			}
			dstChild.SampleCount += srcChild.SampleCount
			dstChild.Ellipsed = dstChild.Ellipsed || srcChild.Ellipsed
			stack = append(stack, frame{dst: dstChild, src: srcChild})
		}
	}
}

// TruncateLeafs prunes statistically insignificant nodes from a merged
// profile in place. Given fraction p, minSamples = floor(rootSampleCount*p);
// every node with fewer samples is removed and its parent flagged Ellipsed.
// Root-level nodes are never removed. A fraction of zero disables pruning.
//
// Traversal is breadth-first with an explicit work queue; profile depth is
// workload-controlled, so call-stack recursion is not safe here.
func TruncateLeafs(root *ProfileNode, truncateLeafFraction float64) {
	if root == nil || truncateLeafFraction <= 0 {
		return
	}
	minSamples := int64(float64(root.SampleCount) * truncateLeafFraction)
	if minSamples <= 0 {
		return
	}

	queue := make([]*ProfileNode, 0, len(root.Children))
	queue = append(queue, root.Children...)
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]

		kept := node.Children[:0]
		for _, child := range node.Children {
			if child.SampleCount < minSamples {
				node.Ellipsed = true
				continue
			}
			kept = append(kept, child)
			queue = append(queue, child)
		}
		node.Children = kept
	}
}

// EncodeProfile serializes a profile tree for column storage.
func EncodeProfile(node *ProfileNode) ([]byte, error) {
	if node == nil {
		return nil, nil
	}
	return json.Marshal(node)
}

// DecodeProfile deserializes a profile tree from column storage.
func DecodeProfile(data []byte) (*ProfileNode, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var node ProfileNode
	if err := json.Unmarshal(data, &node); err != nil {
		return nil, err
	}
	return &node, nil
}

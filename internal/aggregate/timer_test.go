package aggregate

import "testing"

func TestMergeTimers_MatchesByName(t *testing.T) {
	a := &TimerNode{Name: "root", TotalMicros: 100, Count: 2, Children: []*TimerNode{
		{Name: "db", TotalMicros: 60, Count: 4},
	}}
	b := &TimerNode{Name: "root", TotalMicros: 50, Count: 1, Children: []*TimerNode{
		{Name: "db", TotalMicros: 10, Count: 1},
		{Name: "http", TotalMicros: 30, Count: 2},
	}}

	merged := MergeTimers(a, b)

	if merged.TotalMicros != 150 || merged.Count != 3 {
		t.Errorf("root = (%d, %d), want (150, 3)", merged.TotalMicros, merged.Count)
	}
	byName := map[string]*TimerNode{}
	for _, c := range merged.Children {
		byName[c.Name] = c
	}
	if db := byName["db"]; db == nil || db.TotalMicros != 70 || db.Count != 5 {
		t.Errorf("db = %+v, want total 70 count 5", byName["db"])
	}
	if http := byName["http"]; http == nil || http.TotalMicros != 30 {
		t.Errorf("http = %+v, want total 30", byName["http"])
	}
}

func TestMergeTimers_Commutative(t *testing.T) {
	a := &TimerNode{Name: "root", TotalMicros: 10, Count: 1, Children: []*TimerNode{
		{Name: "x", TotalMicros: 5, Count: 1},
	}}
	b := &TimerNode{Name: "root", TotalMicros: 20, Count: 2, Children: []*TimerNode{
		{Name: "y", TotalMicros: 8, Count: 1},
	}}

	ab := MergeTimers(a, b)
	ba := MergeTimers(b, a)

	if ab.TotalMicros != ba.TotalMicros || ab.Count != ba.Count {
		t.Errorf("merge not commutative over totals: %+v vs %+v", ab, ba)
	}
	sum := func(n *TimerNode) map[string]int64 {
		out := map[string]int64{}
		for _, c := range n.Children {
			out[c.Name] = c.TotalMicros
		}
		return out
	}
	sab, sba := sum(ab), sum(ba)
	for name, v := range sab {
		if sba[name] != v {
			t.Errorf("child %s differs: %d vs %d", name, v, sba[name])
		}
	}
}

func TestMergeTimers_DifferentRootsSynthesizeParent(t *testing.T) {
	a := &TimerNode{Name: "servlet", TotalMicros: 10, Count: 1}
	b := &TimerNode{Name: "grpc", TotalMicros: 20, Count: 2}

	merged := MergeTimers(a, b)

	if merged.Name != "" || len(merged.Children) != 2 {
		t.Fatalf("expected synthetic parent with 2 children, got %+v", merged)
	}
	if merged.TotalMicros != 30 || merged.Count != 3 {
		t.Errorf("synthetic totals = (%d, %d), want (30, 3)", merged.TotalMicros, merged.Count)
	}
}

func TestMergeTimers_NilArguments(t *testing.T) {
	a := &TimerNode{Name: "root", TotalMicros: 10, Count: 1}
	if got := MergeTimers(nil, a); got == nil || got.TotalMicros != 10 {
		t.Errorf("MergeTimers(nil, a) = %+v", got)
	}
	if got := MergeTimers(a, nil); got == nil || got.TotalMicros != 10 {
		t.Errorf("MergeTimers(a, nil) = %+v", got)
	}
	if got := MergeTimers(nil, nil); got != nil {
		t.Errorf("MergeTimers(nil, nil) = %+v, want nil", got)
	}
}

func TestMergeTimers_DoesNotModifyInputs(t *testing.T) {
	a := &TimerNode{Name: "root", TotalMicros: 10, Count: 1}
	b := &TimerNode{Name: "root", TotalMicros: 20, Count: 2}

	MergeTimers(a, b)

	if a.TotalMicros != 10 || b.TotalMicros != 20 {
		t.Errorf("inputs modified: a=%+v b=%+v", a, b)
	}
}

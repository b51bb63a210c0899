package aggregate

import (
	"github.com/DataDog/sketches-go/ddsketch"
	"github.com/DataDog/sketches-go/ddsketch/store"
)

// DefaultHistogramAccuracy is the relative accuracy used for response time
// distributions when none is configured (1% error).
const DefaultHistogramAccuracy = 0.01

// Histogram is a mergeable response time distribution backed by DDSketch.
// Merging is commutative and associative, so the result of folding many
// histograms is independent of merge order.
type Histogram struct {
	sketch *ddsketch.DDSketch
}

// NewHistogram creates an empty histogram with the default accuracy.
func NewHistogram() *Histogram {
	h, _ := NewHistogramWithAccuracy(DefaultHistogramAccuracy)
	return h
}

// NewHistogramWithAccuracy creates an empty histogram with a custom
// relative accuracy.
func NewHistogramWithAccuracy(accuracy float64) (*Histogram, error) {
	sketch, err := ddsketch.NewDefaultDDSketch(accuracy)
	if err != nil {
		return nil, err
	}
	return &Histogram{sketch: sketch}, nil
}

// Add records one duration, in microseconds.
func (h *Histogram) Add(durationMicros float64) {
	if h == nil || h.sketch == nil {
		return
	}
	// Values <= 0 are not representable in the sketch's log mapping.
	if durationMicros <= 0 {
		durationMicros = 1
	}
	_ = h.sketch.Add(durationMicros)
}

// Merge returns a new histogram containing the values of both operands.
// Either operand may be nil or empty.
func (h *Histogram) Merge(other *Histogram) *Histogram {
	if h == nil || h.sketch == nil {
		return other.Copy()
	}
	merged := h.Copy()
	if other == nil || other.sketch == nil {
		return merged
	}
	if err := merged.sketch.MergeWith(other.sketch); err != nil {
		// Incompatible sketch mappings; keep the receiver's values
		// rather than failing a read-only merge.
		return merged
	}
	return merged
}

// Copy returns an independent copy of the histogram.
func (h *Histogram) Copy() *Histogram {
	if h == nil || h.sketch == nil {
		return NewHistogram()
	}
	return &Histogram{sketch: h.sketch.Copy()}
}

// Count returns the number of recorded durations.
func (h *Histogram) Count() int64 {
	if h == nil || h.sketch == nil {
		return 0
	}
	return int64(h.sketch.GetCount())
}

// ValueAtQuantile returns the duration at quantile q in [0, 1],
// or 0 for an empty histogram.
func (h *Histogram) ValueAtQuantile(q float64) float64 {
	if h == nil || h.sketch == nil {
		return 0
	}
	v, err := h.sketch.GetValueAtQuantile(q)
	if err != nil {
		return 0
	}
	return v
}

// Encode serializes the histogram for column storage. An empty histogram
// encodes to nil.
func (h *Histogram) Encode() []byte {
	if h == nil || h.sketch == nil || h.sketch.GetCount() == 0 {
		return nil
	}
	var b []byte
	h.sketch.Encode(&b, false)
	return b
}

// DecodeHistogram deserializes a histogram from column storage. Nil or
// empty data yields an empty histogram.
func DecodeHistogram(data []byte) (*Histogram, error) {
	if len(data) == 0 {
		return NewHistogram(), nil
	}
	sketch, err := ddsketch.DecodeDDSketch(data, store.DefaultProvider, nil)
	if err != nil {
		return nil, err
	}
	return &Histogram{sketch: sketch}, nil
}

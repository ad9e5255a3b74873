package rp1210

import "sort"

// FilterSet is an immutable set of PGNs or PIDs. The empty set passes everything.
type FilterSet struct {
	ids map[uint32]struct{}
}

func NewFilterSet(ids ...uint32) *FilterSet {
	m := make(map[uint32]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return &FilterSet{ids: m}
}

func (f *FilterSet) Allows(id uint32) bool {
	if f == nil || len(f.ids) == 0 {
		return true
	}
	_, ok := f.ids[id]
	return ok
}

func (f *FilterSet) Len() int {
	if f == nil {
		return 0
	}
	return len(f.ids)
}

// Values returns the set members in ascending order.
func (f *FilterSet) Values() []uint32 {
	if f == nil {
		return nil
	}
	out := make([]uint32, 0, len(f.ids))
	for id := range f.ids {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

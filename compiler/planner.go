package compiler

import (
	"sort"

	"github.com/sbl8/planrt/core"
)

// planAlignment is the offset alignment of tensors inside a planned buffer.
const planAlignment = 16

// interval is the storage request of one tensor: its size and the
// instruction positions during which it must stay live.
type interval struct {
	value int
	size  uint64
	first int
	last  int
}

func (a interval) overlaps(b interval) bool {
	return a.first <= b.last && b.first <= a.last
}

// placement is where the planner put a tensor.
type placement struct {
	offset uint64
	size   uint64
}

// planBuffer packs the requested tensors into a single buffer. Tensors whose
// lifetimes overlap never share bytes; the rest may reuse each other's space.
// Largest tensors are placed first, each at the lowest aligned offset that
// fits between the already placed tensors it conflicts with.
func planBuffer(reqs []interval) (map[int]placement, uint64) {
	sorted := append([]interval(nil), reqs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].size != sorted[j].size {
			return sorted[i].size > sorted[j].size
		}
		return sorted[i].value < sorted[j].value
	})

	out := make(map[int]placement, len(sorted))
	var placed []interval
	var total uint64
	for _, req := range sorted {
		var busy []placement
		for _, p := range placed {
			if p.overlaps(req) {
				busy = append(busy, out[p.value])
			}
		}
		sort.Slice(busy, func(i, j int) bool { return busy[i].offset < busy[j].offset })

		var offset uint64
		for _, b := range busy {
			if offset+req.size <= b.offset {
				break
			}
			if end := alignOffset(b.offset + b.size); end > offset {
				offset = end
			}
		}
		out[req.value] = placement{offset: offset, size: req.size}
		placed = append(placed, req)
		if end := offset + req.size; end > total {
			total = end
		}
	}
	return out, alignOffset(total)
}

func alignOffset(n uint64) uint64 {
	return uint64(core.AlignUp(uintptr(n), planAlignment))
}

package orderbook

import (
	"github.com/google/uuid"
	"github.com/hyperlicked/perpcore/pkg/decimal"
)

// maxPriceHeap orders bid prices with the highest price on top.
type maxPriceHeap []decimal.Fixed

func (h maxPriceHeap) Len() int           { return len(h) }
func (h maxPriceHeap) Less(i, j int) bool { return h[i].GT(h[j]) }
func (h maxPriceHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *maxPriceHeap) Push(x interface{}) {
	*h = append(*h, x.(decimal.Fixed))
}

func (h *maxPriceHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[0 : n-1]
	return x
}

func (h maxPriceHeap) Peek() decimal.Fixed {
	if len(h) == 0 {
		return decimal.Zero()
	}
	return h[0]
}

// minPriceHeap orders ask prices with the lowest price on top.
type minPriceHeap []decimal.Fixed

func (h minPriceHeap) Len() int           { return len(h) }
func (h minPriceHeap) Less(i, j int) bool { return h[i].LT(h[j]) }
func (h minPriceHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *minPriceHeap) Push(x interface{}) {
	*h = append(*h, x.(decimal.Fixed))
}

func (h *minPriceHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[0 : n-1]
	return x
}

func (h minPriceHeap) Peek() decimal.Fixed {
	if len(h) == 0 {
		return decimal.Zero()
	}
	return h[0]
}

// expiryEntry binds a GTD order to its deadline for the expiry heap.
type expiryEntry struct {
	deadline int64
	orderID  uuid.UUID
}

// expiryHeap is a min-heap over GTD deadlines, scanned by ExpireBefore to
// cancel orders whose time has passed without a dedicated timer per order.
type expiryHeap []expiryEntry

func (h expiryHeap) Len() int           { return len(h) }
func (h expiryHeap) Less(i, j int) bool { return h[i].deadline < h[j].deadline }
func (h expiryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *expiryHeap) Push(x interface{}) {
	*h = append(*h, x.(expiryEntry))
}

func (h *expiryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[0 : n-1]
	return x
}

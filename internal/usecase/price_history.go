package usecase

// DefaultHistorySize is the number of prices kept per symbol.
const DefaultHistorySize = 20

// PriceHistoryStore keeps a fixed-capacity ring of recent prices per symbol.
// It is owned by the trading loop and is not safe for concurrent use.
type PriceHistoryStore struct {
	capacity int
	rings    map[string]*priceRing
}

type priceRing struct {
	buf   []float64
	start int
	size  int
}

func NewPriceHistoryStore(capacity int) *PriceHistoryStore {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &PriceHistoryStore{
		capacity: capacity,
		rings:    make(map[string]*priceRing),
	}
}

// Record appends price for symbol, evicting the oldest entry once full.
// Non-positive prices are ignored.
func (s *PriceHistoryStore) Record(symbol string, price float64) {
	if price <= 0 {
		return
	}
	r, ok := s.rings[symbol]
	if !ok {
		r = &priceRing{buf: make([]float64, s.capacity)}
		s.rings[symbol] = r
	}

	if r.size < s.capacity {
		r.buf[(r.start+r.size)%s.capacity] = price
		r.size++
		return
	}
	r.buf[r.start] = price
	r.start = (r.start + 1) % s.capacity
}

// Snapshot returns the recorded prices for symbol, oldest first.
// The slice is a copy; it is empty if nothing was recorded.
func (s *PriceHistoryStore) Snapshot(symbol string) []float64 {
	r, ok := s.rings[symbol]
	if !ok {
		return []float64{}
	}
	out := make([]float64, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.start+i)%s.capacity]
	}
	return out
}

// Len returns the number of prices held for symbol.
func (s *PriceHistoryStore) Len(symbol string) int {
	if r, ok := s.rings[symbol]; ok {
		return r.size
	}
	return 0
}

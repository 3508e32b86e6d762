package domain

// Ticker is one price observation for a symbol.
type Ticker struct {
	Symbol    string  `json:"symbol"`
	LastPrice float64 `json:"last_price"`
}

// InstrumentRules carries the exchange trading constraints for a symbol.
type InstrumentRules struct {
	Symbol      string  `json:"symbol"`
	QtyStep     float64 `json:"qty_step"`     // minimum quantity increment
	MinNotional float64 `json:"min_notional"` // minimum order value in quote currency
}

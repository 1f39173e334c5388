package domain

// OrderSide is the exchange-level side of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// EntrySide returns the order side that opens a position in d.
func EntrySide(d Direction) OrderSide {
	if d == DirectionShort {
		return OrderSideSell
	}
	return OrderSideBuy
}

// ExitSide returns the order side that reduces a position in d.
func ExitSide(d Direction) OrderSide {
	if d == DirectionShort {
		return OrderSideBuy
	}
	return OrderSideSell
}

// OrderRequest describes an order before validation and submission.
type OrderRequest struct {
	Symbol        string
	Side          OrderSide
	Quantity      float64
	Leverage      int
	ReduceOnly    bool
	Price         float64 // stop price for stop orders, ignored for market
	ClientOrderID string
}

// OrderResult wraps the exchange response after order submission. Trading
// failures are reported here rather than as Go errors.
type OrderResult struct {
	Success     bool    `json:"success"`
	OrderID     string  `json:"order_id,omitempty"`
	FilledPrice float64 `json:"filled_price,omitempty"`
	Error       string  `json:"error,omitempty"`
}

// CloseAllResult counts the outcome of an emergency close.
type CloseAllResult struct {
	Closed int `json:"closed"`
	Failed int `json:"failed"`
}

// Balance is the account balance of one asset.
type Balance struct {
	Asset     string  `json:"asset"`
	Total     float64 `json:"total"`
	Available float64 `json:"available"`
}

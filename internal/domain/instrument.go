package domain

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderStatus is the exchange-side state of an order.
type OrderStatus string

const (
	OrderFilled          OrderStatus = "FILLED"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderNew             OrderStatus = "NEW"
	OrderCancelled       OrderStatus = "CANCELLED"
	OrderRejected        OrderStatus = "REJECTED"
	OrderExpired         OrderStatus = "EXPIRED"
)

// Terminal reports whether the order can no longer fill.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected, OrderExpired:
		return true
	}
	return false
}

// Fill is the last known state of a market order. Status is empty when the
// exchange has not reported it yet.
type Fill struct {
	OrderID   string      `json:"order_id"`
	Symbol    string      `json:"symbol"`
	Side      Side        `json:"side"`
	Status    OrderStatus `json:"status,omitempty"`
	AvgPrice  float64     `json:"avg_price"`
	FilledQty float64     `json:"filled_qty"`
}

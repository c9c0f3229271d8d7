package orders

// Location is a point on the map.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Order is a delivery request offered to riders.
type Order struct {
	OrderID string   `json:"orderId"`
	Start   Location `json:"start"`
	End     Location `json:"end"`
	Price   int      `json:"price"`
}

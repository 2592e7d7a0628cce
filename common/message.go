package common

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceTick one market-data price update for a product
type PriceTick struct {
	// ProductID is the product the price applies to
	ProductID string `json:"productId" validate:"required,excludesall=/ "`
	// Price is the latest traded / quoted price
	Price decimal.Decimal `json:"price"`
	// Timestamp is when the upstream feed produced the tick
	Timestamp time.Time `json:"timestamp"`
}

// OrderStatus execution status of an order
type OrderStatus string

// OrderEvent one order execution status change addressed to a user
type OrderEvent struct {
	OrderID   string      `json:"orderId" msgpack:"orderId" validate:"required"`
	UserID    string      `json:"userId" msgpack:"userId"`
	Status    OrderStatus `json:"status" msgpack:"status" validate:"required"`
	Timestamp time.Time   `json:"timestamp" msgpack:"timestamp"`
}

// OrderEventEnvelope native order channel framing for an order event
type OrderEventEnvelope struct {
	Type string     `json:"type" msgpack:"type"`
	Data OrderEvent `json:"data" msgpack:"data"`
}

// OrderEventEnvelopeType is the envelope type of order event pushes
const OrderEventEnvelopeType = "order_event"

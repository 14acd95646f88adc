package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// --- Incoming RabbitMQ Message Structures ---

// Quantity accepts either a JSON number or a numeric string on the wire.
type Quantity int

func (q *Quantity) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*q = 0
		return nil
	}

	var raw string
	if data[0] == '"' {
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		raw = strings.TrimSpace(raw)
		if raw == "" {
			*q = 0
			return nil
		}
	} else {
		raw = string(data)
	}

	n, err := strconv.ParseInt(raw, 10, 32)
	if errors.Is(err, strconv.ErrRange) {
		return fmt.Errorf("quantity %s: %w", raw, ErrQuantityRange)
	}
	if err != nil {
		return fmt.Errorf("quantity %q is not an integer", raw)
	}
	*q = Quantity(n)
	return nil
}

// IncomingOrderMessage is the payload consumed from the New_Order queue.
// Missing fields decode to their zero value.
type IncomingOrderMessage struct {
	OrderID    string   `json:"Order_ID"`
	CustomerID string   `json:"Customer_ID"`
	ProductID  string   `json:"Product_ID"`
	Quantity   Quantity `json:"Quantity"`
}

var (
	ErrNotAnObject     = errors.New("payload is not a JSON object")
	ErrMissingCustomer = errors.New("Customer_ID is required")
	ErrMissingProduct  = errors.New("Product_ID is required")
	ErrBadQuantity     = errors.New("Quantity must be greater than zero")
	ErrQuantityRange   = errors.New("Quantity does not fit a 32-bit integer")
	ErrFieldTooLong    = errors.New("field exceeds maximum length")
	ErrNULByte         = errors.New("field contains a NUL byte")
)

// MaxIDLength bounds Customer_ID and Product_ID to their column width.
const MaxIDLength = 64

// ParseIncomingOrder decodes a raw New_Order body. With strict set, messages
// missing a customer, a product or a positive quantity are rejected.
func ParseIncomingOrder(body []byte, strict bool) (IncomingOrderMessage, error) {
	var msg IncomingOrderMessage

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return msg, ErrNotAnObject
	}
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return msg, err
	}
	if err := msg.storable(); err != nil {
		return msg, err
	}
	if strict {
		if err := msg.Validate(); err != nil {
			return msg, err
		}
	}
	return msg, nil
}

// Validate enforces the fields a stock check cannot do without.
func (m IncomingOrderMessage) Validate() error {
	var errs []error
	if strings.TrimSpace(m.CustomerID) == "" {
		errs = append(errs, ErrMissingCustomer)
	}
	if strings.TrimSpace(m.ProductID) == "" {
		errs = append(errs, ErrMissingProduct)
	}
	if m.Quantity <= 0 {
		errs = append(errs, ErrBadQuantity)
	}
	return errors.Join(errs...)
}

// storable rejects values the order table can never hold, whatever the
// validation mode.
func (m IncomingOrderMessage) storable() error {
	var errs []error
	for _, f := range []struct {
		name, value string
		max         int
	}{
		{"Order_ID", m.OrderID, 0},
		{"Customer_ID", m.CustomerID, MaxIDLength},
		{"Product_ID", m.ProductID, MaxIDLength},
	} {
		if strings.ContainsRune(f.value, 0) {
			errs = append(errs, fmt.Errorf("%s: %w", f.name, ErrNULByte))
		}
		if f.max > 0 && utf8.RuneCountInString(f.value) > f.max {
			errs = append(errs, fmt.Errorf("%s: %w (%d characters)", f.name, ErrFieldTooLong, f.max))
		}
	}
	return errors.Join(errs...)
}

var orderKeyNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:shopstream:order-processing:new-order"))

// IdempotencyKey returns the key an order is stored under. Redeliveries of
// the same body always map to the same key.
func IdempotencyKey(msg IncomingOrderMessage, body []byte) string {
	if id := strings.TrimSpace(msg.OrderID); id != "" {
		return id
	}
	return uuid.NewSHA1(orderKeyNamespace, bytes.TrimSpace(body)).String()
}

// --- Database Model ---

// OrderStatus mirrors the status column of customer_order.
type OrderStatus string

const (
	StatusInProgress OrderStatus = "In Progress"
	StatusShipped    OrderStatus = "Shipped"
	StatusComplete   OrderStatus = "Complete"
)

// OrderRecord is a row of customer_order.
type OrderRecord struct {
	OrderKey       string      `db:"order_key"`
	OrderID        string      `db:"order_id"`
	CustomerID     string      `db:"customer_id"`
	ProductID      string      `db:"product_id"`
	Quantity       int         `db:"quantity"`
	TotalPayment   float64     `db:"total_payment"`
	OrderTimestamp time.Time   `db:"order_timestamp"`
	Status         OrderStatus `db:"status"`
}

// NewOrderRecord builds the row to insert for an incoming message.
// Total payment and timestamp are assigned by the store.
func NewOrderRecord(key string, msg IncomingOrderMessage) OrderRecord {
	return OrderRecord{
		OrderKey:   key,
		OrderID:    msg.OrderID,
		CustomerID: msg.CustomerID,
		ProductID:  msg.ProductID,
		Quantity:   int(msg.Quantity),
		Status:     StatusInProgress,
	}
}

// SameOrder reports whether two records describe the same customer order.
func (r OrderRecord) SameOrder(other OrderRecord) bool {
	return r.CustomerID == other.CustomerID &&
		r.ProductID == other.ProductID &&
		r.Quantity == other.Quantity
}

// Product is a catalog row.
type Product struct {
	ProductID   string  `db:"product_id"`
	Name        string  `db:"product_name"`
	Description string  `db:"product_description"`
	Price       float64 `db:"price"`
}

// --- Outgoing RabbitMQ Message Structures ---

// StockCheckMessage is published to the CheckStock queue.
type StockCheckMessage struct {
	OrderID   string `json:"Order_ID"`
	ProductID string `json:"Product_ID"`
	Quantity  int    `json:"Quantity"`
}

// NewStockCheck copies the stock-relevant fields verbatim.
func NewStockCheck(msg IncomingOrderMessage) StockCheckMessage {
	return StockCheckMessage{
		OrderID:   msg.OrderID,
		ProductID: msg.ProductID,
		Quantity:  int(msg.Quantity),
	}
}

// Heartbeat is the liveness message read by the health monitor.
type Heartbeat struct {
	MicroserviceName string `json:"Microservice_Name"`
}

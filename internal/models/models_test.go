package models

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIncomingOrder(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		strict  bool
		want    IncomingOrderMessage
		wantErr error
		anyErr  bool
	}{
		{
			name: "full message",
			body: `{"Order_ID":"O1","Customer_ID":"C1","Product_ID":"P0001","Quantity":2}`,
			want: IncomingOrderMessage{OrderID: "O1", CustomerID: "C1", ProductID: "P0001", Quantity: 2},
		},
		{
			name: "quantity as string",
			body: `{"Order_ID":"O2","Customer_ID":"C1","Product_ID":"P0002","Quantity":" 7 "}`,
			want: IncomingOrderMessage{OrderID: "O2", CustomerID: "C1", ProductID: "P0002", Quantity: 7},
		},
		{
			name: "missing fields default to zero values",
			body: `{"Customer_ID":"C9"}`,
			want: IncomingOrderMessage{CustomerID: "C9"},
		},
		{
			name: "empty quantity string",
			body: `{"Product_ID":"P0003","Quantity":""}`,
			want: IncomingOrderMessage{ProductID: "P0003"},
		},
		{
			name:    "array body",
			body:    `[1,2,3]`,
			wantErr: ErrNotAnObject,
		},
		{
			name:    "empty body",
			body:    ``,
			wantErr: ErrNotAnObject,
		},
		{
			name:   "truncated json",
			body:   `{"Order_ID":"O1"`,
			anyErr: true,
		},
		{
			name:   "non numeric quantity",
			body:   `{"Quantity":"two"}`,
			anyErr: true,
		},
		{
			name:   "fractional quantity",
			body:   `{"Quantity":2.5}`,
			anyErr: true,
		},
		{
			name:    "quantity beyond int32",
			body:    `{"Customer_ID":"C1","Product_ID":"P0006","Quantity":3000000000}`,
			wantErr: ErrQuantityRange,
		},
		{
			name:    "quantity string beyond int32",
			body:    `{"Customer_ID":"C1","Product_ID":"P0006","Quantity":"-3000000000"}`,
			wantErr: ErrQuantityRange,
		},
		{
			name:    "nul byte in customer",
			body:    `{"Customer_ID":"C\u0000","Product_ID":"P0006","Quantity":3}`,
			wantErr: ErrNULByte,
		},
		{
			name:    "nul byte in order id",
			body:    `{"Order_ID":"O\u00001","Customer_ID":"C1","Product_ID":"P0006","Quantity":3}`,
			wantErr: ErrNULByte,
		},
		{
			name:    "product id longer than column",
			body:    `{"Customer_ID":"C1","Product_ID":"` + strings.Repeat("P", MaxIDLength+1) + `","Quantity":3}`,
			wantErr: ErrFieldTooLong,
		},
		{
			name: "product id at column width",
			body: `{"Customer_ID":"C1","Product_ID":"` + strings.Repeat("P", MaxIDLength) + `","Quantity":3}`,
			want: IncomingOrderMessage{CustomerID: "C1", ProductID: strings.Repeat("P", MaxIDLength), Quantity: 3},
		},
		{
			name:    "strict rejects missing product",
			body:    `{"Order_ID":"O1","Customer_ID":"C1","Quantity":2}`,
			strict:  true,
			wantErr: ErrMissingProduct,
		},
		{
			name:    "strict rejects zero quantity",
			body:    `{"Order_ID":"O1","Customer_ID":"C1","Product_ID":"P0001"}`,
			strict:  true,
			wantErr: ErrBadQuantity,
		},
		{
			name:   "strict accepts full message",
			body:   `{"Order_ID":"O1","Customer_ID":"C1","Product_ID":"P0001","Quantity":"3"}`,
			strict: true,
			want:   IncomingOrderMessage{OrderID: "O1", CustomerID: "C1", ProductID: "P0001", Quantity: 3},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseIncomingOrder([]byte(tt.body), tt.strict)
			switch {
			case tt.wantErr != nil:
				require.ErrorIs(t, err, tt.wantErr)
			case tt.anyErr:
				require.Error(t, err)
			default:
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestIdempotencyKey(t *testing.T) {
	body := []byte(`{"Customer_ID":"C1","Product_ID":"P0001","Quantity":2}`)
	msg, err := ParseIncomingOrder(body, false)
	require.NoError(t, err)

	first := IdempotencyKey(msg, body)
	second := IdempotencyKey(msg, append([]byte("  "), body...))
	assert.Equal(t, first, second, "redelivered body must map to the same key")

	parsed, err := uuid.Parse(first)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(5), parsed.Version())

	other := IdempotencyKey(msg, []byte(`{"Customer_ID":"C2","Product_ID":"P0001","Quantity":2}`))
	assert.NotEqual(t, first, other)

	msg.OrderID = "O-42"
	assert.Equal(t, "O-42", IdempotencyKey(msg, body))
}

func TestNewStockCheckWireFormat(t *testing.T) {
	msg := IncomingOrderMessage{OrderID: "O1", CustomerID: "C1", ProductID: "P0001", Quantity: 2}

	out, err := json.Marshal(NewStockCheck(msg))
	require.NoError(t, err)
	assert.JSONEq(t, `{"Order_ID":"O1","Product_ID":"P0001","Quantity":2}`, string(out))
}

func TestNewOrderRecordAndSameOrder(t *testing.T) {
	msg := IncomingOrderMessage{OrderID: "O1", CustomerID: "C1", ProductID: "P0001", Quantity: 2}
	rec := NewOrderRecord("O1", msg)

	assert.Equal(t, StatusInProgress, rec.Status)
	assert.Equal(t, 2, rec.Quantity)
	assert.True(t, rec.SameOrder(OrderRecord{CustomerID: "C1", ProductID: "P0001", Quantity: 2, TotalPayment: 99}))
	assert.False(t, rec.SameOrder(OrderRecord{CustomerID: "C1", ProductID: "P0001", Quantity: 3}))
}

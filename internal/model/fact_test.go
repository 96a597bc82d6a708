package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticketflow/internal/money"
)

func TestFactKeyString(t *testing.T) {
	key := FactKey{ChainID: 11155111, BlockNumber: 123456, LogIndex: 2}
	assert.Equal(t, "11155111_123456_2", key.String())
}

func TestFactValidate(t *testing.T) {
	f := Fact{
		FactKey: FactKey{ChainID: 1, BlockNumber: 10, LogIndex: 0},
		Kind:    KindTicketPurchased,
	}
	assert.Error(t, f.Validate(), "payload missing")

	f.TicketPurchased = &TicketPurchasedFact{EventID: 0, Buyer: "0xabc", Price: money.MustParse("10")}
	assert.NoError(t, f.Validate())

	f.Kind = "ticket-refunded"
	assert.Error(t, f.Validate(), "unknown kind")
}

func TestFactJSONRoundTrip(t *testing.T) {
	f := Fact{
		FactKey:   FactKey{ChainID: 1, BlockNumber: 42, LogIndex: 1},
		Kind:      KindTicketPurchased,
		TxHash:    "0x01",
		Address:   "0x02",
		Timestamp: 1700000000,
		TicketPurchased: &TicketPurchasedFact{
			EventID:   3,
			Buyer:     "0xbuyer",
			Price:     money.MustParse("10.50"),
			Timestamp: 1700000000,
		},
	}

	data, err := json.Marshal(f)
	require.NoError(t, err)

	var got Fact
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, f, got)
	assert.Nil(t, got.EventCreated)
}

func TestTicketStatus(t *testing.T) {
	assert.True(t, StatusIntent.Valid())
	assert.False(t, StatusIntent.Settled())
	assert.True(t, StatusPaid.Settled())
	assert.True(t, StatusGranted.Settled())
	assert.False(t, TicketStatus("created").Valid())
}

func TestTicketValidate(t *testing.T) {
	tk := TicketRecord{ID: "t1", EventID: 1, Buyer: "0xabc", Status: StatusIntent}
	assert.NoError(t, tk.Validate())

	tk.Status = StatusPaid
	assert.Error(t, tk.Validate(), "paid without payment ref")

	tk.PaymentRef = "0xhash"
	assert.NoError(t, tk.Validate())
	assert.True(t, tk.IsGap(), "settled without contact is a gap")

	tk.BuyerContact = "buyer@example.com"
	assert.False(t, tk.IsGap())
}

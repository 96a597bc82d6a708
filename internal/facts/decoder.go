// Package facts turns escrow contract logs into typed fact records keyed by
// (chainId, blockNumber, logIndex).
package facts

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"ticketflow/internal/model"
	"ticketflow/internal/money"
)

// Decoder decodes escrow contract logs into facts.
type Decoder struct {
	contractABI abi.ABI
	topicToKind map[common.Hash]model.FactKind
}

// NewDecoder builds a decoder for the four escrow log kinds.
func NewDecoder() (*Decoder, error) {
	contractABI, err := TicketEscrowABI()
	if err != nil {
		return nil, err
	}
	return &Decoder{
		contractABI: contractABI,
		topicToKind: map[common.Hash]model.FactKind{
			contractABI.Events["EventCreated"].ID:          model.KindEventCreated,
			contractABI.Events["TicketPurchased"].ID:       model.KindTicketPurchased,
			contractABI.Events["RevenueWithdrawn"].ID:      model.KindRevenueWithdrawn,
			contractABI.Events["PlatformFeesWithdrawn"].ID: model.KindPlatformFeesWithdrawn,
		},
	}, nil
}

// CanDecode reports whether the log's topic0 is one of the escrow events.
func (d *Decoder) CanDecode(log types.Log) bool {
	if len(log.Topics) == 0 {
		return false
	}
	_, ok := d.topicToKind[log.Topics[0]]
	return ok
}

// Decode converts one log into a fact. The block timestamp is supplied by the
// caller; the log's transaction hash becomes the payment reference for
// purchase facts.
func (d *Decoder) Decode(chainID uint64, log types.Log, timestamp uint64) (model.Fact, error) {
	if len(log.Topics) == 0 {
		return model.Fact{}, fmt.Errorf("log has no topics")
	}
	kind, ok := d.topicToKind[log.Topics[0]]
	if !ok {
		return model.Fact{}, fmt.Errorf("unsupported topic0: %s", log.Topics[0].Hex())
	}

	fact := model.Fact{
		FactKey: model.FactKey{
			ChainID:     chainID,
			BlockNumber: log.BlockNumber,
			LogIndex:    uint64(log.Index),
		},
		Kind:      kind,
		TxHash:    strings.ToLower(log.TxHash.Hex()),
		Address:   strings.ToLower(log.Address.Hex()),
		Timestamp: timestamp,
	}

	var err error
	switch kind {
	case model.KindEventCreated:
		err = d.decodeEventCreated(&fact, log)
	case model.KindTicketPurchased:
		err = d.decodeTicketPurchased(&fact, log)
	case model.KindRevenueWithdrawn:
		err = d.decodeRevenueWithdrawn(&fact, log)
	case model.KindPlatformFeesWithdrawn:
		err = d.decodePlatformFeesWithdrawn(&fact, log)
	}
	if err != nil {
		return model.Fact{}, fmt.Errorf("decode %s: %w", kind, err)
	}
	return fact, nil
}

func (d *Decoder) decodeEventCreated(fact *model.Fact, log types.Log) error {
	if len(log.Topics) != 3 {
		return fmt.Errorf("expected 3 topics, got %d", len(log.Topics))
	}
	vals, err := d.contractABI.Unpack("EventCreated", log.Data)
	if err != nil {
		return err
	}
	if len(vals) != 3 {
		return fmt.Errorf("expected 3 data fields, got %d", len(vals))
	}
	price, err := amountArg(vals[0], "price")
	if err != nil {
		return err
	}
	maxAttendees, err := uint64Arg(vals[1], "maxAttendees")
	if err != nil {
		return err
	}
	eventTime, err := uint64Arg(vals[2], "eventTime")
	if err != nil {
		return err
	}
	fact.EventCreated = &model.EventCreatedFact{
		EventID:      topicUint64(log.Topics[1]),
		Organizer:    topicAddress(log.Topics[2]),
		Price:        price,
		MaxAttendees: maxAttendees,
		EventTime:    eventTime,
	}
	return nil
}

func (d *Decoder) decodeTicketPurchased(fact *model.Fact, log types.Log) error {
	if len(log.Topics) != 3 {
		return fmt.Errorf("expected 3 topics, got %d", len(log.Topics))
	}
	vals, err := d.contractABI.Unpack("TicketPurchased", log.Data)
	if err != nil {
		return err
	}
	if len(vals) != 2 {
		return fmt.Errorf("expected 2 data fields, got %d", len(vals))
	}
	price, err := amountArg(vals[0], "price")
	if err != nil {
		return err
	}
	purchasedAt, err := uint64Arg(vals[1], "timestamp")
	if err != nil {
		return err
	}
	fact.TicketPurchased = &model.TicketPurchasedFact{
		EventID:   topicUint64(log.Topics[1]),
		Buyer:     topicAddress(log.Topics[2]),
		Price:     price,
		Timestamp: purchasedAt,
	}
	return nil
}

func (d *Decoder) decodeRevenueWithdrawn(fact *model.Fact, log types.Log) error {
	if len(log.Topics) != 3 {
		return fmt.Errorf("expected 3 topics, got %d", len(log.Topics))
	}
	vals, err := d.contractABI.Unpack("RevenueWithdrawn", log.Data)
	if err != nil {
		return err
	}
	if len(vals) != 1 {
		return fmt.Errorf("expected 1 data field, got %d", len(vals))
	}
	amount, err := amountArg(vals[0], "amount")
	if err != nil {
		return err
	}
	fact.RevenueWithdrawn = &model.RevenueWithdrawnFact{
		EventID:   topicUint64(log.Topics[1]),
		Organizer: topicAddress(log.Topics[2]),
		Amount:    amount,
	}
	return nil
}

func (d *Decoder) decodePlatformFeesWithdrawn(fact *model.Fact, log types.Log) error {
	if len(log.Topics) != 2 {
		return fmt.Errorf("expected 2 topics, got %d", len(log.Topics))
	}
	vals, err := d.contractABI.Unpack("PlatformFeesWithdrawn", log.Data)
	if err != nil {
		return err
	}
	if len(vals) != 1 {
		return fmt.Errorf("expected 1 data field, got %d", len(vals))
	}
	amount, err := amountArg(vals[0], "amount")
	if err != nil {
		return err
	}
	fact.PlatformFeesWithdrawn = &model.PlatformFeesWithdrawnFact{
		Owner:  topicAddress(log.Topics[1]),
		Amount: amount,
	}
	return nil
}

func topicUint64(topic common.Hash) uint64 {
	return topic.Big().Uint64()
}

func topicAddress(topic common.Hash) string {
	return strings.ToLower(common.BytesToAddress(topic.Bytes()).Hex())
}

func amountArg(v interface{}, name string) (money.Amount, error) {
	raw, ok := v.(*big.Int)
	if !ok {
		return 0, fmt.Errorf("%s: expected *big.Int, got %T", name, v)
	}
	amount, err := money.FromBig(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return amount, nil
}

func uint64Arg(v interface{}, name string) (uint64, error) {
	raw, ok := v.(*big.Int)
	if !ok {
		return 0, fmt.Errorf("%s: expected *big.Int, got %T", name, v)
	}
	if !raw.IsUint64() {
		return 0, fmt.Errorf("%s out of range: %s", name, raw)
	}
	return raw.Uint64(), nil
}

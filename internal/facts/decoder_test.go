package facts

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"ticketflow/internal/model"
	"ticketflow/internal/money"
)

const testChainID = 11155111

func topicFromAddress(addr common.Address) common.Hash {
	return common.BytesToHash(addr.Bytes())
}

func topicFromUint64(v uint64) common.Hash {
	return common.BigToHash(new(big.Int).SetUint64(v))
}

func buildLog(topic0 common.Hash, topics []common.Hash, data []byte) types.Log {
	return types.Log{
		Address:     common.HexToAddress("0x4444444444444444444444444444444444444444"),
		Topics:      append([]common.Hash{topic0}, topics...),
		Data:        data,
		BlockNumber: 123456,
		TxHash:      common.HexToHash("0xABCDEF"),
		Index:       2,
	}
}

func TestDecodeTicketPurchased(t *testing.T) {
	contractABI, err := TicketEscrowABI()
	if err != nil {
		t.Fatalf("abi parse: %v", err)
	}
	decoder, err := NewDecoder()
	if err != nil {
		t.Fatalf("decoder: %v", err)
	}

	buyer := common.HexToAddress("0x2222222222222222222222222222222222222222")
	data, err := contractABI.Events["TicketPurchased"].Inputs.NonIndexed().Pack(
		big.NewInt(10_500_000),
		big.NewInt(1_700_000_000),
	)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}

	log := buildLog(contractABI.Events["TicketPurchased"].ID, []common.Hash{
		topicFromUint64(7),
		topicFromAddress(buyer),
	}, data)

	if !decoder.CanDecode(log) {
		t.Fatalf("expected decodable log")
	}

	fact, err := decoder.Decode(testChainID, log, 1_700_000_005)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if fact.Kind != model.KindTicketPurchased {
		t.Fatalf("kind mismatch: %s", fact.Kind)
	}
	wantKey := model.FactKey{ChainID: testChainID, BlockNumber: 123456, LogIndex: 2}
	if fact.FactKey != wantKey {
		t.Fatalf("key mismatch: %+v", fact.FactKey)
	}

	tp := fact.TicketPurchased
	if tp == nil {
		t.Fatalf("missing payload")
	}
	if tp.EventID != 7 {
		t.Fatalf("event id mismatch: %d", tp.EventID)
	}
	if tp.Buyer != "0x2222222222222222222222222222222222222222" {
		t.Fatalf("buyer mismatch: %s", tp.Buyer)
	}
	if tp.Price != money.MustParse("10.50") {
		t.Fatalf("price mismatch: %s", tp.Price)
	}
	if tp.Timestamp != 1_700_000_000 {
		t.Fatalf("timestamp mismatch: %d", tp.Timestamp)
	}
}

func TestDecodeEventCreated(t *testing.T) {
	contractABI, _ := TicketEscrowABI()
	decoder, _ := NewDecoder()

	organizer := common.HexToAddress("0x3333333333333333333333333333333333333333")
	data, err := contractABI.Events["EventCreated"].Inputs.NonIndexed().Pack(
		big.NewInt(10_000_000),
		big.NewInt(50),
		big.NewInt(1_700_086_400),
	)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}

	log := buildLog(contractABI.Events["EventCreated"].ID, []common.Hash{
		topicFromUint64(0),
		topicFromAddress(organizer),
	}, data)

	fact, err := decoder.Decode(testChainID, log, 1_700_000_000)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	ec := fact.EventCreated
	if ec == nil {
		t.Fatalf("missing payload")
	}
	if ec.EventID != 0 || ec.MaxAttendees != 50 || ec.EventTime != 1_700_086_400 {
		t.Fatalf("payload mismatch: %+v", ec)
	}
	if ec.Price != money.MustParse("10") {
		t.Fatalf("price mismatch: %s", ec.Price)
	}
}

func TestDecodeWithdrawals(t *testing.T) {
	contractABI, _ := TicketEscrowABI()
	decoder, _ := NewDecoder()

	organizer := common.HexToAddress("0x3333333333333333333333333333333333333333")
	data, err := contractABI.Events["RevenueWithdrawn"].Inputs.NonIndexed().Pack(big.NewInt(9_750_000))
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	log := buildLog(contractABI.Events["RevenueWithdrawn"].ID, []common.Hash{
		topicFromUint64(3),
		topicFromAddress(organizer),
	}, data)

	fact, err := decoder.Decode(testChainID, log, 0)
	if err != nil {
		t.Fatalf("decode revenue: %v", err)
	}
	if fact.RevenueWithdrawn == nil || fact.RevenueWithdrawn.Amount != money.MustParse("9.75") {
		t.Fatalf("revenue payload mismatch: %+v", fact.RevenueWithdrawn)
	}

	owner := common.HexToAddress("0x5555555555555555555555555555555555555555")
	data, err = contractABI.Events["PlatformFeesWithdrawn"].Inputs.NonIndexed().Pack(big.NewInt(250_000))
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	log = buildLog(contractABI.Events["PlatformFeesWithdrawn"].ID, []common.Hash{
		topicFromAddress(owner),
	}, data)

	fact, err = decoder.Decode(testChainID, log, 0)
	if err != nil {
		t.Fatalf("decode fees: %v", err)
	}
	if fact.PlatformFeesWithdrawn == nil || fact.PlatformFeesWithdrawn.Amount != money.MustParse("0.25") {
		t.Fatalf("fees payload mismatch: %+v", fact.PlatformFeesWithdrawn)
	}
}

func TestDecodeRejectsUnknownTopic(t *testing.T) {
	decoder, _ := NewDecoder()

	log := buildLog(common.HexToHash("0xdead"), nil, nil)
	if decoder.CanDecode(log) {
		t.Fatalf("expected undecodable log")
	}
	if _, err := decoder.Decode(testChainID, log, 0); err == nil {
		t.Fatalf("expected error for unknown topic0")
	}
}

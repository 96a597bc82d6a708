package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"ticketflow/internal/facts"
	"ticketflow/internal/model"
	"ticketflow/internal/money"
)

const erc20ABIJSON = `[
  {
    "inputs": [{"internalType": "address", "name": "account", "type": "address"}],
    "name": "balanceOf",
    "outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [
      {"internalType": "address", "name": "owner", "type": "address"},
      {"internalType": "address", "name": "spender", "type": "address"}
    ],
    "name": "allowance",
    "outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
    "stateMutability": "view",
    "type": "function"
  }
]`

var (
	erc20ABI     abi.ABI
	erc20ABIOnce sync.Once
	erc20ABIErr  error
)

func tokenABI() (abi.ABI, error) {
	erc20ABIOnce.Do(func() {
		erc20ABI, erc20ABIErr = abi.JSON(strings.NewReader(erc20ABIJSON))
	})
	return erc20ABI, erc20ABIErr
}

// Views reads the escrow contract and payment token state used by the
// storefront before it submits a purchase transaction.
type Views struct {
	client   *Client
	contract common.Address
	token    common.Address
}

// NewViews builds the read surface for one escrow contract and its token.
func NewViews(client *Client, contract, token common.Address) *Views {
	return &Views{client: client, contract: contract, token: token}
}

// GetEvent reads one event from the contract.
func (v *Views) GetEvent(ctx context.Context, eventID uint64) (model.EventRecord, error) {
	contractABI, err := facts.TicketEscrowABI()
	if err != nil {
		return model.EventRecord{}, err
	}

	out, err := v.call(ctx, v.contract, contractABI, "getEvent", new(big.Int).SetUint64(eventID))
	if err != nil {
		return model.EventRecord{}, fmt.Errorf("getEvent: %w", err)
	}
	if len(out) != 1 {
		return model.EventRecord{}, fmt.Errorf("getEvent: expected 1 output, got %d", len(out))
	}

	type eventView struct {
		Id           *big.Int
		Organizer    common.Address
		Price        *big.Int
		MaxAttendees *big.Int
		EventTime    *big.Int
		TicketsSold  *big.Int
		HasWithdrawn bool
	}
	view := *abi.ConvertType(out[0], new(eventView)).(*eventView)

	price, err := money.FromBig(view.Price)
	if err != nil {
		return model.EventRecord{}, fmt.Errorf("getEvent price: %w", err)
	}
	return model.EventRecord{
		ID:           view.Id.Uint64(),
		Organizer:    strings.ToLower(view.Organizer.Hex()),
		Price:        price,
		MaxAttendees: view.MaxAttendees.Uint64(),
		EventTime:    view.EventTime.Uint64(),
		TicketsSold:  view.TicketsSold.Uint64(),
		HasWithdrawn: view.HasWithdrawn,
	}, nil
}

// GetEventRevenue reads the organizer's withdrawable share.
func (v *Views) GetEventRevenue(ctx context.Context, eventID uint64) (money.Amount, error) {
	contractABI, err := facts.TicketEscrowABI()
	if err != nil {
		return 0, err
	}
	out, err := v.call(ctx, v.contract, contractABI, "getEventRevenue", new(big.Int).SetUint64(eventID))
	if err != nil {
		return 0, fmt.Errorf("getEventRevenue: %w", err)
	}
	return singleAmount(out)
}

// HasUserPurchasedTicket reports whether the user holds a ticket on-chain.
func (v *Views) HasUserPurchasedTicket(ctx context.Context, eventID uint64, user common.Address) (bool, error) {
	contractABI, err := facts.TicketEscrowABI()
	if err != nil {
		return false, err
	}
	out, err := v.call(ctx, v.contract, contractABI, "hasUserPurchasedTicket", new(big.Int).SetUint64(eventID), user)
	if err != nil {
		return false, fmt.Errorf("hasUserPurchasedTicket: %w", err)
	}
	if len(out) != 1 {
		return false, fmt.Errorf("hasUserPurchasedTicket: expected 1 output, got %d", len(out))
	}
	b, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("hasUserPurchasedTicket: unexpected output type %T", out[0])
	}
	return b, nil
}

// TokenBalance reads the holder's payment token balance.
func (v *Views) TokenBalance(ctx context.Context, holder common.Address) (money.Amount, error) {
	token, err := tokenABI()
	if err != nil {
		return 0, err
	}
	out, err := v.call(ctx, v.token, token, "balanceOf", holder)
	if err != nil {
		return 0, fmt.Errorf("balanceOf: %w", err)
	}
	return singleAmount(out)
}

// TokenAllowance reads the allowance the holder granted to the escrow.
func (v *Views) TokenAllowance(ctx context.Context, holder common.Address) (money.Amount, error) {
	token, err := tokenABI()
	if err != nil {
		return 0, err
	}
	out, err := v.call(ctx, v.token, token, "allowance", holder, v.contract)
	if err != nil {
		return 0, fmt.Errorf("allowance: %w", err)
	}
	return singleAmount(out)
}

func (v *Views) call(ctx context.Context, to common.Address, contractABI abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	input, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	raw, err := v.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: input}, nil)
	if err != nil {
		return nil, err
	}
	return contractABI.Unpack(method, raw)
}

func singleAmount(out []interface{}) (money.Amount, error) {
	if len(out) != 1 {
		return 0, fmt.Errorf("expected 1 output, got %d", len(out))
	}
	raw, ok := out[0].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("unexpected output type %T", out[0])
	}
	return money.FromBig(raw)
}

package ethereum

import (
	"errors"
	"math/big"
	"testing"

	"github.com/tarancss/scc/lib/block/types"
)

// TestClassify checks the mapping of node errors, the other functions are direct calls to the ethcli package.
func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want error
	}{
		{errors.New("insufficient funds for gas * price + value"), types.ErrInsufficientFunds},
		{errors.New("ERC20: transfer amount exceeds balance: insufficient balance"), types.ErrInsufficientFunds},
		{errors.New("dial tcp 127.0.0.1:8545: connection refused"), types.ErrNetwork},
		{errors.New("nonce too low"), types.ErrNetwork},
	}
	for _, tt := range tests {
		if got := classify(tt.err); !errors.Is(got, tt.want) {
			t.Errorf("classify(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}

	if classify(nil) != nil {
		t.Error("classify(nil) should be nil")
	}
}

func TestAmount(t *testing.T) {
	tests := []struct {
		v    *big.Int
		want string
	}{
		{nil, "0x0"},
		{big.NewInt(0), "0x0"},
		{big.NewInt(0x565656), "0x565656"},
		{new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil), "0xde0b6b3a7640000"},
	}
	for _, tt := range tests {
		if got := Amount(tt.v); got != tt.want {
			t.Errorf("Amount(%v) = %s, want %s", tt.v, got, tt.want)
		}
	}
}

func TestSendTokenAndData(t *testing.T) {
	e := new(Ethereum)

	if _, _, err := e.Send("0xa", "0xb", "0xtoken", "0x1", []byte("anchor"), "", 0, true); !errors.Is(err, types.ErrSendTokenData) {
		t.Errorf("expected ErrSendTokenData, got %v", err)
	}
}

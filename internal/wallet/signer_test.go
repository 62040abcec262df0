package wallet

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Well-known development key; never funded on a real network.
const devKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func TestKeySignerRecoversSender(t *testing.T) {
	s, err := NewKeySigner(devKey)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	if want := common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"); s.Address() != want {
		t.Fatalf("address = %s", s.Address().Hex())
	}

	chainID := big.NewInt(56)
	to := common.HexToAddress("0x0000000000000000000000000000000000000fee")
	tx := types.NewTx(&types.LegacyTx{Nonce: 1, GasPrice: big.NewInt(1), Gas: 21_000, To: &to, Value: big.NewInt(0)})
	signed, err := s.SignTx(tx, chainID)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	from, err := types.Sender(types.LatestSignerForChainID(chainID), signed)
	if err != nil || from != s.Address() {
		t.Fatalf("sender = %s err = %v", from.Hex(), err)
	}
}

func TestNewKeySignerRejectsBadKeys(t *testing.T) {
	for _, key := range []string{"", "0x", "zz", "0x1234"} {
		if _, err := NewKeySigner(key); err == nil {
			t.Fatalf("expected error for %q", key)
		}
	}
}

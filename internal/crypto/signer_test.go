package crypto

import (
	"encoding/hex"
	"strings"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avetorres/polytrader/internal/domain"
)

// well-known throwaway key (hardhat account #0)
const testKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
const testAddr = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"

func newTestSigner(t *testing.T, funder string) *Signer {
	t.Helper()
	s, err := NewSigner(testKey, funder, 137)
	require.NoError(t, err)
	return s
}

func TestNewSigner(t *testing.T) {
	t.Run("derives address from key", func(t *testing.T) {
		s := newTestSigner(t, "")
		assert.Equal(t, testAddr, s.Address().Hex())
	})

	t.Run("accepts key without 0x prefix", func(t *testing.T) {
		s, err := NewSigner(strings.TrimPrefix(testKey, "0x"), "", 137)
		require.NoError(t, err)
		assert.Equal(t, testAddr, s.Address().Hex())
	})

	t.Run("rejects malformed key", func(t *testing.T) {
		_, err := NewSigner("not-a-key", "", 137)
		require.Error(t, err)
	})
}

func TestBuildOrder(t *testing.T) {
	t.Run("buy scales usdc and shares", func(t *testing.T) {
		s := newTestSigner(t, "")

		p, err := s.BuildOrder(domain.OrderRequest{TokenID: "123", Price: 0.55, Size: 10, Side: domain.OrderSideBuy})
		require.NoError(t, err)

		assert.Equal(t, 0, p.Side)
		assert.Equal(t, "5500000", p.MakerAmount, "maker pays price*size in 6-decimal usdc")
		assert.Equal(t, "10000000", p.TakerAmount, "taker amount is shares")
		assert.Equal(t, testAddr, p.Maker)
		assert.Equal(t, testAddr, p.Signer)
		assert.Equal(t, "0x0000000000000000000000000000000000000000", p.Taker)
	})

	t.Run("sell inverts the amounts", func(t *testing.T) {
		s := newTestSigner(t, "")

		p, err := s.BuildOrder(domain.OrderRequest{TokenID: "123", Price: 0.55, Size: 10, Side: domain.OrderSideSell})
		require.NoError(t, err)

		assert.Equal(t, 1, p.Side)
		assert.Equal(t, "10000000", p.MakerAmount, "maker gives shares")
		assert.Equal(t, "5500000", p.TakerAmount, "taker pays usdc")
	})

	t.Run("funder becomes the maker", func(t *testing.T) {
		funder := "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
		s := newTestSigner(t, funder)

		p, err := s.BuildOrder(domain.OrderRequest{TokenID: "123", Price: 0.55, Size: 10, Side: domain.OrderSideBuy})
		require.NoError(t, err)

		assert.Equal(t, funder, p.Maker)
		assert.Equal(t, testAddr, p.Signer, "signer stays the key's own address")
	})

	t.Run("salts never repeat", func(t *testing.T) {
		s := newTestSigner(t, "")
		req := domain.OrderRequest{TokenID: "123", Price: 0.55, Size: 10, Side: domain.OrderSideBuy}

		a, err := s.BuildOrder(req)
		require.NoError(t, err)
		b, err := s.BuildOrder(req)
		require.NoError(t, err)
		assert.NotEqual(t, a.Salt, b.Salt)
	})

	t.Run("unknown side rejected", func(t *testing.T) {
		s := newTestSigner(t, "")
		_, err := s.BuildOrder(domain.OrderRequest{TokenID: "123", Price: 0.55, Size: 10, Side: "hold"})
		require.Error(t, err)
	})
}

func TestSignOrderRecoversSigner(t *testing.T) {
	s := newTestSigner(t, "")

	order, err := s.BuildOrder(domain.OrderRequest{TokenID: "123", Price: 0.55, Size: 10, Side: domain.OrderSideBuy})
	require.NoError(t, err)

	sigHex, err := s.SignOrder(order)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(sigHex, "0x"))

	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	require.NoError(t, err)
	require.Len(t, sig, 65)
	require.GreaterOrEqual(t, sig[64], byte(27), "v must be 27 or 28")

	// recover the public key from the digest and verify it matches the signer
	structHash, err := orderStructHash(order)
	require.NoError(t, err)
	digest := eip712Hash(s.domainSep, structHash)

	sig[64] -= 27
	pub, err := ethcrypto.SigToPub(digest, sig)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), ethcrypto.PubkeyToAddress(*pub))
}

func TestSignAuthMessage(t *testing.T) {
	s := newTestSigner(t, "")

	sigHex, err := s.SignAuthMessage(1756555200, 0)
	require.NoError(t, err)

	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	require.NoError(t, err)
	assert.Len(t, sig, 65)

	// deterministic: same inputs, same signature
	again, err := s.SignAuthMessage(1756555200, 0)
	require.NoError(t, err)
	assert.Equal(t, sigHex, again)
}

func TestOrderStructHashRejectsBadNumbers(t *testing.T) {
	_, err := orderStructHash(OrderPayload{
		Salt:        "not a number",
		TokenID:     "1",
		MakerAmount: "1",
		TakerAmount: "1",
		Expiration:  "0",
		Nonce:       "0",
		FeeRateBps:  "0",
	})
	require.Error(t, err)
}

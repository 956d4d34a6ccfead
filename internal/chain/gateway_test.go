// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/bcem/relayer/internal/config"
)

// fakeBackend simulates a single-node chain that mines every accepted
// transaction into its own block and rejects any nonce other than the next
// expected one.
type fakeBackend struct {
	mu       sync.Mutex
	chainID  *big.Int
	nonce    uint64
	head     uint64
	baseFee  *big.Int
	sent     []*types.Transaction
	receipts map[common.Hash]*types.Receipt
	sendErrs []error

	stalePending  bool // PendingNonceAt always reports 0
	revert        bool
	withhold      bool // never produce receipts
	advanceOnPoll bool // each BlockNumber call mines an empty block
	callResult    []byte
}

func newFakeBackend(chainID int64) *fakeBackend {
	return &fakeBackend{
		chainID:  big.NewInt(chainID),
		head:     100,
		baseFee:  big.NewInt(1_000_000_000),
		receipts: make(map[common.Hash]*types.Receipt),
	}
}

func (f *fakeBackend) ChainID(ctx context.Context) (*big.Int, error) { return f.chainID, nil }

func (f *fakeBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	f.mu.Lock()
	n := f.nonce
	if f.stalePending {
		n = 0
	}
	f.mu.Unlock()
	// Widen the window between reading and using the nonce.
	time.Sleep(200 * time.Microsecond)
	return n, nil
}

func (f *fakeBackend) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &types.Header{Number: new(big.Int).SetUint64(f.head), BaseFee: f.baseFee}, nil
}

func (f *fakeBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(2_000_000_000), nil
}

func (f *fakeBackend) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeBackend) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return 21_000 + uint64(len(msg.Data))*16, nil
}

func (f *fakeBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		if err != nil {
			return err
		}
	}
	if tx.Nonce() != f.nonce {
		return fmt.Errorf("nonce mismatch: got %d, want %d", tx.Nonce(), f.nonce)
	}
	f.nonce++
	f.head++
	f.sent = append(f.sent, tx)

	if !f.withhold {
		status := types.ReceiptStatusSuccessful
		if f.revert {
			status = types.ReceiptStatusFailed
		}
		f.receipts[tx.Hash()] = &types.Receipt{
			Status:      status,
			TxHash:      tx.Hash(),
			BlockNumber: new(big.Int).SetUint64(f.head),
			GasUsed:     tx.Gas(),
		}
	}
	return nil
}

func (f *fakeBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (f *fakeBackend) BlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.advanceOnPoll {
		f.head++
	}
	return f.head, nil
}

func (f *fakeBackend) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return f.callResult, nil
}

func (f *fakeBackend) sentNonces() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]uint64, len(f.sent))
	for i, tx := range f.sent {
		out[i] = tx.Nonce()
	}
	return out
}

func testKey(t *testing.T) string {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return hexutil.Encode(crypto.FromECDSA(key))
}

func newTestGateway(t *testing.T, b *fakeBackend, minConf uint64, opts ...Option) *Gateway {
	t.Helper()
	base := []Option{
		WithPollInterval(time.Millisecond),
		WithConfirmationTimeout(2 * time.Second),
		WithLogger(zaptest.NewLogger(t)),
	}
	g, err := New("test", config.ChainConfig{
		ChainID:          b.chainID.Uint64(),
		PrivateKey:       testKey(t),
		MinConfirmations: minConf,
	}, b, append(base, opts...)...)
	require.NoError(t, err)
	return g
}

// TestGateway_ConcurrentSendsUseGaplessNonces verifies that concurrent
// sends from one identity get distinct, increasing, gapless nonces.
func TestGateway_ConcurrentSendsUseGaplessNonces(t *testing.T) {
	b := newFakeBackend(31337)
	g := newTestGateway(t, b, 1)

	const n = 16
	var wg sync.WaitGroup
	errs := make(chan error, n)
	hashes := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := g.Send(context.Background(), TxRequest{
				To:   common.HexToAddress("0xBEEF"),
				Data: []byte{byte(i)},
			})
			if err != nil {
				errs <- err
				return
			}
			hashes <- r.TxHash
		}(i)
	}
	wg.Wait()
	close(errs)
	close(hashes)

	for err := range errs {
		t.Errorf("send failed: %v", err)
	}

	seen := make(map[string]bool)
	for h := range hashes {
		assert.True(t, strings.HasPrefix(h, "0x"), "hash %q", h)
		assert.False(t, seen[h], "duplicate hash %s", h)
		seen[h] = true
	}
	assert.Len(t, seen, n)

	nonces := b.sentNonces()
	require.Len(t, nonces, n)
	for i, nonce := range nonces {
		assert.Equal(t, uint64(i), nonce)
	}

	for _, tx := range b.sent {
		from, err := types.Sender(g.signer, tx)
		require.NoError(t, err)
		assert.Equal(t, g.Address(), from)
		assert.Equal(t, 0, b.chainID.Cmp(tx.ChainId()))
	}
}

// TestGateway_SendFailureReleasesLock verifies that a rejected submission
// releases the lock and the next send resynchronizes its nonce.
func TestGateway_SendFailureReleasesLock(t *testing.T) {
	b := newFakeBackend(31338)
	b.sendErrs = []error{errors.New("connection reset")}
	g := newTestGateway(t, b, 1)

	_, err := g.Send(context.Background(), TxRequest{To: common.HexToAddress("0x01")})
	var subErr *SubmissionError
	require.True(t, errors.As(err, &subErr), "got %v", err)
	assert.Equal(t, "send transaction", subErr.Op)
	assert.NotEmpty(t, subErr.TxHash)

	r, err := g.Send(context.Background(), TxRequest{To: common.HexToAddress("0x01")})
	require.NoError(t, err)
	assert.NotEmpty(t, r.TxHash)
	assert.Equal(t, []uint64{0}, b.sentNonces())
}

// TestGateway_StalePendingNonce verifies that nonces keep increasing when
// the provider's pending count lags behind accepted sends.
func TestGateway_StalePendingNonce(t *testing.T) {
	b := newFakeBackend(31339)
	b.stalePending = true
	g := newTestGateway(t, b, 1)

	for i := 0; i < 3; i++ {
		_, err := g.Send(context.Background(), TxRequest{To: common.HexToAddress("0x01")})
		require.NoError(t, err)
	}
	assert.Equal(t, []uint64{0, 1, 2}, b.sentNonces())
}

// TestGateway_LockWaitHonoursContext verifies that a sender waiting on the
// nonce lock gives up when its context ends.
func TestGateway_LockWaitHonoursContext(t *testing.T) {
	b := newFakeBackend(31340)
	g := newTestGateway(t, b, 1)

	require.NoError(t, g.lock.acquire(context.Background()))
	defer g.lock.release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := g.Send(ctx, TxRequest{To: common.HexToAddress("0x01")})
	var subErr *SubmissionError
	require.True(t, errors.As(err, &subErr), "got %v", err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Empty(t, b.sentNonces())
}

// TestGateway_Reverted verifies that a failed receipt is a submission error.
func TestGateway_Reverted(t *testing.T) {
	b := newFakeBackend(31341)
	b.revert = true
	g := newTestGateway(t, b, 1)

	_, err := g.Send(context.Background(), TxRequest{To: common.HexToAddress("0x01")})
	assert.True(t, errors.Is(err, ErrReverted), "got %v", err)
}

// TestGateway_NoReceipt verifies the bounded confirmation wait.
func TestGateway_NoReceipt(t *testing.T) {
	b := newFakeBackend(31342)
	b.withhold = true
	g := newTestGateway(t, b, 1, WithConfirmationTimeout(30*time.Millisecond))

	_, err := g.Send(context.Background(), TxRequest{To: common.HexToAddress("0x01")})
	var nrErr *NoReceiptError
	require.True(t, errors.As(err, &nrErr), "got %v", err)
	assert.True(t, strings.HasPrefix(nrErr.TxHash, "0x"))
	assert.Equal(t, "test", nrErr.Chain)
}

// TestGateway_WaitsForConfirmations verifies that Send returns only once the
// configured depth is reached.
func TestGateway_WaitsForConfirmations(t *testing.T) {
	b := newFakeBackend(31343)
	b.advanceOnPoll = true
	g := newTestGateway(t, b, 3)

	r, err := g.Send(context.Background(), TxRequest{To: common.HexToAddress("0x01")})
	require.NoError(t, err)

	b.mu.Lock()
	head := b.head
	b.mu.Unlock()
	assert.GreaterOrEqual(t, head+1, r.BlockNumber+3)
}

// TestGateway_TxType verifies fee pricing by chain capability.
func TestGateway_TxType(t *testing.T) {
	b := newFakeBackend(31344)
	g := newTestGateway(t, b, 1)
	_, err := g.Send(context.Background(), TxRequest{To: common.HexToAddress("0x01")})
	require.NoError(t, err)
	assert.Equal(t, uint8(types.DynamicFeeTxType), b.sent[0].Type())

	legacy := newFakeBackend(31345)
	legacy.baseFee = nil
	lg := newTestGateway(t, legacy, 1)
	_, err = lg.Send(context.Background(), TxRequest{To: common.HexToAddress("0x01"), GasLimit: 50_000})
	require.NoError(t, err)
	assert.Equal(t, uint8(types.LegacyTxType), legacy.sent[0].Type())
	assert.Equal(t, uint64(50_000), legacy.sent[0].Gas())
}

// TestNew_ConfigurationErrors verifies key and chain id validation.
func TestNew_ConfigurationErrors(t *testing.T) {
	b := newFakeBackend(1)

	_, err := New("bad", config.ChainConfig{ChainID: 1, PrivateKey: "not-a-key"}, b)
	var cfgErr *ConfigurationError
	assert.True(t, errors.As(err, &cfgErr), "got %v", err)

	_, err = New("zero", config.ChainConfig{ChainID: 0, PrivateKey: testKey(t)}, b)
	assert.True(t, errors.As(err, &cfgErr), "got %v", err)
}

// TestSetup_UnknownChain verifies that a missing chain entry fails before dialing.
func TestSetup_UnknownChain(t *testing.T) {
	_, err := Setup(context.Background(), "missing", map[string]config.ChainConfig{
		"present": {RPCURL: "http://localhost:8545", ChainID: 1, PrivateKey: testKey(t)},
	})
	var cfgErr *ConfigurationError
	require.True(t, errors.As(err, &cfgErr), "got %v", err)
	assert.True(t, errors.Is(err, ErrUnknownChain))
	assert.Equal(t, "missing", cfgErr.Chain)
}

// TestNonceLocks_PerIdentity verifies one lock per chain identity.
func TestNonceLocks_PerIdentity(t *testing.T) {
	key := testKey(t)
	b := newFakeBackend(5)

	g1, err := New("a", config.ChainConfig{ChainID: 5, PrivateKey: key}, b)
	require.NoError(t, err)
	g2, err := New("b", config.ChainConfig{ChainID: 5, PrivateKey: key}, b)
	require.NoError(t, err)
	g3, err := New("c", config.ChainConfig{ChainID: 6, PrivateKey: key}, b)
	require.NoError(t, err)

	assert.Same(t, g1.lock, g2.lock)
	assert.NotSame(t, g1.lock, g3.lock)
}

// TestGateway_Call verifies read-only calls unpack outputs.
func TestGateway_Call(t *testing.T) {
	parsed, err := abi.JSON(strings.NewReader(`[{"type":"function","name":"ok","stateMutability":"view","inputs":[{"name":"x","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}]`))
	require.NoError(t, err)
	method := parsed.Methods["ok"]

	b := newFakeBackend(31346)
	b.callResult, err = method.Outputs.Pack(true)
	require.NoError(t, err)
	g := newTestGateway(t, b, 1)

	out, err := g.Call(context.Background(), common.HexToAddress("0x02"), method, big.NewInt(1))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, true, out[0])
	assert.Empty(t, b.sentNonces())
}

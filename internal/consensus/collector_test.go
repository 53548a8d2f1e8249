package consensus

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/require"
	"github.com/witnz/witnz-oracle/internal/hash"
	"github.com/witnz/witnz-oracle/internal/leaf"
)

type signFunc func(ctx context.Context, req *SignatureRequest) (*SignatureResponse, error)

type fakeValidatorClient struct {
	mu    sync.Mutex
	sign  map[string]signFunc
	live  map[string]error
	calls map[string]int
}

func newFakeValidatorClient() *fakeValidatorClient {
	return &fakeValidatorClient{
		sign:  make(map[string]signFunc),
		live:  make(map[string]error),
		calls: make(map[string]int),
	}
}

func (f *fakeValidatorClient) RequestSignature(ctx context.Context, location string, req *SignatureRequest) (*SignatureResponse, error) {
	f.mu.Lock()
	f.calls[location]++
	fn := f.sign[location]
	f.mu.Unlock()

	if fn == nil {
		return nil, errors.New("connection refused")
	}
	return fn(ctx, req)
}

func (f *fakeValidatorClient) CheckLiveness(ctx context.Context, location string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live[location]
}

func (f *fakeValidatorClient) callCount(location string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[location]
}

type testValidator struct {
	key *ecdsa.PrivateKey
	v   Validator
}

func newTestValidators(t *testing.T, n int) []testValidator {
	t.Helper()
	out := make([]testValidator, n)
	for i := range out {
		key, err := crypto.GenerateKey()
		require.NoError(t, err)
		out[i] = testValidator{
			key: key,
			v: Validator{
				ID:       crypto.PubkeyToAddress(key.PublicKey),
				Location: "http://validator-" + string(rune('a'+i)),
				Power:    big.NewInt(1),
			},
		}
	}
	return out
}

func validatorsOf(tvs []testValidator) []Validator {
	out := make([]Validator, len(tvs))
	for i, tv := range tvs {
		out[i] = tv.v
	}
	return out
}

func signingWith(key *ecdsa.PrivateKey) signFunc {
	return func(_ context.Context, req *SignatureRequest) (*SignatureResponse, error) {
		block, err := req.Block()
		if err != nil {
			return nil, err
		}
		_, affidavit, err := Commit(block.DataTimestamp, block.FCDs, block.Leaves)
		if err != nil {
			return nil, err
		}
		sig, err := hash.SignAffidavit(key, affidavit)
		if err != nil {
			return nil, err
		}
		return &SignatureResponse{Signature: sig, Discrepancies: []Discrepancy{}, Version: "test"}, nil
	}
}

func testBlock(t *testing.T, leader *ecdsa.PrivateKey) (SignedBlock, common.Hash) {
	t.Helper()
	fcds := []leaf.Leaf{mustLeaf(t, "ETH-USD", "3000")}
	leaves := []leaf.Leaf{mustLeaf(t, "BTC-USD", "60000"), mustLeaf(t, "SOL-USD", "150")}

	_, affidavit, err := Commit(1621508941, fcds, leaves)
	require.NoError(t, err)
	sig, err := hash.SignAffidavit(leader, affidavit)
	require.NoError(t, err)

	return SignedBlock{DataTimestamp: 1621508941, FCDs: fcds, Leaves: leaves, Signature: sig}, affidavit
}

func TestCollect_AllValidatorsSign(t *testing.T) {
	tvs := newTestValidators(t, 3)
	client := newFakeValidatorClient()
	for _, tv := range tvs[1:] {
		client.sign[tv.v.Location] = signingWith(tv.key)
	}

	block, affidavit := testBlock(t, tvs[0].key)
	c := NewSignatureCollector(tvs[0].v.ID, client, CollectorConfig{}, nil, slogt.New(t))

	responses := c.Collect(context.Background(), block, affidavit, validatorsOf(tvs))
	require.Len(t, responses, 3)

	for i, r := range responses {
		require.Equal(t, tvs[i].v.ID, r.ValidatorID)
		require.True(t, r.Accepted(), "validator %d should be accepted: %v", i, r.Err)
		require.Equal(t, int64(1), r.Power.Int64())
	}
	require.Equal(t, block.Signature, []byte(responses[0].Signature))
	require.Zero(t, client.callCount(tvs[0].v.Location), "self must not be called over the network")
}

func TestCollect_TimeoutDoesNotBlockRound(t *testing.T) {
	tvs := newTestValidators(t, 3)
	client := newFakeValidatorClient()
	client.sign[tvs[1].v.Location] = signingWith(tvs[1].key)
	client.sign[tvs[2].v.Location] = func(ctx context.Context, _ *SignatureRequest) (*SignatureResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	block, affidavit := testBlock(t, tvs[0].key)
	cfg := CollectorConfig{SignatureTimeout: 50 * time.Millisecond, LivenessTimeout: 50 * time.Millisecond}
	c := NewSignatureCollector(tvs[0].v.ID, client, cfg, nil, slogt.New(t))

	start := time.Now()
	responses := c.Collect(context.Background(), block, affidavit, validatorsOf(tvs))
	require.Less(t, time.Since(start), 2*time.Second)

	require.True(t, responses[1].Accepted())
	require.False(t, responses[2].Accepted())
	require.True(t, IsNetworkError(responses[2].Err))
	require.True(t, IsTimeout(responses[2].Err))
}

func TestCollect_SignerMismatchDiscarded(t *testing.T) {
	tvs := newTestValidators(t, 3)
	client := newFakeValidatorClient()
	client.sign[tvs[1].v.Location] = signingWith(tvs[1].key)
	// validator 2 answers with validator 1's key
	client.sign[tvs[2].v.Location] = signingWith(tvs[1].key)

	block, affidavit := testBlock(t, tvs[0].key)
	c := NewSignatureCollector(tvs[0].v.ID, client, CollectorConfig{}, nil, slogt.New(t))

	responses := c.Collect(context.Background(), block, affidavit, validatorsOf(tvs))
	require.True(t, responses[1].Accepted())
	require.False(t, responses[2].Accepted())
	require.Empty(t, responses[2].Signature)
	require.True(t, IsValidationError(responses[2].Err))
	require.ErrorIs(t, responses[2].Err, ErrSignerMismatch)
}

func TestCollect_DiscrepanciesAndRefusals(t *testing.T) {
	tvs := newTestValidators(t, 4)
	client := newFakeValidatorClient()
	client.sign[tvs[1].v.Location] = func(context.Context, *SignatureRequest) (*SignatureResponse, error) {
		return &SignatureResponse{Discrepancies: []Discrepancy{{Label: "SOL-USD", Discrepancy: 7}}}, nil
	}
	client.sign[tvs[2].v.Location] = func(context.Context, *SignatureRequest) (*SignatureResponse, error) {
		return &SignatureResponse{Error: "not the leader"}, nil
	}
	client.sign[tvs[3].v.Location] = func(context.Context, *SignatureRequest) (*SignatureResponse, error) {
		return &SignatureResponse{Discrepancies: []Discrepancy{}}, nil
	}

	block, affidavit := testBlock(t, tvs[0].key)
	c := NewSignatureCollector(tvs[0].v.ID, client, CollectorConfig{}, nil, slogt.New(t))

	responses := c.Collect(context.Background(), block, affidavit, validatorsOf(tvs))

	require.False(t, responses[1].Accepted())
	require.NoError(t, responses[1].Err)
	require.Len(t, responses[1].Discrepancies, 1)

	require.Error(t, responses[2].Err)
	require.Contains(t, responses[2].Err.Error(), "not the leader")

	require.True(t, IsValidationError(responses[3].Err), "missing signature is a validation error")

	require.Contains(t, DiscrepantLabels(responses), "SOL-USD")
}

func TestCollect_LivenessIsIndependent(t *testing.T) {
	tvs := newTestValidators(t, 2)
	client := newFakeValidatorClient()
	client.sign[tvs[1].v.Location] = signingWith(tvs[1].key)
	client.live[tvs[1].v.Location] = errors.New("info endpoint returned error")

	block, affidavit := testBlock(t, tvs[0].key)
	c := NewSignatureCollector(tvs[0].v.ID, client, CollectorConfig{}, nil, slogt.New(t))

	responses := c.Collect(context.Background(), block, affidavit, validatorsOf(tvs))
	require.True(t, responses[1].Accepted())
	require.False(t, responses[1].Alive)
	require.True(t, responses[0].Alive)
}

package audittrail

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecord_ChainsEntries(t *testing.T) {
	ctx := WithActor(context.Background(), "agent_123")
	trail := New(NewMemoryStore())

	e1, err := trail.Record(ctx, "mandate.verify", "mandate_1", map[string]any{"result": "ok"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), e1.Seq)
	assert.Empty(t, e1.PrevHash)

	e2, err := trail.Record(ctx, "compliance.screen", "settlement_1", map[string]any{"approved": true})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), e2.Seq)
	assert.Equal(t, e1.Hash, e2.PrevHash)
}

func TestVerify_DetectsTampering(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	trail := New(store)

	_, err := trail.Record(ctx, "a", "s1", nil)
	require.NoError(t, err)
	_, err = trail.Record(ctx, "b", "s2", nil)
	require.NoError(t, err)

	result, err := trail.Verify(ctx)
	require.NoError(t, err)
	assert.Equal(t, VerificationVerified, result.Status)

	// Tamper with the first entry's subject after the fact.
	store.mu.Lock()
	store.entries[0].Subject = "tampered"
	store.mu.Unlock()

	result, err = trail.Verify(ctx)
	require.NoError(t, err)
	assert.Equal(t, VerificationTampered, result.Status)
	assert.Equal(t, uint64(1), result.FirstBadSeq)
}

func TestVerify_EmptyChainIsVerified(t *testing.T) {
	trail := New(NewMemoryStore())
	result, err := trail.Verify(context.Background())
	require.NoError(t, err)
	assert.Equal(t, VerificationVerified, result.Status)
	assert.Equal(t, uint64(0), result.EntriesOK)
}

func TestRootHash_EmptyIsBlank(t *testing.T) {
	trail := New(NewMemoryStore())
	root, err := trail.RootHash(context.Background())
	require.NoError(t, err)
	assert.Empty(t, root)
}

func TestRecord_ConcurrentWritersProduceValidChain(t *testing.T) {
	ctx := context.Background()
	trail := New(NewMemoryStore())

	const writers = 8
	const perWriter = 20

	var wg sync.WaitGroup
	wg.Add(writers)
	for w := 0; w < writers; w++ {
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := trail.Record(ctx, "concurrent.write", "subject", map[string]any{"writer": w, "i": i})
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	result, err := trail.Verify(ctx)
	require.NoError(t, err)
	assert.Equal(t, VerificationVerified, result.Status)
	assert.Equal(t, uint64(writers*perWriter), result.EntriesOK)
}

func TestActorAndRequestID_DefaultWhenAbsent(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, "unknown", Actor(ctx))
	assert.Empty(t, RequestID(ctx))

	ctx = WithActor(WithRequestID(ctx, "req_1"), "agent_42")
	assert.Equal(t, "agent_42", Actor(ctx))
	assert.Equal(t, "req_1", RequestID(ctx))
}

package mempool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBackoffGivesUp(t *testing.T) {
	policy := RetryPolicy{SpinLimit: 2, YieldLimit: 3}

	var b backoff
	for i := 0; i < 5; i++ {
		require.True(t, b.next(policy), "attempt %d", i)
	}
	require.False(t, b.next(policy))
}

func TestBackoffUnbounded(t *testing.T) {
	policy := RetryPolicy{SpinLimit: 1, YieldLimit: -1}

	var b backoff
	for i := 0; i < 10000; i++ {
		require.True(t, b.next(policy))
	}
}

func TestHeadPacking(t *testing.T) {
	head := packHead(17, 0xdeadbeef)
	index, tag := unpackHead(head)
	require.Equal(t, uint32(17), index)
	require.Equal(t, uint32(0xdeadbeef), tag)

	index, tag = unpackHead(packHead(endOfList, 0xffffffff))
	require.Equal(t, endOfList, index)
	require.Equal(t, uint32(0xffffffff), tag)
}

func TestBackoffFailFast(t *testing.T) {
	var b backoff
	require.False(t, b.next(RetryPolicy{}))
}

func TestDefaultRetryPolicy(t *testing.T) {
	require.Equal(t, DefaultRetryPolicy, Options{}.retry())

	custom := RetryPolicy{SpinLimit: 1, YieldLimit: 1}
	require.Equal(t, custom, Options{Retry: &custom}.retry())

	failFast := RetryPolicy{}
	require.Equal(t, failFast, Options{Retry: &failFast}.retry())
}

func TestClampCount(t *testing.T) {
	require.Equal(t, uint32(0), clampCount(^uint32(0), 10))
	require.Equal(t, uint32(10), clampCount(11, 10))
	require.Equal(t, uint32(5), clampCount(5, 10))
}

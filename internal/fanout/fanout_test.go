package fanout

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ianremillard/lucidity-host/internal/bridge/mock"
)

func TestDeliveryOrderSingleSubscriber(t *testing.T) {
	br := mock.New()
	br.AddPane(1, "bash")
	fo := New(br)

	sub, err := fo.Subscribe(context.Background(), 1, DropOldest, 8)
	require.NoError(t, err)

	br.Emit(1, []byte("a"))
	br.Emit(1, []byte("b"))
	br.Emit(1, []byte("c"))

	var got []string
	for i := 0; i < 3; i++ {
		select {
		case chunk := <-sub.Chunks():
			got = append(got, string(chunk))
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for chunk")
		}
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestOverflowDropOldestKeepsNewest(t *testing.T) {
	br := mock.New()
	br.AddPane(1, "bash")
	fo := New(br)

	sub, err := fo.Subscribe(context.Background(), 1, DropOldest, 4)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		br.Emit(1, []byte{byte('0' + i)})
	}

	// Give the producer goroutine time to deliver everything.
	time.Sleep(100 * time.Millisecond)

	var got []byte
	drain := true
	for drain {
		select {
		case chunk := <-sub.Chunks():
			got = append(got, chunk...)
		default:
			drain = false
		}
	}
	require.Len(t, got, 4)
	assert.Equal(t, []byte{'6', '7', '8', '9'}, got)
}

func TestOtherSubscribersUnaffectedByOneOverflowing(t *testing.T) {
	br := mock.New()
	br.AddPane(1, "bash")
	fo := New(br)

	slow, err := fo.Subscribe(context.Background(), 1, DropOldest, 2)
	require.NoError(t, err)
	fast, err := fo.Subscribe(context.Background(), 1, DropOldest, 64)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		br.Emit(1, []byte{byte(i)})
	}
	time.Sleep(100 * time.Millisecond)

	count := 0
	draining := true
	for draining {
		select {
		case <-fast.Chunks():
			count++
		default:
			draining = false
		}
	}
	assert.Equal(t, 10, count)

	count = 0
	draining = true
	for draining {
		select {
		case <-slow.Chunks():
			count++
		default:
			draining = false
		}
	}
	assert.Equal(t, 2, count)
}

func TestOverflowDisconnectClosesSubscriber(t *testing.T) {
	br := mock.New()
	br.AddPane(1, "bash")
	fo := New(br)

	slow, err := fo.Subscribe(context.Background(), 1, Disconnect, 2)
	require.NoError(t, err)
	fast, err := fo.Subscribe(context.Background(), 1, DropOldest, 64)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		br.Emit(1, []byte{byte(i)})
	}
	time.Sleep(100 * time.Millisecond)

	// The overflowing Disconnect subscriber's channel must be closed, not
	// merely stalled — and further emits must not panic the producer.
	select {
	case _, ok := <-slow.Chunks():
		if ok {
			// drain until closed
			for ok {
				_, ok = <-slow.Chunks()
			}
		}
	case <-time.After(time.Second):
		t.Fatal("disconnected subscriber channel never drained/closed")
	}

	// A regression that re-delivers to an already-closed subscriber channel
	// would panic the producer goroutine here and crash the test binary.
	br.Emit(1, []byte("after-disconnect"))
	time.Sleep(50 * time.Millisecond)

	count := 0
	draining := true
	for draining {
		select {
		case <-fast.Chunks():
			count++
		default:
			draining = false
		}
	}
	assert.Equal(t, 11, count)
}

func TestCloseReleasesSubscriptionPromptly(t *testing.T) {
	br := mock.New()
	br.AddPane(1, "bash")
	fo := New(br)

	sub, err := fo.Subscribe(context.Background(), 1, DropOldest, 8)
	require.NoError(t, err)
	sub.Close()

	select {
	case _, ok := <-sub.Chunks():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription not released in time")
	}
}

func TestReattachReleasesPriorSubscriptionFirst(t *testing.T) {
	br := mock.New()
	br.AddPane(1, "bash")
	fo := New(br)

	first, err := fo.Subscribe(context.Background(), 1, DropOldest, 8)
	require.NoError(t, err)
	first.Close()

	second, err := fo.Subscribe(context.Background(), 1, DropOldest, 8)
	require.NoError(t, err)

	br.Emit(1, []byte("x"))
	select {
	case chunk := <-second.Chunks():
		assert.Equal(t, []byte("x"), chunk)
	case <-time.After(time.Second):
		t.Fatal("no delivery to new subscription")
	}

	// first must not receive anything further: its channel is closed.
	_, ok := <-first.Chunks()
	assert.False(t, ok)
}

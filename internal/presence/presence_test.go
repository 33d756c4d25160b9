// ABOUTME: Tests for the typing presence broadcaster
// ABOUTME: Covers self-exclusion, multi-session behavior, and detach cleanup

package presence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnnounceReachesOtherParticipant(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, _ := b.Subscribe(t.Context(), "conv-1", "bob")

	b.Announce("conv-1", "alice")

	select {
	case event := <-ch:
		assert.Equal(t, "conv-1", event.ConversationID)
		assert.Equal(t, "alice", event.UserID)
		assert.False(t, event.At.IsZero())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for typing event")
	}
}

func TestAnnounceSkipsPublisherSessions(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	// Alice attached from two devices, Bob from one
	aliceCh1, _ := b.Subscribe(t.Context(), "conv-1", "alice")
	aliceCh2, _ := b.Subscribe(t.Context(), "conv-1", "alice")
	bobCh, _ := b.Subscribe(t.Context(), "conv-1", "bob")

	b.Announce("conv-1", "alice")

	select {
	case event := <-bobCh:
		assert.Equal(t, "alice", event.UserID)
	case <-time.After(time.Second):
		t.Fatal("bob never received the typing event")
	}

	// Neither of alice's sessions should see her own indicator
	select {
	case <-aliceCh1:
		t.Fatal("publisher received own typing event")
	case <-aliceCh2:
		t.Fatal("publisher received own typing event on second session")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAnnounceScopedToConversation(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	otherCh, _ := b.Subscribe(t.Context(), "conv-2", "bob")

	b.Announce("conv-1", "alice")

	select {
	case <-otherCh:
		t.Fatal("typing event leaked across conversations")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAnnounceWithNoListeners(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	// No acknowledgment, no error: the event just evaporates
	b.Announce("conv-1", "alice")
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, subID := b.Subscribe(t.Context(), "conv-1", "bob")
	b.Unsubscribe("conv-1", subID)

	_, open := <-ch
	require.False(t, open, "channel should be closed after unsubscribe")

	// Second unsubscribe is a no-op
	b.Unsubscribe("conv-1", subID)
}

func TestDetachedListenerReceivesNothing(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, subID := b.Subscribe(t.Context(), "conv-1", "bob")
	b.Unsubscribe("conv-1", subID)

	b.Announce("conv-1", "alice")

	for event := range ch {
		t.Fatalf("detached listener received event: %+v", event)
	}
}

func TestSlowListenerDropsEvents(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, _ := b.Subscribe(t.Context(), "conv-1", "bob")

	// Overflow the buffer; Announce must never block
	for range subscriberBufferSize + 10 {
		b.Announce("conv-1", "alice")
	}

	received := 0
	for {
		select {
		case <-ch:
			received++
		default:
			assert.Equal(t, subscriberBufferSize, received)
			return
		}
	}
}

func TestCloseShutsDownAllListeners(t *testing.T) {
	b := NewBroadcaster(nil)

	ch1, _ := b.Subscribe(t.Context(), "conv-1", "alice")
	ch2, _ := b.Subscribe(t.Context(), "conv-2", "bob")

	b.Close()

	_, open := <-ch1
	assert.False(t, open)
	_, open = <-ch2
	assert.False(t, open)
}

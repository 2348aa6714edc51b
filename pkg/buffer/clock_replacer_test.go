package buffer

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClockReplacerSweepOrder(t *testing.T) {
	r := NewClockReplacer(7)
	for i := 1; i <= 6; i++ {
		r.Unpin(i)
	}
	r.Unpin(1) // 重复 Unpin 不重复计数
	assert.Equal(t, 6, r.Size())

	for _, want := range []int{1, 2, 3} {
		got, ok := r.TryVictim()
		require.True(t, ok)
		assert.Equal(t, want, got)
	}

	r.Pin(3) // 已经不在候选中，无影响
	r.Pin(4)
	assert.Equal(t, 2, r.Size())

	r.Unpin(4)
	assert.Equal(t, 3, r.Size())

	// 4 刚刚重新成为候选，会先被扫过一次
	for _, want := range []int{5, 6, 4} {
		got, ok := r.TryVictim()
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
	assert.Equal(t, 0, r.Size())

	_, ok := r.TryVictim()
	assert.False(t, ok)
}

func TestClockReplacerIgnoresBadFrames(t *testing.T) {
	r := NewClockReplacer(2)
	r.Unpin(-1)
	r.Unpin(2)
	r.Pin(5)
	assert.Equal(t, 0, r.Size())
}

// 任意交错的 Pin/Unpin/Victim 序列都不会把被 Pin 住的 Frame 选为淘汰对象
func TestClockReplacerNeverEvictsPinned(t *testing.T) {
	const frames = 16
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 50; round++ {
		r := NewClockReplacer(frames)
		pinned := make([]bool, frames)
		for i := range pinned {
			pinned[i] = true
		}
		evictable := 0

		for step := 0; step < 500; step++ {
			frameID := rng.Intn(frames)
			switch rng.Intn(3) {
			case 0:
				if !pinned[frameID] {
					evictable--
				}
				pinned[frameID] = true
				r.Pin(frameID)
			case 1:
				if pinned[frameID] {
					evictable++
				}
				pinned[frameID] = false
				r.Unpin(frameID)
			case 2:
				victim, ok := r.TryVictim()
				if evictable == 0 {
					require.False(t, ok)
					continue
				}
				require.True(t, ok)
				require.False(t, pinned[victim], "pinned frame %d chosen as victim", victim)
				// 被选中后 Frame 回到 untracked
				pinned[victim] = true
				evictable--
			}
			require.Equal(t, evictable, r.Size())
		}
	}
}

func TestClockReplacerVictimBlocksUntilUnpin(t *testing.T) {
	r := NewClockReplacer(4)

	done := make(chan int, 1)
	go func() {
		frameID, err := r.Victim(context.Background())
		if err != nil {
			frameID = -1
		}
		done <- frameID
	}()

	select {
	case <-done:
		t.Fatal("Victim returned while nothing was evictable")
	case <-time.After(50 * time.Millisecond):
	}

	r.Unpin(2)
	select {
	case got := <-done:
		assert.Equal(t, 2, got)
	case <-time.After(2 * time.Second):
		t.Fatal("Victim did not wake up after Unpin")
	}
}

func TestClockReplacerVictimCancel(t *testing.T) {
	r := NewClockReplacer(4)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := r.Victim(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

package buffer

import (
	"context"
	"sync"
)

// frameState 是 CLOCK 算法里每个 Frame 的状态
type frameState uint8

const (
	untracked      frameState = iota // 被 Pin 住，或者从来没有 Unpin 过
	candidate                        // 可以淘汰，指针还没扫过
	staleCandidate                   // 可以淘汰，指针已经扫过一次 (用掉了 second chance)
)

// ClockReplacer 用 CLOCK (second-chance) 算法在未被 Pin 的 Frame 中选出淘汰对象
// 这里管理的不是 PageID，而是 FrameID (缓冲池数组的索引)
type ClockReplacer struct {
	mu     sync.Mutex
	states []frameState
	hand   int
	size   int

	// wake 在有 Frame 变为可淘汰时被 close，等待者随后重新检查
	wake chan struct{}
}

func NewClockReplacer(numFrames int) *ClockReplacer {
	return &ClockReplacer{
		states: make([]frameState, numFrames),
		wake:   make(chan struct{}),
	}
}

// Unpin 页面不再被使用，Frame 成为淘汰候选
func (c *ClockReplacer) Unpin(frameID int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if frameID < 0 || frameID >= len(c.states) || c.states[frameID] != untracked {
		return
	}
	c.states[frameID] = candidate
	c.size++

	close(c.wake)
	c.wake = make(chan struct{})
}

// Pin 页面正在被使用，不能被淘汰
func (c *ClockReplacer) Pin(frameID int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if frameID < 0 || frameID >= len(c.states) || c.states[frameID] == untracked {
		return
	}
	c.states[frameID] = untracked
	c.size--
}

// TryVictim 不阻塞地选出一个淘汰对象，没有可淘汰的 Frame 时返回 false
func (c *ClockReplacer) TryVictim() (int, bool) {
	frameID, _ := c.tryVictim()
	return frameID, frameID >= 0
}

// tryVictim 失败时同时返回当前的 wake channel，调用方可以在上面等待而不会丢失唤醒
func (c *ClockReplacer) tryVictim() (int, <-chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.size == 0 {
		return -1, c.wake
	}

	// size > 0 时最多转两圈一定能找到
	for {
		frameID := c.hand
		c.hand = (c.hand + 1) % len(c.states)

		switch c.states[frameID] {
		case candidate:
			c.states[frameID] = staleCandidate
		case staleCandidate:
			c.states[frameID] = untracked
			c.size--
			return frameID, nil
		}
	}
}

// Victim 选出一个淘汰对象。没有可淘汰的 Frame 时阻塞，直到某个 Frame 被 Unpin 或 ctx 结束
func (c *ClockReplacer) Victim(ctx context.Context) (int, error) {
	for {
		frameID, wake := c.tryVictim()
		if frameID >= 0 {
			return frameID, nil
		}
		select {
		case <-wake:
		case <-ctx.Done():
			return -1, ctx.Err()
		}
	}
}

// Size 当前可淘汰的 Frame 数量
func (c *ClockReplacer) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

package disk

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"pagestore/pkg/storage/page"
)

var ErrInjected = errors.New("injected I/O failure")

// MemoryDiskManager 是基于 map 的实现，分配规则和 DiskManagerImpl 相同，主要用于测试。
// FailReads / FailWrites 可以模拟 I/O 失败。
type MemoryDiskManager struct {
	mu     sync.RWMutex
	pages  map[page.PageID]*[page.PageSize]byte
	alloc  allocator
	closed bool

	FailReads  atomic.Bool
	FailWrites atomic.Bool

	reads  atomic.Int64
	writes atomic.Int64
}

func NewMemoryDiskManager(initialPages, maxPages int) *MemoryDiskManager {
	if initialPages <= 0 {
		initialPages = DefaultInitialPages
	}
	if maxPages < initialPages {
		maxPages = max(initialPages, DefaultMaxPages)
	}
	return &MemoryDiskManager{
		pages: make(map[page.PageID]*[page.PageSize]byte),
		alloc: allocator{
			capacity: page.PageID(initialPages),
			maxPages: page.PageID(maxPages),
		},
	}
}

func (m *MemoryDiskManager) ReadPage(pageID page.PageID, p *page.Page) error {
	if m.FailReads.Load() {
		return fmt.Errorf("read page %d: %w", pageID, ErrInjected)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	if !m.alloc.inRange(pageID) {
		return fmt.Errorf("%w: %d", ErrPageOutOfRange, pageID)
	}

	m.reads.Add(1)
	// 从未写过的页读出来是全零
	if buf, ok := m.pages[pageID]; ok {
		copy(p.Data[:], buf[:])
	} else {
		p.Clear()
	}
	return nil
}

func (m *MemoryDiskManager) WritePage(pageID page.PageID, p *page.Page) error {
	if m.FailWrites.Load() {
		return fmt.Errorf("write page %d: %w", pageID, ErrInjected)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if !m.alloc.inRange(pageID) {
		return fmt.Errorf("%w: %d", ErrPageOutOfRange, pageID)
	}

	m.writes.Add(1)
	buf := new([page.PageSize]byte)
	copy(buf[:], p.Data[:])
	m.pages[pageID] = buf
	return nil
}

func (m *MemoryDiskManager) AllocatePage() (page.PageID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return page.InvalidPageID, ErrClosed
	}
	id, _, err := m.alloc.allocate()
	return id, err
}

func (m *MemoryDiskManager) DeallocatePage(pageID page.PageID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	changed, err := m.alloc.release(pageID)
	if err != nil {
		return fmt.Errorf("%w: %d", err, pageID)
	}
	if changed {
		delete(m.pages, pageID)
	}
	return nil
}

func (m *MemoryDiskManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// IsFree 报告页号当前是否在空闲列表里
func (m *MemoryDiskManager) IsFree(pageID page.PageID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.alloc.isFree(pageID)
}

func (m *MemoryDiskManager) Reads() int64  { return m.reads.Load() }
func (m *MemoryDiskManager) Writes() int64 { return m.writes.Load() }

package disk

import (
	"errors"
	"slices"

	"pagestore/pkg/storage/page"
)

var (
	ErrAllocationExhausted = errors.New("page id space exhausted")
	ErrPageOutOfRange      = errors.New("page id out of range")
	ErrClosed              = errors.New("disk manager is closed")
)

// allocator 维护页号的分配状态：
// [0, next) 是分配过的页号，其中 free 里的是已经释放可以复用的 (升序)；
// capacity 是当前可寻址的页数，用完后翻倍，直到 maxPages。
// 调用方负责加锁。
type allocator struct {
	capacity page.PageID
	maxPages page.PageID
	next     page.PageID
	free     []page.PageID
}

// allocate 返回最小的可用页号，grew 表示这次分配让 capacity 翻倍了
func (a *allocator) allocate() (id page.PageID, grew bool, err error) {
	if len(a.free) > 0 {
		id = a.free[0]
		a.free = a.free[1:]
		return id, false, nil
	}

	if a.next >= a.capacity {
		if a.capacity >= a.maxPages {
			return page.InvalidPageID, false, ErrAllocationExhausted
		}
		a.capacity = min(a.capacity*2, a.maxPages)
		grew = true
	}

	id = a.next
	a.next++
	return id, grew, nil
}

// release 把页号放回 free 列表；已经是空闲的页号返回 false
func (a *allocator) release(id page.PageID) (bool, error) {
	if id < 0 || id >= a.next {
		return false, ErrPageOutOfRange
	}
	pos, found := slices.BinarySearch(a.free, id)
	if found {
		return false, nil
	}
	a.free = slices.Insert(a.free, pos, id)
	return true, nil
}

// snapshot 复制一份分配状态，持久化失败时用来回滚
func (a *allocator) snapshot() allocator {
	cp := *a
	cp.free = slices.Clone(a.free)
	return cp
}

func (a *allocator) inRange(id page.PageID) bool {
	return id >= 0 && id < a.capacity
}

func (a *allocator) isFree(id page.PageID) bool {
	_, found := slices.BinarySearch(a.free, id)
	return found
}

package table

import (
	"context"

	"pagestore/pkg/buffer"
	"pagestore/pkg/storage/page"
)

// TableIterator 遍历 TableHeap 中的记录。
// 当前页一直被 Pin 住 (不持有 latch)，每次 Next 只短暂加读 latch，
// 所以遍历过程中可以修改同一页里的记录。
type TableIterator struct {
	heap   *TableHeap
	bpm    *buffer.BufferPoolManager
	ctx    context.Context
	guard  *buffer.PageGuard // 当前被 Pin 住的页
	slot   int               // 当前页内的 Slot 编号
	rid    RID
	record []byte
	err    error
}

// Next 移动到下一条有效记录，没有更多记录或出错时返回 false
func (it *TableIterator) Next() bool {
	for it.guard != nil {
		p := it.guard.Page()
		p.RLatch()
		tp := page.NewTablePage(p)
		slot, ok := tp.NextOccupiedSlot(it.slot)
		var record []byte
		if ok {
			record, it.err = tp.GetRecord(slot)
		}
		next := tp.GetNextPageID()
		p.RUnlatch()

		if it.err != nil {
			it.Close()
			return false
		}
		if ok {
			it.slot = slot
			it.rid = RID{PageID: it.guard.PageID(), Slot: slot}
			it.record = record
			return true
		}

		it.guard.Release()
		it.guard = nil
		if next == page.InvalidPageID {
			return false
		}

		g, err := it.bpm.FetchPageBasic(it.ctx, next)
		if err != nil {
			it.err = err
			return false
		}
		it.guard = g
		it.slot = -1
	}
	return false
}

func (it *TableIterator) RID() RID {
	return it.rid
}

// Record 返回当前记录的拷贝
func (it *TableIterator) Record() []byte {
	return it.record
}

func (it *TableIterator) Err() error {
	return it.err
}

// Close 关闭迭代器，并重试删除遍历期间没删掉的空页
func (it *TableIterator) Close() {
	if it.guard != nil {
		it.guard.Release()
		it.guard = nil
	}
	it.heap.reclaim()
}

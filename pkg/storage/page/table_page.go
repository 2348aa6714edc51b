package page

import (
	"encoding/binary"
	"errors"
)

// TablePage 把一个 Page 的数据区解释为 Slotted Page:
//
//	| 页头 64B | Prev 4B | Next 4B | FreeSpacePtr 4B | 保留 4B | Count 4B | Slot[0] Slot[1] ... -->
//	|                       ... 空闲空间 ...                       | <-- ... Record[1] Record[0] |
//
// Slot = (offset uint32, size uint32)，size 最高位是墓碑标记。
// Slot 编号按插入顺序分配，在页的生命周期内保持不变。
const (
	OffsetPrevPageID       = HeaderSize
	OffsetTableNextPageID  = HeaderSize + 4
	OffsetFreeSpacePointer = HeaderSize + 8
	OffsetReserved         = HeaderSize + 12
	OffsetRecordCount      = HeaderSize + 16

	TablePageHeaderSize = HeaderSize + 20
	SlotSize            = 8

	// UsableSpace 是一个空 TablePage 能容纳的 slot + 记录字节总量
	UsableSpace = PageSize - TablePageHeaderSize

	deleteMask uint32 = 1 << 31
)

var (
	ErrSlotOutOfRange     = errors.New("slot out of range")
	ErrSlotEmpty          = errors.New("slot is empty")
	ErrRecordDeleted      = errors.New("record is marked deleted")
	ErrNotEnoughSpace     = errors.New("not enough space in page")
	ErrEmptyRecord        = errors.New("record must not be empty")
	ErrRecordSizeMismatch = errors.New("record size mismatch")
)

type TablePage struct {
	Data []byte
}

func NewTablePage(p *Page) *TablePage {
	return &TablePage{Data: p.Data[:]}
}

// Init 清空数据区并设置前后链接
func (tp *TablePage) Init(prev, next PageID) {
	clear(tp.Data[HeaderSize:])
	tp.SetPrevPageID(prev)
	tp.SetNextPageID(next)
	tp.SetFreeSpacePointer(PageSize)
	tp.SetRecordCount(0)
}

func (tp *TablePage) GetPrevPageID() PageID {
	return PageID(int32(binary.LittleEndian.Uint32(tp.Data[OffsetPrevPageID:])))
}
func (tp *TablePage) SetPrevPageID(id PageID) {
	binary.LittleEndian.PutUint32(tp.Data[OffsetPrevPageID:], uint32(id))
}

func (tp *TablePage) GetNextPageID() PageID {
	return PageID(int32(binary.LittleEndian.Uint32(tp.Data[OffsetTableNextPageID:])))
}
func (tp *TablePage) SetNextPageID(id PageID) {
	binary.LittleEndian.PutUint32(tp.Data[OffsetTableNextPageID:], uint32(id))
}

func (tp *TablePage) GetFreeSpacePointer() uint32 {
	return binary.LittleEndian.Uint32(tp.Data[OffsetFreeSpacePointer:])
}
func (tp *TablePage) SetFreeSpacePointer(ptr uint32) {
	binary.LittleEndian.PutUint32(tp.Data[OffsetFreeSpacePointer:], ptr)
}

// GetRecordCount 返回已分配的 slot 数量 (包括已删除的)
func (tp *TablePage) GetRecordCount() int {
	return int(binary.LittleEndian.Uint32(tp.Data[OffsetRecordCount:]))
}
func (tp *TablePage) SetRecordCount(count int) {
	binary.LittleEndian.PutUint32(tp.Data[OffsetRecordCount:], uint32(count))
}

func (tp *TablePage) slotOffset(slot int) int {
	return TablePageHeaderSize + slot*SlotSize
}

func (tp *TablePage) getSlot(slot int) (offset, size uint32) {
	off := tp.slotOffset(slot)
	return binary.LittleEndian.Uint32(tp.Data[off:]), binary.LittleEndian.Uint32(tp.Data[off+4:])
}

func (tp *TablePage) setSlot(slot int, offset, size uint32) {
	off := tp.slotOffset(slot)
	binary.LittleEndian.PutUint32(tp.Data[off:], offset)
	binary.LittleEndian.PutUint32(tp.Data[off+4:], size)
}

// FreeSpace 剩余可用空间 = FreeSpacePtr - slot 数组末尾
func (tp *TablePage) FreeSpace() int {
	return int(tp.GetFreeSpacePointer()) - tp.slotOffset(tp.GetRecordCount())
}

// InsertRecord 插入一条记录，返回它的 slot 编号
func (tp *TablePage) InsertRecord(record []byte) (int, error) {
	if len(record) == 0 {
		return -1, ErrEmptyRecord
	}
	if tp.FreeSpace() < len(record)+SlotSize {
		return -1, ErrNotEnoughSpace
	}

	slot := tp.GetRecordCount()
	ptr := tp.GetFreeSpacePointer() - uint32(len(record))
	copy(tp.Data[ptr:], record)
	tp.SetFreeSpacePointer(ptr)
	tp.setSlot(slot, ptr, uint32(len(record)))
	tp.SetRecordCount(slot + 1)
	return slot, nil
}

// liveSlot 检查 slot 存在且没有被清空，返回它的 offset 和原始 size 字段
func (tp *TablePage) liveSlot(slot int) (uint32, uint32, error) {
	if slot < 0 || slot >= tp.GetRecordCount() {
		return 0, 0, ErrSlotOutOfRange
	}
	offset, size := tp.getSlot(slot)
	if size == 0 {
		return 0, 0, ErrSlotEmpty
	}
	return offset, size, nil
}

func IsDeleted(size uint32) bool {
	return size&deleteMask != 0
}

// MarkDelete 设置墓碑位：数据保留，对扫描不可见，可以回滚
func (tp *TablePage) MarkDelete(slot int) error {
	offset, size, err := tp.liveSlot(slot)
	if err != nil {
		return err
	}
	if IsDeleted(size) {
		return ErrRecordDeleted
	}
	tp.setSlot(slot, offset, size|deleteMask)
	return nil
}

// ApplyDelete 真正删除记录。空间不做整理，slot 被清空后不再复用
func (tp *TablePage) ApplyDelete(slot int) error {
	offset, size, err := tp.liveSlot(slot)
	if err != nil {
		return err
	}
	size &^= deleteMask
	clear(tp.Data[offset : offset+size])
	tp.setSlot(slot, 0, 0)
	return nil
}

// RollbackDelete 清除墓碑位
func (tp *TablePage) RollbackDelete(slot int) error {
	offset, size, err := tp.liveSlot(slot)
	if err != nil {
		return err
	}
	tp.setSlot(slot, offset, size&^deleteMask)
	return nil
}

// UpdateRecord 原地覆盖。同一页内的记录必须是定长的，不支持变长
func (tp *TablePage) UpdateRecord(slot int, record []byte) error {
	offset, size, err := tp.liveSlot(slot)
	if err != nil {
		return err
	}
	if IsDeleted(size) {
		return ErrRecordDeleted
	}
	if uint32(len(record)) != size {
		return ErrRecordSizeMismatch
	}
	copy(tp.Data[offset:offset+size], record)
	return nil
}

// GetRecord 返回记录的一份拷贝
func (tp *TablePage) GetRecord(slot int) ([]byte, error) {
	offset, size, err := tp.liveSlot(slot)
	if err != nil {
		return nil, err
	}
	if IsDeleted(size) {
		return nil, ErrRecordDeleted
	}
	record := make([]byte, size)
	copy(record, tp.Data[offset:offset+size])
	return record, nil
}

func (tp *TablePage) isOccupied(slot int) bool {
	_, size := tp.getSlot(slot)
	return size != 0 && !IsDeleted(size)
}

// NextOccupiedSlot 找到 after 之后第一个有效的 slot；after 传 -1 表示从头开始
func (tp *TablePage) NextOccupiedSlot(after int) (int, bool) {
	count := tp.GetRecordCount()
	for slot := max(after+1, 0); slot < count; slot++ {
		if tp.isOccupied(slot) {
			return slot, true
		}
	}
	return -1, false
}

// OccupiedCount 有效记录数，为 0 时调用方可以把这一页从链表中摘掉
func (tp *TablePage) OccupiedCount() int {
	n := 0
	count := tp.GetRecordCount()
	for slot := 0; slot < count; slot++ {
		if tp.isOccupied(slot) {
			n++
		}
	}
	return n
}

// IsEmpty 所有 slot 都已被 ApplyDelete (墓碑记录仍然算作占用)
func (tp *TablePage) IsEmpty() bool {
	count := tp.GetRecordCount()
	for slot := 0; slot < count; slot++ {
		if _, size := tp.getSlot(slot); size != 0 {
			return false
		}
	}
	return true
}

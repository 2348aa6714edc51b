package page

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
)

// PageSize 定义一页的大小为 4KB (4096 bytes)
// 这是一个非常标准的数据库页大小，通常和操作系统的内存页大小一致
const PageSize = 4096

// PageID 是页面的唯一标识符
// 使用 int32 是为了方便计算，且 -1 可以用来表示无效页
type PageID int32

const (
	InvalidPageID PageID = -1
)

// 页头布局 (磁盘格式，逐字节固定):
//
//	byte 0      状态 (1 = 存在)
//	byte 1..4   LSN, int32 小端 (-1 = 无)
//	byte 5..8   PageID, int32 小端
//	byte 9..63  保留，全零
const (
	HeaderSize = 64

	OffsetStatus       = 0
	OffsetLSN          = 1
	OffsetHeaderPageID = 5

	StatusFree   byte = 0
	StatusExists byte = 1

	InvalidLSN int32 = -1
)

// Page 结构体代表内存中的一个缓冲页 (Frame)
// pinCount 与 isDirty 由 BufferPoolManager 维护；latch 保护 Data 的并发读写
type Page struct {
	id       atomic.Int32
	pinCount atomic.Int32
	isDirty  atomic.Bool
	latch    sync.RWMutex
	Data     [PageSize]byte // 实际存储数据的字节数组
}

// NewPage 创建一个空帧，ID 为 InvalidPageID
func NewPage() *Page {
	p := &Page{}
	p.id.Store(int32(InvalidPageID))
	return p
}

// 下面是一些 Helper 方法，方便后续 Buffer Pool 使用

func (p *Page) ID() PageID {
	return PageID(p.id.Load())
}

func (p *Page) SetID(id PageID) {
	p.id.Store(int32(id))
}

func (p *Page) PinCount() int32 {
	return p.pinCount.Load()
}

func (p *Page) SetPinCount(count int32) {
	p.pinCount.Store(count)
}

// Pin 引用计数 +1，返回新值
func (p *Page) Pin() int32 {
	return p.pinCount.Add(1)
}

// Unpin 引用计数 -1，返回新值；计数永远不会小于 0
func (p *Page) Unpin() int32 {
	for {
		cur := p.pinCount.Load()
		if cur <= 0 {
			return 0
		}
		if p.pinCount.CompareAndSwap(cur, cur-1) {
			return cur - 1
		}
	}
}

func (p *Page) IsDirty() bool {
	return p.isDirty.Load()
}

// MarkDirty 只会把页面标记为脏，清除脏标记只能由刷盘完成
func (p *Page) MarkDirty() {
	p.isDirty.Store(true)
}

func (p *Page) SetDirty(dirty bool) {
	p.isDirty.Store(dirty)
}

func (p *Page) RLatch()   { p.latch.RLock() }
func (p *Page) RUnlatch() { p.latch.RUnlock() }
func (p *Page) WLatch()   { p.latch.Lock() }
func (p *Page) WUnlatch() { p.latch.Unlock() }

func (p *Page) Status() byte {
	return p.Data[OffsetStatus]
}

func (p *Page) SetStatus(status byte) {
	p.Data[OffsetStatus] = status
}

func (p *Page) LSN() int32 {
	return int32(binary.LittleEndian.Uint32(p.Data[OffsetLSN:]))
}

func (p *Page) SetLSN(lsn int32) {
	binary.LittleEndian.PutUint32(p.Data[OffsetLSN:], uint32(lsn))
}

// HeaderPageID 读取写在页头里的 PageID (与帧当前绑定的 ID 可能不同，例如刚从磁盘读入时)
func (p *Page) HeaderPageID() PageID {
	return PageID(int32(binary.LittleEndian.Uint32(p.Data[OffsetHeaderPageID:])))
}

func (p *Page) SetHeaderPageID(id PageID) {
	binary.LittleEndian.PutUint32(p.Data[OffsetHeaderPageID:], uint32(id))
}

// InitHeader 把一个新分配的页初始化为 "存在" 状态
func (p *Page) InitHeader(id PageID) {
	p.SetStatus(StatusExists)
	p.SetLSN(InvalidLSN)
	p.SetHeaderPageID(id)
}

// Payload 返回页头之后的数据区
func (p *Page) Payload() []byte {
	return p.Data[HeaderSize:]
}

// Clear 将页面数据清空（通常在重用页面时调用）
func (p *Page) Clear() {
	// 这种写法比循环赋值更快
	p.Data = [PageSize]byte{}
}

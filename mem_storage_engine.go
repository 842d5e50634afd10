package repcore

import (
	. "github.com/fuyao-w/common-util"
	"github.com/fuyao-w/deepcopy"
	"sync/atomic"
)

// memBlockSize 内存引擎的单块容量，超过该长度的负载会被拆分到多个 pba
const memBlockSize = 4096

type memEngineState struct {
	blocks      map[PBA][]byte
	freed       map[PBA]struct{}
	superblocks map[string][]byte
	logStores   map[uint32]*memLogStore
}

// memStorageEngine StorageEngine 的内存实现，home/jungle 两种后端在测试中的替身
// 分配策略为单调递增的块号分配，永远不产生碎片
type memStorageEngine struct {
	state        *LockItem[memEngineState]
	nextPba      atomic.Uint64
	nextLogStore atomic.Uint32
}

func newMemStorageEngine() *memStorageEngine {
	return &memStorageEngine{
		state: NewLockItem(memEngineState{
			blocks:      map[PBA][]byte{},
			freed:       map[PBA]struct{}{},
			superblocks: map[string][]byte{},
			logStores:   map[uint32]*memLogStore{},
		}),
	}
}

func (m *memStorageEngine) AllocPbas(size int) (pbas []PBA, err error) {
	n := (size + memBlockSize - 1) / memBlockSize
	if n == 0 {
		n = 1
	}
	m.state.Action(func(t *memEngineState) {
		for i := 0; i < n; i++ {
			pba := PBA(m.nextPba.Add(1))
			t.blocks[pba] = nil
			delete(t.freed, pba)
			pbas = append(pbas, pba)
		}
	})
	return
}

func (m *memStorageEngine) AsyncWrite(pbas []PBA, value []byte, cb func(error)) {
	m.state.Action(func(t *memEngineState) {
		for i, pba := range pbas {
			start := i * memBlockSize
			if start > len(value) {
				start = len(value)
			}
			end := start + memBlockSize
			if end > len(value) {
				end = len(value)
			}
			t.blocks[pba] = deepcopy.Copy(value[start:end]).([]byte)
		}
	})
	cb(nil)
}

func (m *memStorageEngine) AsyncRead(pba PBA, size int, cb func([]byte, error)) {
	var (
		data []byte
		err  error
	)
	m.state.Action(func(t *memEngineState) {
		block, ok := t.blocks[pba]
		if !ok {
			err = ErrNotExist
			return
		}
		if size > len(block) {
			size = len(block)
		}
		data = deepcopy.Copy(block[:size]).([]byte)
	})
	cb(data, err)
}

func (m *memStorageEngine) FreePba(pba PBA) error {
	m.state.Action(func(t *memEngineState) {
		delete(t.blocks, pba)
		t.freed[pba] = struct{}{}
	})
	return nil
}

// isFreed 仅供测试断言物理释放是否发生
func (m *memStorageEngine) isFreed(pba PBA) (freed bool) {
	m.state.Action(func(t *memEngineState) {
		_, freed = t.freed[pba]
	})
	return
}

// isAllocated 仅供测试断言 pba 是否仍被保留
func (m *memStorageEngine) isAllocated(pba PBA) (ok bool) {
	m.state.Action(func(t *memEngineState) {
		_, ok = t.blocks[pba]
	})
	return
}

func (m *memStorageEngine) CreateSuperblock(tag string) (*ReplicaSetSuperblock, error) {
	sb := &ReplicaSetSuperblock{}
	var err error
	m.state.Action(func(t *memEngineState) {
		if _, ok := t.superblocks[tag]; ok {
			err = ErrIllegalConfiguration
			return
		}
		t.superblocks[tag] = EncodeSuperblock(sb)
	})
	return sb, err
}

func (m *memStorageEngine) OpenSuperblock(tag string) (sb *ReplicaSetSuperblock, err error) {
	m.state.Action(func(t *memEngineState) {
		data, ok := t.superblocks[tag]
		if !ok {
			err = ErrNotExist
			return
		}
		sb, err = DecodeSuperblock(data)
	})
	return
}

func (m *memStorageEngine) WriteSuperblock(tag string, sb *ReplicaSetSuperblock) error {
	m.state.Action(func(t *memEngineState) {
		t.superblocks[tag] = EncodeSuperblock(sb)
	})
	return nil
}

func (m *memStorageEngine) RemoveSuperblock(tag string) error {
	m.state.Action(func(t *memEngineState) {
		delete(t.superblocks, tag)
	})
	return nil
}

func (m *memStorageEngine) CreateLogStore() (uint32, LogStore, error) {
	id := m.nextLogStore.Add(1)
	store := newMemLogStore()
	m.state.Action(func(t *memEngineState) {
		t.logStores[id] = store
	})
	return id, store, nil
}

func (m *memStorageEngine) OpenLogStore(id uint32) (store LogStore, err error) {
	m.state.Action(func(t *memEngineState) {
		s, ok := t.logStores[id]
		if !ok {
			err = ErrNotExist
			return
		}
		store = s
	})
	return
}

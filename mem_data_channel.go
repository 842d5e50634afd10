package repcore

import (
	"sync"

	"github.com/fuyao-w/deepcopy"
)

// memDataChannel DataChannel 的进程内实现，按节点 id 互联，
// Push 把 (pba, bytes) 写进所有对端的暂存区，Fetch 先查本节点暂存区，未命中再读 fqpba 来源节点的引擎
type memDataChannel struct {
	sync.Mutex
	localID ServerID
	engine  StorageEngine // 反向拉取时从本节点引擎读块内容
	peerMap map[ServerID]*memDataChannel
	staging map[FullyQualifiedPBA][]byte
}

func NewMemDataChannel(localID string, engine StorageEngine) *memDataChannel {
	return &memDataChannel{
		localID: ServerID(localID),
		engine:  engine,
		peerMap: map[ServerID]*memDataChannel{},
		staging: map[FullyQualifiedPBA][]byte{},
	}
}

func (m *memDataChannel) Connect(peer *memDataChannel) {
	m.Lock()
	defer m.Unlock()
	if _, ok := m.peerMap[peer.localID]; ok {
		return
	}
	m.peerMap[peer.localID] = peer
}

func (m *memDataChannel) Disconnect(id ServerID) {
	m.Lock()
	defer m.Unlock()
	delete(m.peerMap, id)
}

// Push 把负载按块拆开推送给所有对端，键为 (本节点 id, pba)
func (m *memDataChannel) Push(groupID string, pbas []PBA, value []byte) error {
	m.Lock()
	peers := make([]*memDataChannel, 0, len(m.peerMap))
	for _, peer := range m.peerMap {
		peers = append(peers, peer)
	}
	m.Unlock()
	for _, peer := range peers {
		peer.accept(m.localID, pbas, value)
	}
	return nil
}

func (m *memDataChannel) accept(from ServerID, pbas []PBA, value []byte) {
	m.Lock()
	defer m.Unlock()
	for i, pba := range pbas {
		start := i * memBlockSize
		if start > len(value) {
			start = len(value)
		}
		end := start + memBlockSize
		if end > len(value) {
			end = len(value)
		}
		m.staging[FullyQualifiedPBA{SrvID: from, Pba: pba}] = deepcopy.Copy(value[start:end]).([]byte)
	}
}

// Fetch 优先从本地暂存区取，未命中时向 fqpba 来源节点反向拉其引擎里的块内容
func (m *memDataChannel) Fetch(fqpba FullyQualifiedPBA) ([]byte, error) {
	m.Lock()
	if data, ok := m.staging[fqpba]; ok {
		m.Unlock()
		return data, nil
	}
	peer, ok := m.peerMap[fqpba.SrvID]
	m.Unlock()
	if !ok || peer.engine == nil {
		return nil, ErrRemoteUnavailable
	}
	type readResult struct {
		data []byte
		err  error
	}
	done := make(chan readResult, 1)
	peer.engine.AsyncRead(fqpba.Pba, memBlockSize, func(data []byte, err error) {
		done <- readResult{data, err}
	})
	res := <-done
	if res.err != nil {
		return nil, ErrRemoteUnavailable
	}
	return res.data, nil
}

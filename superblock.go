package repcore

import (
	"encoding/binary"
)

// replicaSetSuperblockTag 超级块在持久化存储中的固定标识
const replicaSetSuperblockTag = "replica_set"

// superblockSize 固定编码长度，尾部为保留填充
const superblockSize = 64

// ReplicaSetSuperblock 副本集的持久化状态，CommitLSN 只会在对应的 FreePbaRecord 落盘后才前进
// CheckpointLSN 记录存储引擎自身数据已经刷盘到的位置，与 CommitLSN 独立推进
type ReplicaSetSuperblock struct {
	UUID           [16]byte
	CommitLSN      LSN
	CheckpointLSN  LSN
	FreePbaStoreID uint32
	// DataJournalStoreID 共识日志存储的 id，占用保留填充区，0 代表尚未创建
	DataJournalStoreID uint32
}

func (s *ReplicaSetSuperblock) clone() ReplicaSetSuperblock {
	return *s
}

// EncodeSuperblock 按固定布局编码：uuid 16 字节、commit_lsn i64、checkpoint_lsn i64、
// free_pba_store_id u32、data_journal_store_id u32，其余为保留填充，小端序
func EncodeSuperblock(sb *ReplicaSetSuperblock) []byte {
	buf := make([]byte, superblockSize)
	copy(buf, sb.UUID[:])
	binary.LittleEndian.PutUint64(buf[16:], uint64(sb.CommitLSN))
	binary.LittleEndian.PutUint64(buf[24:], uint64(sb.CheckpointLSN))
	binary.LittleEndian.PutUint32(buf[32:], sb.FreePbaStoreID)
	binary.LittleEndian.PutUint32(buf[36:], sb.DataJournalStoreID)
	return buf
}

// DecodeSuperblock 解码 EncodeSuperblock 编码的数据，长度不匹配时返回 ErrCorruption
func DecodeSuperblock(data []byte) (*ReplicaSetSuperblock, error) {
	if len(data) != superblockSize {
		return nil, ErrCorruption
	}
	sb := &ReplicaSetSuperblock{
		CommitLSN:          LSN(binary.LittleEndian.Uint64(data[16:])),
		CheckpointLSN:      LSN(binary.LittleEndian.Uint64(data[24:])),
		FreePbaStoreID:     binary.LittleEndian.Uint32(data[32:]),
		DataJournalStoreID: binary.LittleEndian.Uint32(data[36:]),
	}
	copy(sb.UUID[:], data[:16])
	return sb, nil
}

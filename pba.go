package repcore

import "fmt"

// PBA 物理块地址，由 StorageEngine 分配和释放，对上层协议完全透明
type PBA uint64

// ServerID 副本的节点标识，FullyQualifiedPBA 用它指明 pba 的来源副本
type ServerID string

// FullyQualifiedPBA 跨副本引用的物理块地址，相等性和哈希同时取决于来源副本与本地地址
type FullyQualifiedPBA struct {
	SrvID ServerID
	Pba   PBA
}

func (f FullyQualifiedPBA) String() string {
	return fmt.Sprintf("%s:%d", f.SrvID, f.Pba)
}

// LSN 共识日志序号，对外从 1 开始单调递增
type LSN int64

// toStoreLSN 将对外暴露的共识 lsn 转换为自由块日志内部使用的存储 lsn
func toStoreLSN(lsn LSN) LSN {
	return lsn - 1
}

// toReplicaLSN 是 toStoreLSN 的逆运算
func toReplicaLSN(storeLSN LSN) LSN {
	return storeLSN + 1
}

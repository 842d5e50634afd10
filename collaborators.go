package repcore

import (
	"io"
)

// StorageEngineImpl 选择底层块存储引擎的实现
type StorageEngineImpl uint8

const (
	StorageEngineHome StorageEngineImpl = iota + 1
	StorageEngineJungle
	StorageEngineFile
)

// LogStoreImpl 日志存储实现的枚举；自由块日志 / 数据日志的存储总由所选 StorageEngine 提供，
// 该值只参与 ValidateConfig 的校验
type LogStoreImpl uint8

const (
	LogStoreHome LogStoreImpl = iota + 1
	LogStoreJungle
)

// StorageEngine 块存储引擎的抽象契约，核心只依赖这个接口
//
// allocPbas 的具体分配策略（连续性偏好、碎片行为）由实现自行决定，核心对此不做任何假设
type StorageEngine interface {
	// AllocPbas 分配足以容纳 size 字节的一个或多个 pba，分配失败返回 ErrOutOfSpace
	AllocPbas(size int) ([]PBA, error)
	// AsyncWrite 将 value 写入 pbas 对应的位置，完成后调用 cb
	AsyncWrite(pbas []PBA, value []byte, cb func(error))
	// AsyncRead 从 pba 读取 size 字节，完成后调用 cb
	AsyncRead(pba PBA, size int, cb func([]byte, error))
	// FreePba 物理释放一个 pba，必须是幂等的：只有在存在对应 lsn 的自由块记录之后才能调用
	FreePba(pba PBA) error
	// OpenSuperblock / CreateSuperblock / WriteSuperblock / RemoveSuperblock 管理固定格式的超级块记录
	CreateSuperblock(tag string) (*ReplicaSetSuperblock, error)
	OpenSuperblock(tag string) (*ReplicaSetSuperblock, error)
	WriteSuperblock(tag string, sb *ReplicaSetSuperblock) error
	RemoveSuperblock(tag string) error
	// CreateLogStore / OpenLogStore 返回一个日志存储句柄，供 FreePbaJournal 或共识日志使用
	// CreateLogStore 返回的 id 会被记录在超级块中，重启后通过 OpenLogStore 找回同一份存储
	CreateLogStore() (uint32, LogStore, error)
	OpenLogStore(id uint32) (LogStore, error)
}

// LogStore 追加写、按索引寻址的持久化日志抽象，自由块日志和共识数据日志共用这份契约，
// 重启后条目必须按写入时的索引顺序可见
type LogStore interface {
	// FirstIndex 返回第一个写入的索引，0 代表没有
	FirstIndex() (uint64, error)
	// LastIndex 返回最后一个写入的索引，0 代表没有
	LastIndex() (uint64, error)
	// GetLog 返回指定位置的条目，不存在时返回 ErrNotFoundLog
	GetLog(index uint64) (log *LogEntry, err error)
	// GetLogRange 按指定范围返回条目，闭区间，缺失的索引被跳过
	GetLogRange(from, to uint64) (log []*LogEntry, err error)
	// SetLogs 追加条目，相同索引的条目会被覆盖
	SetLogs(logs []*LogEntry) error
	// DeleteRange 批量删除指定范围的条目，用于截断与回收
	DeleteRange(from, to uint64) error
}

// FSM 共识引擎向状态机交付已提交条目的契约：Apply 在唯一的提交线程上按索引
// 严格递增调用，返回值作为条目的提交结果带回给提交者
type FSM interface {
	Apply(*LogEntry) interface{}
}

// DataChannel 数据通道的抽象契约：尽力而为的批量数据传输，以及按需拉取远端 pba 的能力
type DataChannel interface {
	// Push 将 pbas 对应的 value 推送给副本集内所有对端
	Push(groupID string, pbas []PBA, value []byte) error
	// Fetch 从 fqpba 所在的远端副本拉取数据，本身不带超时，由调用方限定等待时长
	Fetch(fqpba FullyQualifiedPBA) ([]byte, error)
}

// ConsensusLog 共识日志的抽象契约：交付有序的日志条目，并调用状态机的 pre-commit / commit / rollback 钩子
//
// 本仓库提供进程内的 localConsensusLog 实现，多副本部署时由外部共识引擎通过 ConsensusLogFactory 接入
type ConsensusLog interface {
	// Append 提交一条日志条目，返回其最终被分配的 lsn
	Append(data []byte) (LSN, error)
	// GroupID 返回该共识日志所属的副本集标识
	GroupID() string
}

// ReplicaSetListener 由 ReplicaSet 的使用者实现，用于接收状态机对提交/预提交/回滚的通知
type ReplicaSetListener interface {
	// OnPreCommit 在条目被排序但尚未提交时调用，严格按日志序号顺序
	OnPreCommit(lsn LSN, header, key []byte, ctx interface{}) error
	// OnCommit 在条目提交后，由唯一的提交线程按 lsn 严格递增顺序调用
	// 返回的 pba 列表会被状态机接管所有权并通过自由块日志追踪
	OnCommit(lsn LSN, header, key []byte, pbas []PBA, ctx interface{}) ([]PBA, error)
	// OnRollback 仅在 follower 上，当一条已预提交的日志条目被覆盖时调用
	OnRollback(lsn LSN, header, key []byte, ctx interface{}) error
	// OnReplicaStop 副本集停止时调用，用于清理监听者持有的资源
	OnReplicaStop()
}

// StateMachineStore 状态机存储的抽象契约，聚合了超级块持久化与自由块记录持久化
type StateMachineStore interface {
	io.Closer
	CommitLSN() LSN
	SetCommitLSN(lsn LSN)
	AddFreePbaRecord(lsn LSN, pbas []PBA) error
	GetFreePbaRecords(startLSN, endLSN LSN, visit func(LSN, []PBA) bool) error
	RemoveFreePbaRecordsUpto(lsn LSN) error
	FlushFreePbaRecords() error
}

package repcore

import "errors"

// 错误分类，对应分层的不同故障来源：分配失败、日志存储失败、共识失败、远端不可用、数据损坏
var (
	// ErrOutOfSpace StorageEngine 分配失败，写路径立即失败，副本继续运行
	ErrOutOfSpace = errors.New("storage engine out of space")
	// ErrLogStoreFailure 自由块日志追加或刷盘失败，commit_lsn 不能前进
	ErrLogStoreFailure = errors.New("free pba journal write failed")
	// ErrConsensusFailure 共识日志拒绝了该条目，已分配的 pba 需要立即释放
	ErrConsensusFailure = errors.New("consensus log rejected entry")
	// ErrRemoteUnavailable 数据通道获取远端 pba 超时或对端缺失该数据
	ErrRemoteUnavailable = errors.New("remote pba unavailable")
	// ErrCorruption 自由块记录或超级块解码失败，需要运维介入
	ErrCorruption = errors.New("replica set data corrupted")
)

// 基础设施层错误：存储句柄查找、日志存储契约、生命周期
var (
	ErrNotExist             = errors.New("not exist")
	ErrShutDown             = errors.New("shut down")
	ErrIllegalConfiguration = errors.New("illegal configuration")
	// ErrNotFoundLog LogStore 中不存在指定索引的条目
	ErrNotFoundLog = errors.New("not found log")
	// ErrRange DeleteRange 的起止范围非法
	ErrRange = errors.New("from must no bigger than to")
)

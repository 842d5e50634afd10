package repcore

import (
	"time"
)

type (
	LogType uint8
	// LogEntry 日志存储中的一条记录：自由块日志里 Data 是自由块记录的编码，
	// 数据日志里 Data 是 WriteRecord 的编码。Term 由具体的共识实现维护，
	// 进程内的共识实现恒为 1
	LogEntry struct {
		Index     uint64
		Term      uint64
		Data      []byte
		Type      LogType
		CreatedAt time.Time
	}
)

const (
	// LogCommand 携带 WriteRecord 的业务条目，只有这种类型会进入提交回调
	LogCommand LogType = iota + 1
	LogBarrier
	// LogNoop 共识实现用于确认领导权的空条目
	LogNoop
	LogConfiguration
)

package repcore

import (
	. "github.com/fuyao-w/common-util"
)

// Logger 贯穿全模块的日志句柄，每个副本集持有自己的实例，不依赖进程级全局状态
type Logger interface {
	Infof(format string, v ...any)
	Info(v ...any)
	Errorf(format string, v ...any)
	Error(v ...any)
	Warnf(format string, v ...any)
	Warn(v ...any)
	Debugf(format string, v ...any)
	Debug(v ...any)
}

// shutDown 一次性的停机信号，进程内共识日志的提交线程和 Append 都监听 C
type shutDown struct {
	state *LockItem[bool]
	C     chan struct{}
}

func newShutDown() shutDown {
	return shutDown{
		state: NewLockItem[bool](),
		C:     make(chan struct{}),
	}
}

// done 幂等地触发停机
func (s *shutDown) done() {
	s.state.Action(func(t *bool) {
		if *t {
			return
		}
		*t = true
		close(s.C)
	})
}

package repcore

import (
	"sync/atomic"

	. "github.com/fuyao-w/common-util"
)

type appliedWait struct {
	lsn LSN
	ch  chan LSN
}

// appliedWaiter 记录提交线程的交付进度并放行等待者，强一致读在这里等提交追上自己的 lsn
type appliedWaiter struct {
	applied atomic.Int64
	waiting *LockItem[[]*appliedWait]
}

func newAppliedWaiter() appliedWaiter {
	return appliedWaiter{
		waiting: NewLockItem[[]*appliedWait](),
	}
}

// notify 由提交线程在每次交付后调用，lsn 单调递增
func (w *appliedWaiter) notify(lsn LSN) {
	w.applied.Store(int64(lsn))
	w.waiting.Action(func(t *[]*appliedWait) {
		pending := (*t)[:0]
		for _, wait := range *t {
			if wait.lsn <= lsn {
				wait.ch <- lsn
			} else {
				pending = append(pending, wait)
			}
		}
		*t = pending
	})
}

// wait 阻塞到交付进度覆盖 lsn，cancel 关闭时以 ErrShutDown 返回
func (w *appliedWaiter) wait(lsn LSN, cancel <-chan struct{}) (LSN, error) {
	if cur := LSN(w.applied.Load()); cur >= lsn {
		return cur, nil
	}
	wait := &appliedWait{lsn: lsn, ch: make(chan LSN, 1)}
	w.waiting.Action(func(t *[]*appliedWait) {
		*t = append(*t, wait)
	})
	// 注册与 notify 之间存在窗口，二次确认避免错过唯一一次放行
	if cur := LSN(w.applied.Load()); cur >= lsn {
		return cur, nil
	}
	select {
	case applied := <-wait.ch:
		return applied, nil
	case <-cancel:
		return 0, ErrShutDown
	}
}

package repcore

import (
	"time"

	"github.com/sasha-s/go-deadlock"
)

// localConsensusLog ConsensusLog 的进程内实现：单副本、无选举，条目在 Append
// 里立即定序落盘，再由唯一的提交线程按索引严格递增交付给 FSM。多副本部署时
// 由外部共识引擎通过 ConsensusLogFactory 替换这份实现，契约相同：
// logStore 承载定序后的条目（预提交钩子装饰在上面），FSM.Apply 是提交线程入口
type localConsensusLog struct {
	groupID string
	fsm     FSM
	store   LogStore

	appendMu  deadlock.Mutex
	lastIndex uint64

	commitCh chan *commitRequest
	shutDown shutDown
	doneCh   chan struct{}
	applied  appliedWaiter
}

type commitRequest struct {
	entry  *LogEntry
	respCh chan interface{}
}

// LocalConsensusLogFactory 进程内共识日志的 ConsensusLogFactory
func LocalConsensusLogFactory(groupID string, fsm FSM, logStore LogStore) (ConsensusLog, error) {
	return newLocalConsensusLog(groupID, fsm, logStore)
}

func newLocalConsensusLog(groupID string, fsm FSM, store LogStore) (*localConsensusLog, error) {
	lastIndex, err := store.LastIndex()
	if err != nil {
		return nil, err
	}
	c := &localConsensusLog{
		groupID:   groupID,
		fsm:       fsm,
		store:     store,
		lastIndex: lastIndex,
		commitCh:  make(chan *commitRequest, 64),
		shutDown:  newShutDown(),
		doneCh:    make(chan struct{}),
		applied:   newAppliedWaiter(),
	}
	if err = c.replay(); err != nil {
		return nil, err
	}
	go c.runCommit()
	return c, nil
}

// replay 启动时把日志里已定序的条目重新交付：预提交和提交回调自身按 commit_lsn
// 去重，已经提交过的条目是空操作，崩溃时卡在定序和提交之间的条目在这里补齐。
// 在提交线程启动前串行执行，交付顺序与正常路径一致
func (c *localConsensusLog) replay() error {
	first, err := c.store.FirstIndex()
	if err != nil {
		return err
	}
	last, err := c.store.LastIndex()
	if err != nil || last == 0 {
		return err
	}
	entries, err := c.store.GetLogRange(first, last)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.Type != LogCommand {
			continue
		}
		// 重写一遍以触发预提交装饰器，内容不变
		if err = c.store.SetLogs([]*LogEntry{entry}); err != nil {
			return err
		}
		if resp := c.fsm.Apply(entry); resp != nil {
			if applyErr, ok := resp.(error); ok {
				return applyErr
			}
		}
		c.applied.notify(LSN(entry.Index))
	}
	return nil
}

// Append 定序并落盘一条业务条目，等待提交线程交付完成后返回分配的 lsn。
// 落盘与入队在同一把锁内完成，保证提交线程看到的顺序就是定序顺序
func (c *localConsensusLog) Append(data []byte) (LSN, error) {
	c.appendMu.Lock()
	select {
	case <-c.shutDown.C:
		c.appendMu.Unlock()
		return 0, ErrShutDown
	default:
	}
	index := c.lastIndex + 1
	entry := &LogEntry{
		Index:     index,
		Term:      1,
		Type:      LogCommand,
		Data:      data,
		CreatedAt: time.Now(),
	}
	// SetLogs 经过预提交装饰器，排序既成即触发 on_pre_commit
	if err := c.store.SetLogs([]*LogEntry{entry}); err != nil {
		c.appendMu.Unlock()
		return 0, err
	}
	c.lastIndex = index
	req := &commitRequest{entry: entry, respCh: make(chan interface{}, 1)}
	c.commitCh <- req
	c.appendMu.Unlock()

	select {
	case resp := <-req.respCh:
		if err, ok := resp.(error); ok && err != nil {
			return 0, err
		}
		return LSN(index), nil
	case <-c.shutDown.C:
		return 0, ErrShutDown
	}
}

// runCommit 唯一的提交线程：严格按入队顺序交付 FSM，每次交付后放行等待该 lsn 的读请求
func (c *localConsensusLog) runCommit() {
	defer close(c.doneCh)
	commit := func(req *commitRequest) {
		resp := c.fsm.Apply(req.entry)
		c.applied.notify(LSN(req.entry.Index))
		req.respCh <- resp
	}
	for {
		select {
		case <-c.shutDown.C:
			// 停机前排空已经定序的条目
			for {
				select {
				case req := <-c.commitCh:
					commit(req)
				default:
					return
				}
			}
		case req := <-c.commitCh:
			commit(req)
		}
	}
}

func (c *localConsensusLog) GroupID() string {
	return c.groupID
}

// WaitForApplied 阻塞到提交线程交付完 lsn 为止，返回当时的最新交付位置，
// 配合监听者在 on_pre_commit 里记录的待决键实现强一致读
func (c *localConsensusLog) WaitForApplied(lsn LSN) (LSN, error) {
	return c.applied.wait(lsn, c.shutDown.C)
}

// Close 停止接收新条目，排空提交线程后返回
func (c *localConsensusLog) Close() error {
	c.shutDown.done()
	<-c.doneCh
	return nil
}

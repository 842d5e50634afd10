package repcore

import (
	"github.com/sasha-s/go-deadlock"
	"hash/fnv"
	"sync"
	"time"
)

const pbaResolverShardCount = 32

// singleFlightCall 代表一次正在进行中的远端拉取，同一个 fqpba 的并发调用者共享同一次拉取结果
type singleFlightCall struct {
	wg  sync.WaitGroup
	pba PBA
	err error
}

// pbaMapShard 单个分片，持有已解析的映射表和正在进行中的拉取表，二者用同一把锁保护
type pbaMapShard struct {
	mu       deadlock.Mutex
	mapping  map[FullyQualifiedPBA]PBA
	inFlight map[FullyQualifiedPBA]*singleFlightCall
}

// PbaResolver 将跨副本的 FullyQualifiedPBA 解析为本地 PBA，解析结果不因时间淘汰，只由 commit 驱动淘汰
type PbaResolver struct {
	shards  [pbaResolverShardCount]*pbaMapShard
	channel DataChannel
	engine  StorageEngine
	logger  Logger
	timeout time.Duration
}

// NewPbaResolver timeout 是单次远端拉取允许的最长等待时间，超时返回 ErrRemoteUnavailable
func NewPbaResolver(channel DataChannel, engine StorageEngine, logger Logger, timeout time.Duration) *PbaResolver {
	r := &PbaResolver{
		channel: channel,
		engine:  engine,
		logger:  logger,
		timeout: timeout,
	}
	for i := range r.shards {
		r.shards[i] = &pbaMapShard{
			mapping:  map[FullyQualifiedPBA]PBA{},
			inFlight: map[FullyQualifiedPBA]*singleFlightCall{},
		}
	}
	return r
}

func (r *PbaResolver) shardFor(fq FullyQualifiedPBA) *pbaMapShard {
	h := fnv.New32a()
	h.Write([]byte(fq.String()))
	return r.shards[h.Sum32()%pbaResolverShardCount]
}

// Map 将 fqpba 解析为本地 pba：命中直接返回；未命中时进入单飞区，第一个调用者负责拉取，
// 其余并发调用者等待同一次结果，拉取失败时不会安装任何部分结果
func (r *PbaResolver) Map(fq FullyQualifiedPBA) (PBA, error) {
	shard := r.shardFor(fq)

	shard.mu.Lock()
	if pba, ok := shard.mapping[fq]; ok {
		shard.mu.Unlock()
		return pba, nil
	}
	if call, ok := shard.inFlight[fq]; ok {
		shard.mu.Unlock()
		call.wg.Wait()
		return call.pba, call.err
	}
	call := &singleFlightCall{}
	call.wg.Add(1)
	shard.inFlight[fq] = call
	shard.mu.Unlock()

	pba, err := r.fetchAndInstall(fq)
	call.pba, call.err = pba, err
	call.wg.Done()

	shard.mu.Lock()
	delete(shard.inFlight, fq)
	if err == nil {
		shard.mapping[fq] = pba
	}
	shard.mu.Unlock()

	return pba, err
}

func (r *PbaResolver) fetchAndInstall(fq FullyQualifiedPBA) (PBA, error) {
	type fetchResult struct {
		data []byte
		err  error
	}
	done := make(chan fetchResult, 1)
	go func() {
		data, err := r.channel.Fetch(fq)
		done <- fetchResult{data, err}
	}()

	var res fetchResult
	select {
	case res = <-done:
	case <-time.After(r.timeout):
		return 0, ErrRemoteUnavailable
	}
	if res.err != nil {
		r.logger.Errorf("PbaResolver|fetch fqpba:%s err:%s", fq, res.err)
		return 0, ErrRemoteUnavailable
	}

	pbas, err := r.engine.AllocPbas(len(res.data))
	if err != nil {
		return 0, err
	}
	errCh := make(chan error, 1)
	r.engine.AsyncWrite(pbas, res.data, func(err error) { errCh <- err })
	if err = <-errCh; err != nil {
		return 0, err
	}
	return pbas[0], nil
}

// Release 将 fqpba 从已解析映射中移除，由 on_commit 驱动而不是按时间淘汰
func (r *PbaResolver) Release(fq FullyQualifiedPBA) {
	shard := r.shardFor(fq)
	shard.mu.Lock()
	delete(shard.mapping, fq)
	shard.mu.Unlock()
}

package repcore

import (
	"fmt"
	"io"

	"github.com/fuyao-w/log"
	"github.com/sasha-s/go-deadlock"
	"golang.org/x/sync/errgroup"
)

// openStorageEngine 按配置选择块存储引擎实现，home/jungle 当前由内存引擎承担，
// file 后端落在 bolt 文件上
func openStorageEngine(conf *Config) (StorageEngine, error) {
	switch conf.StorageEngineBackend {
	case StorageEngineFile:
		return openBoltStorageEngine(conf.StorageDir)
	default:
		return newMemStorageEngine(), nil
	}
}

// ReplicationService 副本集目录：创建、查找、遍历，生命周期的根
type ReplicationService struct {
	conf    *Config
	engine  StorageEngine
	channel DataChannel
	factory ConsensusLogFactory
	logger  Logger

	// OnReplicaSetIdentified 创建或恢复发现副本集时调用，返回挂接到该副本集的监听者
	onReplicaSetIdentified func(uuid [16]byte) ReplicaSetListener

	mu   deadlock.Mutex
	sets map[[16]byte]*ReplicaSet
}

func NewReplicationService(conf *Config, channel DataChannel, factory ConsensusLogFactory,
	onReplicaSetIdentified func(uuid [16]byte) ReplicaSetListener) (*ReplicationService, error) {
	if ok, hint := ValidateConfig(conf); !ok {
		return nil, fmt.Errorf("config validate err :%s", hint)
	}
	if conf.Logger == nil {
		conf.Logger = log.NewLogger()
	}
	engine, err := openStorageEngine(conf)
	if err != nil {
		return nil, err
	}
	return &ReplicationService{
		conf:                   conf,
		engine:                 engine,
		channel:                channel,
		factory:                factory,
		logger:                 conf.Logger,
		onReplicaSetIdentified: onReplicaSetIdentified,
		sets:                   map[[16]byte]*ReplicaSet{},
	}, nil
}

// StorageEngine 暴露底层引擎，供调用方直接读数据或做运维操作
func (s *ReplicationService) StorageEngine() StorageEngine {
	return s.engine
}

// CreateReplicaSet 创建一个新的副本集并纳入目录，uuid 已存在时报错
func (s *ReplicationService) CreateReplicaSet(uuid [16]byte) (*ReplicaSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sets[uuid]; ok {
		return nil, ErrIllegalConfiguration
	}
	listener := s.onReplicaSetIdentified(uuid)
	rs, err := newReplicaSet(s.conf, uuid, s.engine, s.channel, listener, s.factory, s.logger)
	if err != nil {
		return nil, err
	}
	s.sets[uuid] = rs
	return rs, nil
}

// LookupReplicaSet 按 uuid 查找副本集
func (s *ReplicationService) LookupReplicaSet(uuid [16]byte) (*ReplicaSet, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.sets[uuid]
	return rs, ok
}

// IterateReplicaSets 遍历目录，visit 返回 false 时停止
func (s *ReplicationService) IterateReplicaSets(visit func(*ReplicaSet) bool) {
	s.mu.Lock()
	sets := make([]*ReplicaSet, 0, len(s.sets))
	for _, rs := range s.sets {
		sets = append(sets, rs)
	}
	s.mu.Unlock()
	for _, rs := range sets {
		if !visit(rs) {
			return
		}
	}
}

// DestroyReplicaSet 停机并删除副本集的持久化状态
func (s *ReplicationService) DestroyReplicaSet(uuid [16]byte) error {
	s.mu.Lock()
	rs, ok := s.sets[uuid]
	delete(s.sets, uuid)
	s.mu.Unlock()
	if !ok {
		return ErrNotExist
	}
	return rs.destroy()
}

// Close 并发停掉所有副本集，最后关闭存储引擎
func (s *ReplicationService) Close() error {
	s.mu.Lock()
	sets := make([]*ReplicaSet, 0, len(s.sets))
	for _, rs := range s.sets {
		sets = append(sets, rs)
	}
	s.sets = map[[16]byte]*ReplicaSet{}
	s.mu.Unlock()

	eg := new(errgroup.Group)
	for _, rs := range sets {
		rs := rs
		eg.Go(func() error {
			rs.Stop()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	if closer, ok := s.engine.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

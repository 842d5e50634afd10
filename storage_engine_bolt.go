package repcore

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sync/atomic"

	"github.com/boltdb/bolt"
	"github.com/vmihailenco/msgpack/v5"
)

var (
	bucketBlocks      = []byte("blocks")
	bucketSuperblocks = []byte("superblocks")
	bucketMeta        = []byte("meta")

	keyNextPba      = []byte("next_pba")
	keyNextLogStore = []byte("next_log_store")
)

// boltStorageEngine StorageEngine 的 file 后端，所有数据落在单个 bolt 文件中：
// blocks 桶按大端 pba 存块内容，superblocks 桶按 tag 存超级块，
// 每个日志存储独占一个 log-<id> 桶，块号分配计数持久化在 meta 桶里以便重启后继续分配
type boltStorageEngine struct {
	db           *bolt.DB
	nextPba      atomic.Uint64
	nextLogStore atomic.Uint32
}

func openBoltStorageEngine(dir string) (*boltStorageEngine, error) {
	db, err := bolt.Open(filepath.Join(dir, "repcore.db"), 0600, nil)
	if err != nil {
		return nil, err
	}
	e := &boltStorageEngine{db: db}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketBlocks, bucketSuperblocks, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		meta := tx.Bucket(bucketMeta)
		if v := meta.Get(keyNextPba); len(v) == 8 {
			e.nextPba.Store(binary.BigEndian.Uint64(v))
		}
		if v := meta.Get(keyNextLogStore); len(v) == 8 {
			e.nextLogStore.Store(uint32(binary.BigEndian.Uint64(v)))
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return e, nil
}

func (e *boltStorageEngine) Close() error {
	return e.db.Close()
}

func pbaKey(pba PBA) []byte {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], uint64(pba))
	return key[:]
}

func uint64Bytes(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

func (e *boltStorageEngine) AllocPbas(size int) ([]PBA, error) {
	n := (size + memBlockSize - 1) / memBlockSize
	if n == 0 {
		n = 1
	}
	var pbas []PBA
	err := e.db.Update(func(tx *bolt.Tx) error {
		blocks := tx.Bucket(bucketBlocks)
		for i := 0; i < n; i++ {
			pba := PBA(e.nextPba.Add(1))
			if err := blocks.Put(pbaKey(pba), []byte{}); err != nil {
				return err
			}
			pbas = append(pbas, pba)
		}
		return tx.Bucket(bucketMeta).Put(keyNextPba, uint64Bytes(e.nextPba.Load()))
	})
	if err != nil {
		return nil, ErrOutOfSpace
	}
	return pbas, nil
}

func (e *boltStorageEngine) AsyncWrite(pbas []PBA, value []byte, cb func(error)) {
	err := e.db.Update(func(tx *bolt.Tx) error {
		blocks := tx.Bucket(bucketBlocks)
		for i, pba := range pbas {
			start := i * memBlockSize
			if start > len(value) {
				start = len(value)
			}
			end := start + memBlockSize
			if end > len(value) {
				end = len(value)
			}
			if err := blocks.Put(pbaKey(pba), value[start:end]); err != nil {
				return err
			}
		}
		return nil
	})
	cb(err)
}

func (e *boltStorageEngine) AsyncRead(pba PBA, size int, cb func([]byte, error)) {
	var data []byte
	err := e.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketBlocks).Get(pbaKey(pba))
		if v == nil {
			return ErrNotExist
		}
		if size > len(v) {
			size = len(v)
		}
		data = append(data, v[:size]...)
		return nil
	})
	cb(data, err)
}

func (e *boltStorageEngine) FreePba(pba PBA) error {
	return e.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBlocks).Delete(pbaKey(pba))
	})
}

func (e *boltStorageEngine) CreateSuperblock(tag string) (*ReplicaSetSuperblock, error) {
	sb := &ReplicaSetSuperblock{}
	err := e.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketSuperblocks)
		if bucket.Get([]byte(tag)) != nil {
			return ErrIllegalConfiguration
		}
		return bucket.Put([]byte(tag), EncodeSuperblock(sb))
	})
	if err != nil {
		return nil, err
	}
	return sb, nil
}

func (e *boltStorageEngine) OpenSuperblock(tag string) (sb *ReplicaSetSuperblock, err error) {
	err = e.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSuperblocks).Get([]byte(tag))
		if data == nil {
			return ErrNotExist
		}
		sb, err = DecodeSuperblock(data)
		return err
	})
	return
}

func (e *boltStorageEngine) WriteSuperblock(tag string, sb *ReplicaSetSuperblock) error {
	return e.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSuperblocks).Put([]byte(tag), EncodeSuperblock(sb))
	})
}

func (e *boltStorageEngine) RemoveSuperblock(tag string) error {
	return e.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSuperblocks).Delete([]byte(tag))
	})
}

func logStoreBucket(id uint32) []byte {
	return []byte(fmt.Sprintf("log-%d", id))
}

func (e *boltStorageEngine) CreateLogStore() (uint32, LogStore, error) {
	id := e.nextLogStore.Add(1)
	err := e.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(logStoreBucket(id)); err != nil {
			return err
		}
		return tx.Bucket(bucketMeta).Put(keyNextLogStore, uint64Bytes(uint64(e.nextLogStore.Load())))
	})
	if err != nil {
		return 0, nil, err
	}
	return id, &boltLogStore{db: e.db, bucket: logStoreBucket(id)}, nil
}

func (e *boltStorageEngine) OpenLogStore(id uint32) (LogStore, error) {
	err := e.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(logStoreBucket(id)) == nil {
			return ErrNotExist
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &boltLogStore{db: e.db, bucket: logStoreBucket(id)}, nil
}

// boltLogStore 在单个 bolt 桶上实现 LogStore，键为大端序索引以保证游标遍历即索引顺序
type boltLogStore struct {
	db     *bolt.DB
	bucket []byte
}

func (s *boltLogStore) FirstIndex() (uint64, error) {
	var idx uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		key, _ := tx.Bucket(s.bucket).Cursor().First()
		if key != nil {
			idx = binary.BigEndian.Uint64(key)
		}
		return nil
	})
	return idx, err
}

func (s *boltLogStore) LastIndex() (uint64, error) {
	var idx uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		key, _ := tx.Bucket(s.bucket).Cursor().Last()
		if key != nil {
			idx = binary.BigEndian.Uint64(key)
		}
		return nil
	})
	return idx, err
}

func (s *boltLogStore) GetLog(index uint64) (*LogEntry, error) {
	var entry *LogEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(s.bucket).Get(uint64Bytes(index))
		if data == nil {
			return ErrNotFoundLog
		}
		entry = new(LogEntry)
		return msgpack.Unmarshal(data, entry)
	})
	return entry, err
}

func (s *boltLogStore) GetLogRange(from, to uint64) (logs []*LogEntry, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(s.bucket).Cursor()
		for key, data := cursor.Seek(uint64Bytes(from)); key != nil && binary.BigEndian.Uint64(key) <= to; key, data = cursor.Next() {
			entry := new(LogEntry)
			if err := msgpack.Unmarshal(data, entry); err != nil {
				return err
			}
			logs = append(logs, entry)
		}
		return nil
	})
	return
}

func (s *boltLogStore) SetLogs(logs []*LogEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(s.bucket)
		for _, entry := range logs {
			data, err := msgpack.Marshal(entry)
			if err != nil {
				return err
			}
			if err = bucket.Put(uint64Bytes(entry.Index), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *boltLogStore) DeleteRange(from, to uint64) error {
	if from > to {
		return ErrRange
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(s.bucket)
		for i := from; i <= to; i++ {
			if err := bucket.Delete(uint64Bytes(i)); err != nil {
				return err
			}
		}
		return nil
	})
}

// FlushSync 强制把底层文件刷到磁盘，供 FreePbaJournal.FlushSync 调用
func (s *boltLogStore) FlushSync() error {
	return s.db.Sync()
}

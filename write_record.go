package repcore

import (
	"encoding/binary"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// WriteRecord 是领导者 write 调用提交到共识日志中的负载，编码进 LogEntry.Data
// Origin 是写入时领导者的节点标识，跟随者用它构造 FullyQualifiedPBA 以拉取远端数据
type WriteRecord struct {
	Header []byte `msgpack:"h"`
	Key    []byte `msgpack:"k"`
	Pbas   []PBA  `msgpack:"p"`
	Origin string `msgpack:"o"`
}

// EncodeWriteRecord 编码为 msgpack 二进制，panic 只在结构本身不可序列化时发生（不会发生）
func EncodeWriteRecord(rec WriteRecord) []byte {
	b, err := msgpack.Marshal(rec)
	if err != nil {
		panic(fmt.Errorf("failed to encode write record :%s", err))
	}
	return b
}

// DecodeWriteRecord 解码 msgpack 负载，调用者需要保证来源是 EncodeWriteRecord 编码的数据
func DecodeWriteRecord(data []byte) (rec WriteRecord, err error) {
	err = msgpack.Unmarshal(data, &rec)
	return
}

// EncodeFreePbaRecord 按 u32 count + count*u64 pba 的小端布局编码一条自由块记录
func EncodeFreePbaRecord(pbas []PBA) []byte {
	buf := make([]byte, 4+8*len(pbas))
	binary.LittleEndian.PutUint32(buf, uint32(len(pbas)))
	for i, pba := range pbas {
		binary.LittleEndian.PutUint64(buf[4+8*i:], uint64(pba))
	}
	return buf
}

// DecodeFreePbaRecord 解码 EncodeFreePbaRecord 编码的数据，长度不匹配时返回 ErrCorruption
func DecodeFreePbaRecord(data []byte) ([]PBA, error) {
	if len(data) < 4 {
		return nil, ErrCorruption
	}
	n := binary.LittleEndian.Uint32(data)
	want := 4 + 8*int(n)
	if len(data) != want {
		return nil, ErrCorruption
	}
	pbas := make([]PBA, n)
	for i := range pbas {
		pbas[i] = PBA(binary.LittleEndian.Uint64(data[4+8*i:]))
	}
	return pbas, nil
}

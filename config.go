package repcore

import (
	"fmt"
	"time"
)

const minCheckInterval = 10 * time.Millisecond

type Config struct {
	LocalID string
	Logger  Logger

	PbaResolverFetchTimeout time.Duration     // 单次远端 pba 拉取允许的最长等待
	FreePbaFlushInterval    time.Duration     // 自由块日志的周期性刷盘间隔
	CheckpointInterval      time.Duration     // 超级块 checkpoint_lsn 的推进间隔
	StorageEngineBackend    StorageEngineImpl // 块存储引擎实现选择
	LogStoreBackend         LogStoreImpl      // 日志存储实现枚举，只做校验，日志存储由引擎提供
	StorageDir              string            // file 后端的数据目录
}

func DefaultConfig() *Config {
	return &Config{
		PbaResolverFetchTimeout: 3 * time.Second,
		FreePbaFlushInterval:    100 * time.Millisecond,
		CheckpointInterval:      30 * time.Second,
		StorageEngineBackend:    StorageEngineHome,
		LogStoreBackend:         LogStoreHome,
	}
}

func ValidateConfig(c *Config) (bool, string) {
	if len(c.LocalID) == 0 {
		return false, "LocalID is blank"
	}
	minimumTimeout := 5 * time.Millisecond
	// 域层时间配置允许为零值，此时各组件退回默认值
	if c.PbaResolverFetchTimeout != 0 && c.PbaResolverFetchTimeout < minimumTimeout {
		return false, fmt.Sprintf("PbaResolverFetchTimeout must greater than :%s", minimumTimeout)
	}
	if c.FreePbaFlushInterval != 0 && c.FreePbaFlushInterval < minCheckInterval {
		return false, fmt.Sprintf("FreePbaFlushInterval must greater than :%s", minCheckInterval)
	}
	if c.CheckpointInterval != 0 && c.CheckpointInterval < minimumTimeout {
		return false, fmt.Sprintf("CheckpointInterval must greater than :%s", minimumTimeout)
	}
	if c.StorageEngineBackend > StorageEngineFile {
		return false, fmt.Sprintf("unknown StorageEngineBackend :%d", c.StorageEngineBackend)
	}
	if c.LogStoreBackend > LogStoreJungle {
		return false, fmt.Sprintf("unknown LogStoreBackend :%d", c.LogStoreBackend)
	}
	if c.StorageEngineBackend == StorageEngineFile && len(c.StorageDir) == 0 {
		return false, "StorageDir is blank while file backend selected"
	}
	return true, ""
}

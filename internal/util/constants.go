package util

const (
	StorageLocal  = "local"
	StorageMinio  = "minio"
	StorageOSS    = "oss"
	StorageMemory = "memory"
)

const MimeJSON = "application/json"

// 分页默认值
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

package config

// Config - корневая структура конфигурации приложения.
type Config struct {
	Logger LoggerConfig `yaml:"logger"`
	Server ServerConfig `yaml:"http-server"`
	DB     DBConfig     `yaml:"db"`
}

type ServerConfig struct {
	Port int `yaml:"port" validate:"required,min=1,max=65535"`
}

// DBConfig carries the LSM tuning knobs. The field names mirror the
// engine constants they set: LSM_BLOCK_SIZE, LSM_PER_MEM_SIZE_LIMIT,
// LSM_TOL_MEM_SIZE_LIMIT, LSM_SST_LEVEL_RATIO, and the block cache
// capacity/K pair.
type DBConfig struct {
	DataDir string `yaml:"data_dir" validate:"required,dir"`

	// BlockSize is the target encoded size of one SST data block.
	BlockSize int `yaml:"block_size" validate:"required,min=1"`

	// PerMemSizeLimit is the watermark at which the active skiplist is
	// frozen.
	PerMemSizeLimit int64 `yaml:"per_mem_size_limit" validate:"required,min=1"`

	// TolMemSizeLimit is the total memtable watermark that triggers a
	// flush on the writing thread.
	TolMemSizeLimit int64 `yaml:"tol_mem_size_limit" validate:"required,min=1"`

	// SSTLevelRatio is the fan-out per level: a level holding this many
	// SSTs is compacted into the next one.
	SSTLevelRatio int `yaml:"sst_level_ratio" validate:"required,min=2"`

	BlockCacheCapacity int `yaml:"block_cache_capacity" validate:"required,min=1"`
	BlockCacheK        int `yaml:"block_cache_k" validate:"min=1"`
}

type LoggerConfig struct {
	Level string `yaml:"level" validate:"oneof=DEBUG INFO WARN ERROR debug info warn error"`
	JSON  bool   `yaml:"json"`
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "INFO",
			JSON:  false,
		},
		Server: ServerConfig{
			Port: 8080,
		},
		DB: DefaultDB(),
	}
}

// DefaultDB returns the default engine tuning.
func DefaultDB() DBConfig {
	return DBConfig{
		DataDir:            "./data",
		BlockSize:          4096,
		PerMemSizeLimit:    4 << 20,
		TolMemSizeLimit:    16 << 20,
		SSTLevelRatio:      4,
		BlockCacheCapacity: 1024,
		BlockCacheK:        8,
	}
}

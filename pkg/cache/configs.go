package cache

import (
	"fmt"
	"time"
)

const (
	defaultMaxSize          = 1000
	defaultOperationTimeout = 1000
)

// Compression and encryption types of external cache payloads.
const (
	ZstdCompressionType = "zstd"
	GzipCompressionType = "gzip"
	AesSymmetricType    = "aes"
)

// CacheConfig represents settings for creating/configuring the CacheRouter.
type CacheConfig struct {
	MaxSize           int                      `json:"MaxSize" yaml:"MaxSize"`               // in-process entries
	EvictionPolicy    string                   `json:"EvictionPolicy" yaml:"EvictionPolicy"` // lru, lfu, fifo, ttl
	Patterns          map[string]*CachePattern `json:"Patterns" yaml:"Patterns"`
	ExternalURI       string                   `json:"ExternalURI" yaml:"ExternalURI"`
	OperationTimeout  uint32                   `json:"OperationTimeout" yaml:"OperationTimeout"` // ms per external round-trip
	CoalesceMisses    bool                     `json:"CoalesceMisses" yaml:"CoalesceMisses"`
	CompressionConfig *CompressionConfig       `json:"CompressionConfig" yaml:"CompressionConfig"`
	EncryptionConfig  *EncryptionConfig        `json:"EncryptionConfig" yaml:"EncryptionConfig"`
}

// CachePattern names a family of keys sharing a prefix and a TTL.
type CachePattern struct {
	TTL       uint32 `json:"TTL" yaml:"TTL"` // seconds, 0 never expires
	KeyPrefix string `json:"KeyPrefix" yaml:"KeyPrefix"`
}

// TTLDuration returns the pattern TTL as a duration.
func (cp *CachePattern) TTLDuration() time.Duration {
	return time.Duration(cp.TTL) * time.Second
}

// CompressionConfig enables compression of external cache payloads.
type CompressionConfig struct {
	Enabled bool   `json:"Enabled" yaml:"Enabled"`
	Type    string `json:"Type,omitempty" yaml:"Type,omitempty"` // zstd or gzip
}

// EncryptionConfig enables AES-GCM encryption of external cache payloads.
// Hashkey is derived with Argon2 from a passphrase and salt when it is not supplied directly.
type EncryptionConfig struct {
	Enabled           bool   `json:"Enabled" yaml:"Enabled"`
	Type              string `json:"Type,omitempty" yaml:"Type,omitempty"`
	Hashkey           []byte `json:"-" yaml:"-"`
	TimeConsideration uint32 `json:"TimeConsideration,omitempty" yaml:"TimeConsideration,omitempty"`
	MemoryMultiplier  uint32 `json:"MemoryMultiplier,omitempty" yaml:"MemoryMultiplier,omitempty"`
	Threads           uint8  `json:"Threads,omitempty" yaml:"Threads,omitempty"`
}

// ApplyDefaults fills every zero valued setting with its default.
func (cc *CacheConfig) ApplyDefaults() {

	if cc.MaxSize == 0 {
		cc.MaxSize = defaultMaxSize
	}

	if cc.EvictionPolicy == "" {
		cc.EvictionPolicy = LRUPolicy
	}

	if cc.OperationTimeout == 0 {
		cc.OperationTimeout = defaultOperationTimeout
	}

	if cc.Patterns == nil {
		cc.Patterns = make(map[string]*CachePattern)
	}

	if cc.CompressionConfig == nil {
		cc.CompressionConfig = &CompressionConfig{}
	}

	if cc.EncryptionConfig == nil {
		cc.EncryptionConfig = &EncryptionConfig{}
	}
}

// Validate checks the config for settings the router can't work with.
func (cc *CacheConfig) Validate() error {

	if cc.MaxSize < 0 {
		return fmt.Errorf("%w: maxsize can't be negative", ErrInvalidCacheConfig)
	}

	if !isEvictionPolicy(cc.EvictionPolicy) {
		return fmt.Errorf("%w: %q", ErrUnknownEvictionPolicy, cc.EvictionPolicy)
	}

	for name, pattern := range cc.Patterns {
		if pattern == nil {
			return fmt.Errorf("%w: pattern %q is empty", ErrInvalidCacheConfig, name)
		}
	}

	if cc.CompressionConfig != nil && cc.CompressionConfig.Enabled {
		switch cc.CompressionConfig.Type {
		case "", ZstdCompressionType, GzipCompressionType:
		default:
			return fmt.Errorf("%w: compression type %q", ErrInvalidCacheConfig, cc.CompressionConfig.Type)
		}
	}

	return nil
}

func copyCacheConfig(config *CacheConfig) *CacheConfig {

	cfg := *config
	if config.Patterns != nil {
		cfg.Patterns = make(map[string]*CachePattern, len(config.Patterns))
		for name, pattern := range config.Patterns {
			if pattern == nil {
				cfg.Patterns[name] = nil
				continue
			}

			patternCopy := *pattern
			cfg.Patterns[name] = &patternCopy
		}
	}

	if config.CompressionConfig != nil {
		compression := *config.CompressionConfig
		cfg.CompressionConfig = &compression
	}

	if config.EncryptionConfig != nil {
		encryption := *config.EncryptionConfig
		cfg.EncryptionConfig = &encryption
	}

	return &cfg
}

func millis(value uint32) time.Duration {
	return time.Duration(value) * time.Millisecond
}

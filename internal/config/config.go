// Package config defines the server configuration surface: the core
// engine settings, per-index engine configs and consumer configs, loaded
// from and persisted to YAML.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/summa-search/summa/internal/collectors"
	"github.com/summa-search/summa/internal/consumer"
	"github.com/summa-search/summa/internal/directory"
	"github.com/summa-search/summa/internal/schema"
)

var (
	ErrUnknownEngine = errors.New("unknown index engine")
	ErrAliasedIndex  = errors.New("alias does not resolve to a known index")
)

// WriterThreads selects the writer flavour: SameThread yields the
// single-segment writer, N the threaded writer.
type WriterThreads struct {
	SameThread bool   `yaml:"same_thread,omitempty" json:"same_thread,omitempty"`
	N          uint64 `yaml:"n,omitempty" json:"n,omitempty"`
}

// Count resolves the worker count (0 = single-segment).
func (w *WriterThreads) Count() int {
	if w == nil {
		return 4
	}
	if w.SameThread {
		return 0
	}
	return int(w.N)
}

// Core is the engine-level configuration.
type Core struct {
	DocStoreCompressThreads int                    `yaml:"doc_store_compress_threads" json:"doc_store_compress_threads"`
	DocStoreCacheNumBlocks  int                    `yaml:"doc_store_cache_num_blocks" json:"doc_store_cache_num_blocks"`
	WriterHeapSizeBytes     uint64                 `yaml:"writer_heap_size_bytes" json:"writer_heap_size_bytes"`
	WriterThreads           *WriterThreads         `yaml:"writer_threads,omitempty" json:"writer_threads,omitempty"`
	AutocommitIntervalMs    *uint64                `yaml:"autocommit_interval_ms,omitempty" json:"autocommit_interval_ms,omitempty"`
	CollectorCache          collectors.CacheConfig `yaml:"collector_cache" json:"collector_cache"`

	Aliases map[string]string            `yaml:"aliases" json:"aliases"`
	Indices map[string]IndexEngineConfig `yaml:"indices" json:"indices"`
}

// IndexEngineConfig is a tagged variant: exactly one member is set. It
// uniquely determines how the index directory is constructed.
type IndexEngineConfig struct {
	File   *FileEngineConfig   `yaml:"file,omitempty" json:"file,omitempty"`
	Memory *MemoryEngineConfig `yaml:"memory,omitempty" json:"memory,omitempty"`
	Remote *RemoteEngineConfig `yaml:"remote,omitempty" json:"remote,omitempty"`
}

// FileEngineConfig serves an index from a local path via mmap.
type FileEngineConfig struct {
	Path string `yaml:"path" json:"path"`
}

// MemoryEngineConfig serves an index from RAM; the schema seeds creation.
type MemoryEngineConfig struct {
	Schema []schema.FieldDef `yaml:"schema" json:"schema"`
}

// RemoteEngineConfig streams an index lazily from a remote endpoint.
type RemoteEngineConfig struct {
	Method             string                        `yaml:"method" json:"method"`
	URLTemplate        string                        `yaml:"url_template" json:"url_template"`
	HeadersTemplate    []directory.Header            `yaml:"headers_template,omitempty" json:"headers_template,omitempty"`
	ChunkedCacheConfig *directory.ChunkedCacheConfig `yaml:"chunked_cache_config,omitempty" json:"chunked_cache_config,omitempty"`
	Hotcache           bool                          `yaml:"hotcache" json:"hotcache"`
}

// Validate checks the variant is well-formed.
func (c *IndexEngineConfig) Validate() error {
	set := 0
	if c.File != nil {
		set++
		if c.File.Path == "" {
			return fmt.Errorf("file engine: empty path")
		}
	}
	if c.Memory != nil {
		set++
	}
	if c.Remote != nil {
		set++
		if c.Remote.URLTemplate == "" {
			return fmt.Errorf("remote engine: empty url_template")
		}
	}
	if set != 1 {
		return fmt.Errorf("%w: exactly one engine variant must be set", ErrUnknownEngine)
	}
	return nil
}

// ReadOnly reports whether the engine cannot accept writes.
func (c *IndexEngineConfig) ReadOnly() bool { return c.Remote != nil }

// Server is the full configuration file.
type Server struct {
	DataPath    string `yaml:"data_path" json:"data_path"`
	HTTPAddr    string `yaml:"http_addr" json:"http_addr"`
	MetricsAddr string `yaml:"metrics_addr" json:"metrics_addr"`
	LogLevel    string `yaml:"log_level" json:"log_level"`

	Core      Core                            `yaml:"core" json:"core"`
	Consumers map[string]consumer.KafkaConfig `yaml:"consumers,omitempty" json:"consumers,omitempty"`
}

// Default returns the configuration generate-config emits.
func Default() *Server {
	heap := uint64(128 * 1024 * 1024)
	return &Server{
		DataPath:    "data",
		HTTPAddr:    "127.0.0.1:8082",
		MetricsAddr: "127.0.0.1:8084",
		LogLevel:    "info",
		Core: Core{
			DocStoreCompressThreads: 1,
			DocStoreCacheNumBlocks:  128,
			WriterHeapSizeBytes:     heap,
			WriterThreads:           &WriterThreads{N: 4},
			CollectorCache:          collectors.CacheConfig{Size: 512, TTLIntervalMs: 120_000},
			Aliases:                 map[string]string{},
			Indices:                 map[string]IndexEngineConfig{},
		},
	}
}

// Load reads and validates a YAML config file.
func Load(path string) (*Server, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates YAML config bytes.
func Parse(data []byte) (*Server, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-references between sections.
func (s *Server) Validate() error {
	for name, engine := range s.Core.Indices {
		engineCopy := engine
		if err := engineCopy.Validate(); err != nil {
			return fmt.Errorf("index %q: %w", name, err)
		}
	}
	for alias, target := range s.Core.Aliases {
		if _, ok := s.Core.Indices[target]; !ok {
			return fmt.Errorf("%w: %q → %q", ErrAliasedIndex, alias, target)
		}
	}
	for name, consumerConfig := range s.Consumers {
		configCopy := consumerConfig
		if err := configCopy.Validate(); err != nil {
			return fmt.Errorf("consumer %q: %w", name, err)
		}
		if _, ok := s.Core.Indices[consumerConfig.IndexName]; !ok {
			return fmt.Errorf("consumer %q: unknown index %q", name, consumerConfig.IndexName)
		}
	}
	return nil
}

// Save persists the configuration to the path.
func (s *Server) Save(path string) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}

// Marshal renders the configuration as YAML.
func (s *Server) Marshal() ([]byte, error) {
	return yaml.Marshal(s)
}

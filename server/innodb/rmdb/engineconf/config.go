// Package engineconf loads rmdb storage-engine configuration from an ini
// file, mirroring server/conf.Cfg's Raw *ini.File + typed-fields + Load
// pattern.
package engineconf

import (
	"gopkg.in/ini.v1"
)

// PageSize is a build-time constant per spec.md §6; 4096 is the spec default.
const PageSize = 4096

// Cfg holds the tunables the disk manager, buffer pool and WAL consult.
type Cfg struct {
	Raw *ini.File

	DbRoot          string `default:"./data"`
	BufferPoolSize  int    `default:"1024"` // frame count, not bytes
	LogBufferSize   int    `default:"8192"` // bytes
	LockTableShards int    `default:"16"`
	JoinBufferPages int    `default:"4"` // total pages split between a block nested-loop join's two sides
}

// NewCfg returns a Cfg populated with defaults, matching conf.NewCfg's style.
func NewCfg() *Cfg {
	return &Cfg{
		Raw:             ini.Empty(),
		DbRoot:          "./data",
		BufferPoolSize:  1024,
		LogBufferSize:   8192,
		LockTableShards: 16,
		JoinBufferPages: 4,
	}
}

// Load overlays values found in the given ini file path onto the defaults.
// A missing or empty path is not an error: the defaults are used as-is,
// matching conf.Cfg.Load's tolerance for an unset -configPath flag.
func (c *Cfg) Load(path string) (*Cfg, error) {
	if path == "" {
		return c, nil
	}
	raw, err := ini.Load(path)
	if err != nil {
		return nil, err
	}
	c.Raw = raw
	sec := raw.Section("rmdb")
	if k := sec.Key("db_root"); k.String() != "" {
		c.DbRoot = k.String()
	}
	if v, err := sec.Key("buffer_pool_size").Int(); err == nil && v > 0 {
		c.BufferPoolSize = v
	}
	if v, err := sec.Key("log_buffer_size").Int(); err == nil && v > 0 {
		c.LogBufferSize = v
	}
	if v, err := sec.Key("lock_table_shards").Int(); err == nil && v > 0 {
		c.LockTableShards = v
	}
	if v, err := sec.Key("join_buffer_pages").Int(); err == nil && v > 0 {
		c.JoinBufferPages = v
	}
	return c, nil
}

package main

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/ndlib/strata"
	"github.com/ndlib/strata/compact"
	"github.com/ndlib/strata/retention"
	"github.com/ndlib/strata/store"
	"github.com/ndlib/strata/volume"
)

// Config is the contents of the configuration file. Sizes are strings so
// they may be written as "50MB" or "100 KiB".
//
//	[target]
//	url = "s3://bucket/home?region=us-east-2"
//	passphrase = "secret"
//
//	[database]
//	path = "/var/lib/strata/home.sqlite"
type Config struct {
	Target struct {
		URL         string `toml:"url"`
		Prefix      string `toml:"prefix"`
		Passphrase  string `toml:"passphrase"`
		Compression string `toml:"compression"`
		Concurrency int    `toml:"concurrency"`
	} `toml:"target"`

	Database struct {
		Path string `toml:"path"`
	} `toml:"database"`

	Volumes struct {
		Size      string `toml:"size"`
		BlockSize string `toml:"blocksize"`
	} `toml:"volumes"`

	Compact struct {
		Threshold         float64 `toml:"threshold"`
		SmallFileSize     string  `toml:"small-file-size"`
		SmallFileMaxCount int     `toml:"small-file-max-count"`
		AfterDelete       bool    `toml:"after-delete"`
	} `toml:"compact"`

	Retention struct {
		KeepVersions int    `toml:"keep-versions"`
		KeepTime     string `toml:"keep-time"`
		Policy       string `toml:"retention-policy"`
	} `toml:"retention"`

	SoftDelete struct {
		Enabled bool   `toml:"enabled"`
		Folder  string `toml:"folder"`
	} `toml:"softdelete"`

	Cache struct {
		Dir  string `toml:"dir"`
		Size string `toml:"size"`
	} `toml:"cache"`

	Server struct {
		Listen string `toml:"listen"`
		PProf  string `toml:"pprof"`
		Tokens string `toml:"tokens"` // path to a user list file
	} `toml:"server"`

	Sentry struct {
		DSN string `toml:"dsn"`
	} `toml:"sentry"`

	Log struct {
		Level string `toml:"level"`
		JSON  bool   `toml:"json"`
	} `toml:"log"`
}

// loadConfig reads the file at path. A missing file is not an error when
// the path was not given explicitly.
func loadConfig(path string, explicit bool) (*Config, error) {
	cfg := new(Config)
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) && !explicit {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, errors.Wrap(err, path)
	}
	return cfg, nil
}

func parseSize(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, errors.Wrap(err, s)
	}
	return int64(n), nil
}

// engineOptions translates the configuration into engine options.
func (c *Config) engineOptions() (strata.Options, error) {
	opts := strata.Options{
		Target:      c.Target.URL,
		Database:    c.Database.Path,
		Passphrase:  c.Target.Passphrase,
		Concurrency: c.Target.Concurrency,
		Volume: volume.Options{
			Prefix:      c.Target.Prefix,
			Compression: c.Target.Compression,
		},
		SoftDelete: store.RemoveOptions{
			Soft:   c.SoftDelete.Enabled,
			Folder: c.SoftDelete.Folder,
		},
		CacheDir: c.Cache.Dir,
	}
	switch {
	case opts.Target == "":
		return opts, errors.New("no target given")
	case opts.Database == "":
		return opts, errors.New("no database given")
	}
	var err error
	if opts.Volume.VolumeSize, err = parseSize(c.Volumes.Size); err != nil {
		return opts, err
	}
	bs, err := parseSize(c.Volumes.BlockSize)
	if err != nil {
		return opts, err
	}
	opts.Volume.BlockSize = int(bs)
	if opts.CacheSize, err = parseSize(c.Cache.Size); err != nil {
		return opts, err
	}
	return opts, nil
}

func (c *Config) compactParams() (compact.Params, error) {
	small, err := parseSize(c.Compact.SmallFileSize)
	return compact.Params{
		Threshold:         c.Compact.Threshold,
		SmallFileSize:     small,
		SmallFileMaxCount: c.Compact.SmallFileMaxCount,
	}, err
}

func (c *Config) retentionPolicy() (retention.Policy, error) {
	p := retention.Policy{KeepVersions: c.Retention.KeepVersions}
	var err error
	if p.KeepTime, err = retentionSpan(c.Retention.KeepTime); err != nil {
		return p, err
	}
	p.Rules, err = retentionRules(c.Retention.Policy)
	return p, err
}

func retentionSpan(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return retention.ParseSpan(s)
}

func retentionRules(s string) ([]retention.Rule, error) {
	if s == "" {
		return nil, nil
	}
	return retention.ParseRules(s)
}

// parseExpires reads a lock expiration, either an RFC 3339 time or a
// duration from now such as "2h" or "3D".
func parseExpires(s string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(d), nil
	}
	d, err := retention.ParseSpan(s)
	if err != nil {
		return time.Time{}, errors.Errorf("cannot parse expiration %q", s)
	}
	return now.Add(d), nil
}

package main

import (
	"io/ioutil"
	"path/filepath"
	"testing"
	"time"
)

const sampleConfig = `
[target]
url = "s3://bucket/home?region=us-east-2"
prefix = "home"
passphrase = "secret"

[database]
path = "/var/lib/strata/home.sqlite"

[volumes]
size = "25MB"
blocksize = "100KiB"

[compact]
threshold = 0.5
small-file-size = "2MB"

[retention]
keep-versions = 3
keep-time = "90D"
retention-policy = "7D:0s,4W:1W"

[cache]
dir = "/tmp/strata-cache"
size = "1GB"
`

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "strata.toml")
	if err := ioutil.WriteFile(path, []byte(sampleConfig), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := loadConfig(path, true)
	if err != nil {
		t.Fatalf("loadConfig() == %s, expected nil", err)
	}
	opts, err := cfg.engineOptions()
	if err != nil {
		t.Fatalf("engineOptions() == %s, expected nil", err)
	}
	if opts.Target != "s3://bucket/home?region=us-east-2" || opts.Volume.Prefix != "home" {
		t.Errorf("Received target %q prefix %q", opts.Target, opts.Volume.Prefix)
	}
	if opts.Volume.VolumeSize != 25000000 || opts.Volume.BlockSize != 100*1024 {
		t.Errorf("Received sizes %d, %d", opts.Volume.VolumeSize, opts.Volume.BlockSize)
	}
	if opts.CacheSize != 1000000000 {
		t.Errorf("Received cache size %d", opts.CacheSize)
	}

	p, err := cfg.compactParams()
	if err != nil || p.Threshold != 0.5 || p.SmallFileSize != 2000000 {
		t.Errorf("compactParams() == %+v, %v", p, err)
	}
	policy, err := cfg.retentionPolicy()
	if err != nil {
		t.Fatalf("retentionPolicy() == %s, expected nil", err)
	}
	if policy.KeepVersions != 3 || policy.KeepTime != 90*24*time.Hour || len(policy.Rules) != 2 {
		t.Errorf("retentionPolicy() == %+v", policy)
	}
}

func TestLoadConfigMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "none.toml")
	if _, err := loadConfig(path, false); err != nil {
		t.Errorf("loadConfig() == %s, expected nil", err)
	}
	if _, err := loadConfig(path, true); err == nil {
		t.Errorf("loadConfig() == nil, expected an error")
	}
	cfg, _ := loadConfig(path, false)
	if _, err := cfg.engineOptions(); err == nil {
		t.Errorf("engineOptions() == nil, expected an error for no target")
	}
}

func TestParseExpires(t *testing.T) {
	now := time.Date(2021, 3, 4, 5, 6, 7, 0, time.UTC)
	var table = []struct {
		input  string
		output time.Time
		ok     bool
	}{
		{"2030-01-02T03:04:05Z", time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC), true},
		{"90m", now.Add(90 * time.Minute), true},
		{"3D", now.Add(72 * time.Hour), true},
		{"1W", now.Add(7 * 24 * time.Hour), true},
		{"tomorrow", time.Time{}, false},
		{"", time.Time{}, false},
	}
	for _, row := range table {
		result, err := parseExpires(row.input, now)
		if (err == nil) != row.ok {
			t.Errorf("parseExpires(%q) error %v, expected ok %v", row.input, err, row.ok)
			continue
		}
		if !result.Equal(row.output) {
			t.Errorf("parseExpires(%q) == %v, expected %v", row.input, result, row.output)
		}
	}
}

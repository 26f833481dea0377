package volume

import (
	"encoding/json"
	"time"

	"github.com/antonholmquist/jason"
	"github.com/pkg/errors"

	"github.com/ndlib/strata/util"
)

// ManifestVersion is the current archive layout version.
const ManifestVersion = 2

// AppVersion is recorded in every manifest written.
const AppVersion = "strata 1.0"

const manifestEntry = "manifest"

// A Manifest is stored in every volume and records how it was written.
type Manifest struct {
	Version    int64
	Created    string
	Encoding   string
	Blocksize  int64
	BlockHash  string
	FileHash   string
	AppVersion string
}

func newManifest(blockSize int, when time.Time) Manifest {
	return Manifest{
		Version:    ManifestVersion,
		Created:    when.UTC().Format(TimeFormat),
		Encoding:   "utf8",
		Blocksize:  int64(blockSize),
		BlockHash:  util.HashName,
		FileHash:   util.HashName,
		AppVersion: AppVersion,
	}
}

func (m Manifest) marshal() ([]byte, error) {
	return json.Marshal(m)
}

// ParseManifest decodes and validates a manifest.
func ParseManifest(data []byte) (Manifest, error) {
	var m Manifest
	obj, err := jason.NewObjectFromBytes(data)
	if err != nil {
		return m, errors.Wrap(err, "manifest")
	}
	if m.Version, err = obj.GetInt64("Version"); err != nil {
		return m, errors.Wrap(err, "manifest Version")
	}
	if m.Version < 1 || m.Version > ManifestVersion {
		return m, errors.Errorf("unsupported manifest version %d", m.Version)
	}
	if m.Blocksize, err = obj.GetInt64("Blocksize"); err != nil {
		return m, errors.Wrap(err, "manifest Blocksize")
	}
	if m.BlockHash, err = obj.GetString("BlockHash"); err != nil {
		return m, errors.Wrap(err, "manifest BlockHash")
	}
	if m.BlockHash != util.HashName {
		return m, errors.Errorf("unsupported block hash %s", m.BlockHash)
	}
	// the rest is informational
	m.Created, _ = obj.GetString("Created")
	m.Encoding, _ = obj.GetString("Encoding")
	m.FileHash, _ = obj.GetString("FileHash")
	m.AppVersion, _ = obj.GetString("AppVersion")
	return m, nil
}

package volume

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Type distinguishes the three kinds of remote volume.
type Type int

const (
	Blocks Type = iota // dblock: raw block payloads
	Index              // dindex: summary of one or more dblocks plus blocklists
	Files              // dlist: the manifest of one fileset
)

var typeNames = []string{"Blocks", "Index", "Files"}
var typeMarkers = []string{"b", "i", "l"}

func (t Type) String() string {
	if t < 0 || int(t) >= len(typeNames) {
		return fmt.Sprintf("Type(%d)", int(t))
	}
	return typeNames[t]
}

// Marker returns the single letter used for t in file names.
func (t Type) Marker() string {
	return typeMarkers[t]
}

// ParseType converts the result of String back into a Type.
func ParseType(s string) (Type, error) {
	for i, n := range typeNames {
		if n == s {
			return Type(i), nil
		}
	}
	return 0, errors.Errorf("unknown volume type %q", s)
}

// TimeFormat is the layout of the timestamp inside volume names.
const TimeFormat = "20060102150405"

// ErrBadName is returned for file names not following the volume grammar.
var ErrBadName = errors.New("not a volume file name")

var nameRE = regexp.MustCompile(`^(.+)-([bil])-([0-9a-f]{32})-(\d{14})\.([a-z0-9]+)(?:\.([a-z0-9]+))?$`)

// Name is a parsed volume file name:
//
//	{prefix}-{b|i|l}-{guid}-{yyyyMMddHHmmss}.{compression}[.{encryption}]
type Name struct {
	Prefix      string
	Type        Type
	GUID        string
	Time        time.Time
	Compression string
	Encryption  string
}

// ParseName parses a volume file name. Times are in UTC.
func ParseName(s string) (Name, error) {
	m := nameRE.FindStringSubmatch(s)
	if m == nil {
		return Name{}, errors.Wrap(ErrBadName, s)
	}
	when, err := time.ParseInLocation(TimeFormat, m[4], time.UTC)
	if err != nil {
		return Name{}, errors.Wrap(ErrBadName, s)
	}
	n := Name{
		Prefix:      m[1],
		GUID:        m[3],
		Time:        when,
		Compression: m[5],
		Encryption:  m[6],
	}
	n.Type = Type(strings.Index("bil", m[2]))
	return n, nil
}

// NewName makes a fresh name for a volume of type t created at when.
func NewName(prefix string, t Type, when time.Time, compression, encryption string) Name {
	return Name{
		Prefix:      prefix,
		Type:        t,
		GUID:        strings.Replace(uuid.New().String(), "-", "", -1),
		Time:        when.UTC().Truncate(time.Second),
		Compression: compression,
		Encryption:  encryption,
	}
}

func (n Name) String() string {
	s := fmt.Sprintf("%s-%s-%s-%s.%s", n.Prefix, n.Type.Marker(), n.GUID, n.Time.UTC().Format(TimeFormat), n.Compression)
	if n.Encryption != "" {
		s += "." + n.Encryption
	}
	return s
}

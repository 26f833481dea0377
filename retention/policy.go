package retention

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/ndlib/strata/localdb"
)

// Policy decides which filesets to delete. Every rule which is set applies;
// a fileset is deleted when any of them selects it. The newest fileset is
// never deleted.
type Policy struct {
	// KeepVersions keeps this many of the newest full filesets.
	KeepVersions int

	// KeepTime deletes filesets older than this.
	KeepTime time.Duration

	// Versions deletes explicit versions, 0 being the newest.
	Versions []int

	// Rules thins out filesets by age, see ParseRules.
	Rules []Rule
}

// Rule keeps one fileset per Interval among the filesets at most
// Timeframe old. A zero Timeframe has no age limit and a zero Interval
// keeps every fileset.
type Rule struct {
	Timeframe time.Duration
	Interval  time.Duration
}

// Lengths of the units used in rules. Months and years are approximate.
var units = map[byte]time.Duration{
	's': time.Second,
	'm': time.Minute,
	'h': time.Hour,
	'D': 24 * time.Hour,
	'W': 7 * 24 * time.Hour,
	'M': 30 * 24 * time.Hour,
	'Y': 365 * 24 * time.Hour,
}

// ErrBadRule is returned for retention rules which cannot be parsed.
var ErrBadRule = errors.New("bad retention rule")

// ParseRules parses a comma separated list of timeframe:interval pairs,
// e.g. "7D:0s,4W:1W,12M:1M,U:1Y". Durations are a number followed by one of
// s m h D W M Y; "U" means unlimited.
func ParseRules(s string) ([]Rule, error) {
	var result []Rule
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.Split(part, ":")
		if len(fields) != 2 {
			return nil, errors.Wrap(ErrBadRule, part)
		}
		frame, err := ParseSpan(fields[0])
		if err != nil {
			return nil, err
		}
		interval, err := ParseSpan(fields[1])
		if err != nil {
			return nil, err
		}
		result = append(result, Rule{Timeframe: frame, Interval: interval})
	}
	return result, nil
}

// ParseSpan parses one duration in the unit syntax of ParseRules. "U"
// gives 0.
func ParseSpan(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "U" {
		return 0, nil
	}
	if len(s) < 2 {
		return 0, errors.Wrap(ErrBadRule, s)
	}
	unit, ok := units[s[len(s)-1]]
	if !ok {
		return 0, errors.Wrap(ErrBadRule, s)
	}
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n < 0 {
		return 0, errors.Wrap(ErrBadRule, s)
	}
	return time.Duration(n) * unit, nil
}

// Select returns the ids of the filesets the policy deletes. filesets must
// be ordered newest first.
func (p Policy) Select(filesets []localdb.Fileset, now time.Time) map[int64]bool {
	remove := make(map[int64]bool)
	if len(filesets) == 0 {
		return remove
	}
	for _, v := range p.Versions {
		if v >= 0 && v < len(filesets) {
			remove[filesets[v].ID] = true
		}
	}
	if p.KeepTime > 0 {
		cutoff := now.Add(-p.KeepTime)
		for _, fs := range filesets {
			if fs.Timestamp.Before(cutoff) {
				remove[fs.ID] = true
			}
		}
	}
	// partial filesets older than the newest full one are superseded
	newestFull := -1
	for i, fs := range filesets {
		if fs.IsFullBackup {
			newestFull = i
			break
		}
	}
	if newestFull >= 0 {
		for _, fs := range filesets[newestFull+1:] {
			if !fs.IsFullBackup {
				remove[fs.ID] = true
			}
		}
	}
	if p.KeepVersions > 0 {
		kept := 0
		for _, fs := range filesets {
			if !fs.IsFullBackup {
				continue
			}
			if kept >= p.KeepVersions {
				remove[fs.ID] = true
			}
			kept++
		}
	}
	if len(p.Rules) > 0 {
		p.applyRules(filesets, now, remove)
	}
	delete(remove, filesets[0].ID)
	return remove
}

// applyRules assigns each fileset to the shortest timeframe containing it
// and, oldest first, keeps one per interval. Filesets older than every
// timeframe are deleted.
func (p Policy) applyRules(filesets []localdb.Fileset, now time.Time, remove map[int64]bool) {
	rules := append([]Rule(nil), p.Rules...)
	sort.SliceStable(rules, func(i, j int) bool {
		a, b := rules[i].Timeframe, rules[j].Timeframe
		if a == 0 || b == 0 {
			return b == 0 && a != 0
		}
		return a < b
	})
	groups := make([][]localdb.Fileset, len(rules))
	for i := len(filesets) - 1; i >= 0; i-- {
		fs := filesets[i]
		age := now.Sub(fs.Timestamp)
		placed := false
		for j, r := range rules {
			if r.Timeframe == 0 || age <= r.Timeframe {
				groups[j] = append(groups[j], fs)
				placed = true
				break
			}
		}
		if !placed {
			remove[fs.ID] = true
		}
	}
	for j, group := range groups {
		var last time.Time
		for _, fs := range group {
			if rules[j].Interval == 0 || last.IsZero() || fs.Timestamp.Sub(last) >= rules[j].Interval {
				last = fs.Timestamp
				continue
			}
			remove[fs.ID] = true
		}
	}
}

package logtail

import "strings"

var levelRank = map[string]int{
	"debug":  0,
	"info":   1,
	"warn":   2,
	"error":  3,
	"dpanic": 4,
	"panic":  5,
	"fatal":  6,
}

// Filter selects lines by subsystem and minimum level. The zero Filter
// matches everything.
type Filter struct {
	Subsystem string
	MinLevel  string
}

// Match reports whether l passes f. Lines without a level only pass a
// filter that sets no level.
func (f Filter) Match(l Line) bool {
	if f.Subsystem != "" && !strings.EqualFold(f.Subsystem, l.Subsystem) {
		return false
	}
	if f.MinLevel == "" {
		return true
	}
	min, ok := levelRank[strings.ToLower(f.MinLevel)]
	if !ok {
		return true
	}
	got, ok := levelRank[l.Level]
	return ok && got >= min
}

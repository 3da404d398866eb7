package repository

import (
	"babyview-pipeline/constant"
	"babyview-pipeline/entities"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

var ErrUnknownFilterKey = errors.New("unknown filter key")

const (
	DefaultRecentDays = 7

	cutoffLayout = "2006-01-02"
)

// Predicate selects tracking rows. The same predicate renders as an Airtable
// formula, as a SQL where-fragment and evaluates in memory.
type Predicate interface {
	Formula() string
	SQL() (string, []any)
	Match(fields map[string]any) bool
}

// RunFilter is the operator's selection for one run.
type RunFilter struct {
	Key        string
	Values     []string
	Recent     bool
	RecentDays int
	Now        time.Time
}

// BuildRunFilter ANDs the base status exclusion with the optional recency
// window and field filter.
func BuildRunFilter(f RunFilter) (Predicate, error) {
	parts := []Predicate{StatusNotIn(constant.ExcludedFromRuns()...)}

	if f.Recent {
		days := f.RecentDays
		if days <= 0 {
			days = DefaultRecentDays
		}
		now := f.Now
		if now.IsZero() {
			now = time.Now()
		}
		parts = append(parts, RecentWithin("logging_date", days, now))
	}

	if f.Key != "" {
		field, err := FieldFilter(f.Key, f.Values)
		if err != nil {
			return nil, err
		}
		parts = append(parts, field)
	}

	return AllOf(parts...), nil
}

// FieldFilter is equality for one value, an OR of equalities for several and
// an emptiness check for none.
func FieldFilter(key string, values []string) (Predicate, error) {
	if !slices.Contains(constant.FilterKeys, key) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFilterKey, key)
	}

	var clean []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			clean = append(clean, v)
		}
	}

	switch len(clean) {
	case 0:
		return FieldEmpty(key), nil
	case 1:
		return Equals(key, clean[0]), nil
	}
	alts := make([]Predicate, 0, len(clean))
	for _, v := range clean {
		alts = append(alts, Equals(key, v))
	}
	return AnyOf(alts...), nil
}

// statusSet matches rows by status, accepting every known spelling of each
// status case-insensitively.
type statusSet struct {
	statuses []constant.VideoStatus
	negate   bool
}

func StatusNotIn(statuses ...constant.VideoStatus) Predicate {
	return statusSet{statuses: statuses, negate: true}
}

// StatusIs matches rows carrying status s.
func StatusIs(s constant.VideoStatus) Predicate {
	return statusSet{statuses: []constant.VideoStatus{s}}
}

func (p statusSet) spellings() []string {
	var out []string
	for _, s := range p.statuses {
		out = append(out, s.Spellings()...)
	}
	return out
}

func (p statusSet) Formula() string {
	spellings := p.spellings()
	parts := make([]string, 0, len(spellings))
	for _, v := range spellings {
		parts = append(parts, fmt.Sprintf("LOWER(TRIM({status})) = %s", quote(v)))
	}
	alts := "OR(" + strings.Join(parts, ", ") + ")"
	if p.negate {
		return "NOT(" + alts + ")"
	}
	return alts
}

func (p statusSet) SQL() (string, []any) {
	if p.negate {
		return "(status IS NULL OR LOWER(TRIM(status)) NOT IN ?)", []any{p.spellings()}
	}
	return "LOWER(TRIM(status)) IN ?", []any{p.spellings()}
}

func (p statusSet) Match(fields map[string]any) bool {
	status, ok := constant.ParseVideoStatus(fieldString(fields, "status"))
	in := ok && slices.Contains(p.statuses, status)
	if p.negate {
		return !in
	}
	return in
}

type equals struct {
	key   string
	value string
}

func Equals(key, value string) Predicate {
	return equals{key: key, value: value}
}

func (p equals) Formula() string {
	return fmt.Sprintf("{%s} = %s", p.key, quote(p.value))
}

func (p equals) SQL() (string, []any) {
	return p.key + " = ?", []any{p.value}
}

func (p equals) Match(fields map[string]any) bool {
	return fieldString(fields, p.key) == p.value
}

type fieldEmpty struct {
	key    string
	negate bool
}

func FieldEmpty(key string) Predicate {
	return fieldEmpty{key: key}
}

func FieldNotEmpty(key string) Predicate {
	return fieldEmpty{key: key, negate: true}
}

func (p fieldEmpty) Formula() string {
	if p.negate {
		return fmt.Sprintf("{%s} != BLANK()", p.key)
	}
	return fmt.Sprintf("{%s} = BLANK()", p.key)
}

func (p fieldEmpty) SQL() (string, []any) {
	if p.negate {
		return fmt.Sprintf("(%s IS NOT NULL AND %s <> '')", p.key, p.key), nil
	}
	return fmt.Sprintf("(%s IS NULL OR %s = '')", p.key, p.key), nil
}

func (p fieldEmpty) Match(fields map[string]any) bool {
	empty := fieldString(fields, p.key) == ""
	if p.negate {
		return !empty
	}
	return empty
}

// dateWindow compares a date field with a day-granular cutoff. after keeps
// rows on or after the cutoff, otherwise rows on or before it.
type dateWindow struct {
	key    string
	cutoff time.Time
	after  bool
}

// RecentWithin keeps rows whose key is within the last days days. The cutoff
// day itself is included.
func RecentWithin(key string, days int, now time.Time) Predicate {
	return dateWindow{key: key, cutoff: cutoffDay(now, days), after: true}
}

// OlderThan keeps rows whose key is at least days days old.
func OlderThan(key string, days int, now time.Time) Predicate {
	return dateWindow{key: key, cutoff: cutoffDay(now, days)}
}

func cutoffDay(now time.Time, days int) time.Time {
	d := now.AddDate(0, 0, -days)
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
}

func (p dateWindow) Formula() string {
	cutoff := fmt.Sprintf("DATETIME_PARSE('%s', 'YYYY-MM-DD')", p.cutoff.Format(cutoffLayout))
	cmp := "IS_BEFORE"
	if p.after {
		cmp = "IS_AFTER"
	}
	return fmt.Sprintf("AND({%[1]s} != BLANK(), OR(%[2]s({%[1]s}, %[3]s), IS_SAME({%[1]s}, %[3]s, 'day')))", p.key, cmp, cutoff)
}

func (p dateWindow) SQL() (string, []any) {
	op := "<="
	if p.after {
		op = ">="
	}
	return fmt.Sprintf("(%[1]s IS NOT NULL AND %[1]s <> '' AND LEFT(%[1]s, 10) %[2]s ?)", p.key, op), []any{p.cutoff.Format(cutoffLayout)}
}

func (p dateWindow) Match(fields map[string]any) bool {
	d, err := entities.ParseDate(fieldString(fields, p.key))
	if err != nil {
		return false
	}
	if p.after {
		return !d.Before(p.cutoff)
	}
	return !d.After(p.cutoff)
}

type allOf struct {
	parts []Predicate
}

func AllOf(parts ...Predicate) Predicate {
	return allOf{parts: parts}
}

func (p allOf) Formula() string {
	if len(p.parts) == 1 {
		return p.parts[0].Formula()
	}
	return "AND(" + joinFormulas(p.parts) + ")"
}

func (p allOf) SQL() (string, []any) {
	return joinSQL(p.parts, " AND ")
}

func (p allOf) Match(fields map[string]any) bool {
	for _, part := range p.parts {
		if !part.Match(fields) {
			return false
		}
	}
	return true
}

type anyOf struct {
	parts []Predicate
}

func AnyOf(parts ...Predicate) Predicate {
	return anyOf{parts: parts}
}

func (p anyOf) Formula() string {
	if len(p.parts) == 1 {
		return p.parts[0].Formula()
	}
	return "OR(" + joinFormulas(p.parts) + ")"
}

func (p anyOf) SQL() (string, []any) {
	return joinSQL(p.parts, " OR ")
}

func (p anyOf) Match(fields map[string]any) bool {
	for _, part := range p.parts {
		if part.Match(fields) {
			return true
		}
	}
	return false
}

func joinFormulas(parts []Predicate) string {
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		out = append(out, part.Formula())
	}
	return strings.Join(out, ", ")
}

func joinSQL(parts []Predicate, sep string) (string, []any) {
	if len(parts) == 0 {
		return "1 = 1", nil
	}
	clauses := make([]string, 0, len(parts))
	var args []any
	for _, part := range parts {
		clause, a := part.SQL()
		clauses = append(clauses, clause)
		args = append(args, a...)
	}
	return "(" + strings.Join(clauses, sep) + ")", args
}

func quote(v string) string {
	return "'" + strings.ReplaceAll(v, "'", `\'`) + "'"
}

func fieldString(fields map[string]any, key string) string {
	switch v := fields[key].(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case float64:
		if v == 0 {
			return ""
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		if !v {
			return ""
		}
		return "true"
	case []string:
		return strings.Join(v, ",")
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			parts = append(parts, fmt.Sprint(item))
		}
		return strings.Join(parts, ",")
	default:
		return fmt.Sprint(v)
	}
}

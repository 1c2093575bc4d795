package validator

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Type names a field normalization rule.
type Type string

const (
	TypeText  Type = "text" // whitespace-trimmed passthrough
	TypeName  Type = "name"
	TypeDate  Type = "date"
	TypeClass Type = "class"
	TypeDay   Type = "day"
	TypeMonth Type = "month"
	TypeYear  Type = "year"
)

const (
	maxNameRunes   = 50
	classFallback  = 4
	defaultCentury = 2000
)

var (
	datePattern  = regexp.MustCompile(`(\d{1,2})\s*[./\-\s]\s*(\d{1,2})\s*[./\-\s]\s*(\d{2,4})`)
	classPattern = regexp.MustCompile(`\d{1,2}[A-Z]\d?`)
	digitRun     = regexp.MustCompile(`\d+`)
	nonDigit     = regexp.MustCompile(`\D`)
)

// wellKnown maps the field names of the school enrolment form to their rule.
var wellKnown = map[string]Type{
	"ho_ten":    TypeName,
	"ngay_sinh": TypeDate,
	"lop":       TypeClass,
	"ngay":      TypeDay,
	"thang":     TypeMonth,
	"nam":       TypeYear,
}

// ParseType parses a declared validator name. Empty means TypeText.
func ParseType(s string) (Type, error) {
	switch t := Type(strings.ToLower(strings.TrimSpace(s))); t {
	case "", "passthrough":
		return TypeText, nil
	case TypeText, TypeName, TypeDate, TypeClass, TypeDay, TypeMonth, TypeYear:
		return t, nil
	default:
		return "", fmt.Errorf("unknown validator type %q", s)
	}
}

// InferType returns the rule for a well-known field name, else TypeText.
func InferType(field string) Type {
	if t, ok := wellKnown[strings.ToLower(field)]; ok {
		return t
	}
	return TypeText
}

// Numeric reports whether values of t are digits and separators.
func (t Type) Numeric() bool {
	switch t {
	case TypeDate, TypeDay, TypeMonth, TypeYear:
		return true
	}
	return false
}

// Result is a normalized field value. Valid is false when the input could not
// be normalized; an empty input is a valid empty value.
type Result struct {
	Value string
	Valid bool
}

// Validate normalizes raw according to t.
func Validate(t Type, raw string) Result {
	text := strings.TrimSpace(raw)
	if text == "" {
		return Result{Valid: true}
	}

	switch t {
	case TypeName:
		return Result{Value: Name(text), Valid: true}
	case TypeDate:
		v, ok := Date(text)
		return Result{Value: v, Valid: ok}
	case TypeClass:
		v, ok := Class(text)
		return Result{Value: v, Valid: ok}
	case TypeDay:
		v, ok := Day(text)
		return Result{Value: v, Valid: ok}
	case TypeMonth:
		v, ok := Month(text)
		return Result{Value: v, Valid: ok}
	case TypeYear:
		v, ok := Year(text)
		return Result{Value: v, Valid: ok}
	default:
		return Result{Value: text, Valid: true}
	}
}

// Date normalizes text to DD/MM/YYYY. Eight digits read as DDMMYYYY; otherwise
// day, month and year groups are taken from the first separated triple. Dates
// that do not exist on the calendar yield "" and false.
func Date(text string) (string, bool) {
	var day, month, year int

	if digits := nonDigit.ReplaceAllString(text, ""); len(digits) == 8 {
		day, _ = strconv.Atoi(digits[0:2])
		month, _ = strconv.Atoi(digits[2:4])
		year, _ = strconv.Atoi(digits[4:8])
	} else {
		m := datePattern.FindStringSubmatch(text)
		if m == nil {
			return "", false
		}
		day, _ = strconv.Atoi(m[1])
		month, _ = strconv.Atoi(m[2])
		year, _ = strconv.Atoi(m[3])
		if year < 100 {
			year += defaultCentury
		}
	}

	if !calendarDate(day, month, year) {
		return "", false
	}
	return fmt.Sprintf("%02d/%02d/%04d", day, month, year), true
}

// calendarDate reports whether day/month/year names a real date.
func calendarDate(day, month, year int) bool {
	if month < 1 || month > 12 || day < 1 || year < 1 {
		return false
	}
	d := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	return d.Day() == day && int(d.Month()) == month && d.Year() == year
}

// Class extracts a class code such as "6A1". The letter must be uppercase as
// read. Without a match the first few characters are kept and the value is
// marked invalid.
func Class(text string) (string, bool) {
	if m := classPattern.FindString(text); m != "" {
		return m, true
	}
	return truncateRunes(text, classFallback), false
}

// Name drops repeated tokens, keeping first-seen order, title-cases each token
// and truncates the result.
func Name(text string) string {
	caser := cases.Title(language.Vietnamese)

	seen := make(map[string]bool)
	tokens := make([]string, 0, 4)
	for _, tok := range strings.Fields(text) {
		if seen[tok] {
			continue
		}
		seen[tok] = true
		tokens = append(tokens, caser.String(tok))
	}
	return truncateRunes(strings.Join(tokens, " "), maxNameRunes)
}

// Day returns the first run of digits.
func Day(text string) (string, bool) {
	run := digitRun.FindString(text)
	return run, run != ""
}

// Month returns the first run of digits clamped to [1, 12].
func Month(text string) (string, bool) {
	run := digitRun.FindString(text)
	if run == "" {
		return "", false
	}
	month, err := strconv.Atoi(run)
	if err != nil || month > 12 {
		month = 12
	}
	if month < 1 {
		month = 1
	}
	return strconv.Itoa(month), true
}

// Year returns the first run of digits as a 4-digit year. Two-digit years are
// placed in the default century; longer runs keep their last four digits.
func Year(text string) (string, bool) {
	run := digitRun.FindString(text)
	if run == "" {
		return "", false
	}
	if len(run) <= 2 {
		y, _ := strconv.Atoi(run)
		return strconv.Itoa(defaultCentury + y), true
	}
	if len(run) > 4 {
		run = run[len(run)-4:]
	}
	y, _ := strconv.Atoi(run)
	return fmt.Sprintf("%04d", y), true
}

func truncateRunes(s string, n int) string {
	s = strings.TrimRightFunc(s, unicode.IsSpace)
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

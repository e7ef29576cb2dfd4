// Package validation provides centralized input validation for statehist.
//
// Attribute paths arrive from scripts, the command line and the shell as
// slash-separated strings. Everything that turns such a string into path
// segments goes through this package.
package validation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/xtxerr/statehist/internal/errors"
)

// PathSeparator separates attribute path segments in their string form.
const PathSeparator = "/"

// Pattern segments understood by attribute matching.
const (
	WildcardSegment = "*"
	ParentSegment   = ".."
)

// MaxSegmentLength bounds one attribute name.
const MaxSegmentLength = 1024

// =============================================================================
// Segment Validation
// =============================================================================

// SegmentRules defines the validation rules for attribute names.
type SegmentRules struct {
	MaxLength     int
	AllowPatterns bool
}

// CreateRules returns the rules for names of attributes being created.
// Pattern segments are reserved and cannot name an attribute.
func CreateRules() SegmentRules {
	return SegmentRules{MaxLength: MaxSegmentLength}
}

// PatternRules returns the rules for segments of a lookup pattern.
func PatternRules() SegmentRules {
	return SegmentRules{MaxLength: MaxSegmentLength, AllowPatterns: true}
}

// ValidateSegment validates a single attribute name according to the given rules.
func ValidateSegment(name string, rules SegmentRules) error {
	if name == "" {
		return fmt.Errorf("empty attribute name: %w", errors.ErrInvalidPath)
	}
	if len(name) > rules.MaxLength {
		return fmt.Errorf("attribute name too long: maximum %d bytes allowed: %w", rules.MaxLength, errors.ErrInvalidPath)
	}

	if !rules.AllowPatterns && (name == WildcardSegment || name == ParentSegment) {
		return fmt.Errorf("attribute name cannot be '%s': %w", name, errors.ErrInvalidPath)
	}

	for i, r := range name {
		if r < 32 || r == 127 {
			return fmt.Errorf("attribute name cannot contain control characters at position %d: %w", i, errors.ErrInvalidPath)
		}
		if r == '/' {
			return fmt.Errorf("attribute name cannot contain '/' at position %d: %w", i, errors.ErrInvalidPath)
		}
	}

	return nil
}

// ValidatePath validates every segment of a path.
func ValidatePath(segments []string, rules SegmentRules) error {
	if len(segments) == 0 {
		return fmt.Errorf("empty attribute path: %w", errors.ErrInvalidPath)
	}
	for i, s := range segments {
		if err := ValidateSegment(s, rules); err != nil {
			return fmt.Errorf("segment %d: %w", i, err)
		}
	}
	return nil
}

// =============================================================================
// Path Parsing
// =============================================================================

// SplitPath splits a slash-separated path into segments without validating
// them. Leading and trailing separators are ignored.
func SplitPath(path string) []string {
	path = strings.Trim(strings.TrimSpace(path), PathSeparator)
	if path == "" {
		return nil
	}
	return strings.Split(path, PathSeparator)
}

// ParsePath parses "CPUs/0/Status" into segments valid for attribute creation.
func ParsePath(path string) ([]string, error) {
	segments := SplitPath(path)
	if err := ValidatePath(segments, CreateRules()); err != nil {
		return nil, fmt.Errorf("path %q: %w", path, err)
	}
	return segments, nil
}

// ParsePattern parses a lookup pattern such as "Threads/*/Status".
func ParsePattern(pattern string) ([]string, error) {
	segments := SplitPath(pattern)
	if err := ValidatePath(segments, PatternRules()); err != nil {
		return nil, fmt.Errorf("pattern %q: %w", pattern, err)
	}
	return segments, nil
}

// JoinPath is the inverse of SplitPath.
func JoinPath(segments []string) string {
	return strings.Join(segments, PathSeparator)
}

// IsPattern reports whether any segment needs pattern matching.
func IsPattern(segments []string) bool {
	for _, s := range segments {
		if s == WildcardSegment || s == ParentSegment {
			return true
		}
	}
	return false
}

// =============================================================================
// Regular Expressions
// =============================================================================

// CompileNameFilter compiles a regular expression used to filter attribute
// names. An empty expression matches everything.
func CompileNameFilter(expr string) (*regexp.Regexp, error) {
	if expr == "" {
		return nil, nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("name filter %q: %w: %v", expr, errors.ErrInvalidPath, err)
	}
	return re, nil
}

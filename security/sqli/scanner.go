package sqli

import (
	"context"
	"regexp"
	"strings"
	"time"
)

// ScanType indicates what is being scanned.
type ScanType string

const (
	// ScanTypeTemplate is statement text that will be parsed by a backend.
	ScanTypeTemplate ScanType = "template"

	// ScanTypeLiteral is a value bound as a parameter. It is never parsed
	// as SQL, so detections are reported but do not block.
	ScanTypeLiteral ScanType = "literal"
)

// Category classifies the type of SQL injection detected.
type Category string

const (
	// CategoryRawLiteral represents a literal value spliced into statement text.
	CategoryRawLiteral Category = "raw_literal"

	// CategoryUnionBased represents UNION-based SQL injection.
	CategoryUnionBased Category = "union_based"

	// CategoryBooleanBlind represents boolean-based blind SQL injection.
	CategoryBooleanBlind Category = "boolean_blind"

	// CategoryTimeBased represents time-based blind SQL injection.
	CategoryTimeBased Category = "time_based"

	// CategoryStackedQueries represents stacked queries SQL injection.
	CategoryStackedQueries Category = "stacked_queries"

	// CategoryCommentInjection represents comment-based SQL injection.
	CategoryCommentInjection Category = "comment_injection"

	// CategoryGeneric represents generic SQL injection patterns.
	CategoryGeneric Category = "generic"

	// CategoryDangerousQuery represents DDL and privilege operations.
	CategoryDangerousQuery Category = "dangerous_query"
)

// Result represents the outcome of a SQL injection scan.
type Result struct {
	// Detected indicates whether a pattern matched.
	Detected bool `json:"detected"`

	// Blocked indicates whether the content must be rejected (vs just logged).
	Blocked bool `json:"blocked"`

	// Pattern is the pattern that matched (if detected).
	Pattern string `json:"pattern,omitempty"`

	// Category classifies the match.
	Category Category `json:"category,omitempty"`

	// Severity of the matched pattern (1-10).
	Severity int `json:"severity,omitempty"`

	// Input is a sanitized snippet of the scanned content (for logging).
	Input string `json:"input,omitempty"`

	// ScanType indicates what was scanned.
	ScanType ScanType `json:"scan_type"`

	// Duration is how long the scan took.
	Duration time.Duration `json:"duration_ns"`
}

// Scanner is the interface for SQL injection detection.
type Scanner interface {
	// Scan checks the content for injection patterns.
	Scan(ctx context.Context, content string, scanType ScanType) *Result
}

// BasicScanner implements pattern-based SQL injection detection.
type BasicScanner struct {
	patterns    *PatternSet
	maxInputLen int
	snippetLen  int
	minSeverity int
}

// BasicScannerOption is a functional option for configuring BasicScanner.
type BasicScannerOption func(*BasicScanner)

// WithPatternSet sets a custom pattern set for the scanner.
func WithPatternSet(ps *PatternSet) BasicScannerOption {
	return func(s *BasicScanner) {
		s.patterns = ps
	}
}

// WithMaxInputLength sets the maximum input length to scan.
func WithMaxInputLength(maxLen int) BasicScannerOption {
	return func(s *BasicScanner) {
		s.maxInputLen = maxLen
	}
}

// WithSnippetLength sets the length of the input snippet in results.
func WithSnippetLength(length int) BasicScannerOption {
	return func(s *BasicScanner) {
		s.snippetLen = length
	}
}

// WithMinSeverity ignores patterns below the given severity.
func WithMinSeverity(severity int) BasicScannerOption {
	return func(s *BasicScanner) {
		s.minSeverity = severity
	}
}

// NewBasicScanner creates a new basic scanner with the given options.
func NewBasicScanner(opts ...BasicScannerOption) *BasicScanner {
	s := &BasicScanner{
		patterns:    NewPatternSet(),
		maxInputLen: 65536,
		snippetLen:  100,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Scan checks the content against the pattern set. Template scans block on
// any match; literal scans skip structural patterns and never block.
func (s *BasicScanner) Scan(ctx context.Context, content string, scanType ScanType) *Result {
	start := time.Now()

	select {
	case <-ctx.Done():
		// fail closed for templates: an unscanned statement is not safe
		return &Result{
			Detected: scanType == ScanTypeTemplate,
			Blocked:  scanType == ScanTypeTemplate,
			Pattern:  "scan_cancelled",
			ScanType: scanType,
			Duration: time.Since(start),
		}
	default:
	}

	if len(content) > s.maxInputLen {
		content = content[:s.maxInputLen]
	}

	for _, pattern := range s.patterns.Patterns() {
		if pattern.Severity < s.minSeverity {
			continue
		}
		if pattern.TemplateOnly && scanType != ScanTypeTemplate {
			continue
		}
		if pattern.Regex.MatchString(content) {
			return &Result{
				Detected: true,
				Blocked:  scanType == ScanTypeTemplate,
				Pattern:  pattern.Name,
				Category: pattern.Category,
				Severity: pattern.Severity,
				Input:    s.sanitizeInput(content),
				ScanType: scanType,
				Duration: time.Since(start),
			}
		}
	}

	return &Result{
		ScanType: scanType,
		Duration: time.Since(start),
	}
}

// sanitizeInput creates a safe snippet of the input for logging.
func (s *BasicScanner) sanitizeInput(input string) string {
	if len(input) <= s.snippetLen {
		return sanitizeForLog(input)
	}
	return sanitizeForLog(input[:s.snippetLen]) + "..."
}

// Precompiled masking regexes for performance
var (
	passwordMaskRegex = regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[=:]\s*['"]?[^'"\s]+['"]?`)
	apiKeyMaskRegex   = regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key)\s*[=:]\s*['"]?[^'"\s]+['"]?`)
	tokenMaskRegex    = regexp.MustCompile(`(?i)(token|bearer)\s*[=:]\s*['"]?[^'"\s]+['"]?`)
)

// sanitizeForLog removes or masks sensitive patterns in the input.
func sanitizeForLog(input string) string {
	input = strings.ReplaceAll(input, "\n", " ")
	input = strings.ReplaceAll(input, "\r", " ")

	input = passwordMaskRegex.ReplaceAllString(input, "[REDACTED_PASSWORD]")
	input = apiKeyMaskRegex.ReplaceAllString(input, "[REDACTED_KEY]")
	input = tokenMaskRegex.ReplaceAllString(input, "[REDACTED_TOKEN]")

	return input
}

package sqli

import (
	"regexp"
)

// Pattern represents a SQL injection detection pattern.
type Pattern struct {
	// Name is a human-readable identifier for the pattern.
	Name string

	// Category classifies the type of SQL injection this pattern detects.
	Category Category

	// Regex is the compiled regular expression.
	Regex *regexp.Regexp

	// Description explains what this pattern detects.
	Description string

	// Severity indicates the risk level (1-10).
	Severity int

	// TemplateOnly patterns describe statement structure. They are
	// meaningless inside a bound literal and are skipped for literal scans.
	TemplateOnly bool
}

// PatternSet holds a collection of SQL injection patterns.
type PatternSet struct {
	patterns []*Pattern
}

// NewPatternSet creates a new pattern set with the default patterns.
func NewPatternSet() *PatternSet {
	return &PatternSet{
		patterns: defaultPatterns(),
	}
}

// NewCustomPatternSet creates a pattern set from the given patterns.
func NewCustomPatternSet(patterns ...*Pattern) *PatternSet {
	return &PatternSet{patterns: patterns}
}

// Patterns returns all patterns in the set.
func (ps *PatternSet) Patterns() []*Pattern {
	return ps.patterns
}

// PatternsByCategory returns patterns filtered by category.
func (ps *PatternSet) PatternsByCategory(category Category) []*Pattern {
	var result []*Pattern
	for _, p := range ps.patterns {
		if p.Category == category {
			result = append(result, p)
		}
	}
	return result
}

// defaultPatterns returns the built-in patterns. Structural patterns come
// first so a template is reported by the most specific reason.
func defaultPatterns() []*Pattern {
	return []*Pattern{
		// Structural markers: a statement template must carry none of these.
		{
			Name:         "raw_string_literal",
			Category:     CategoryRawLiteral,
			Regex:        regexp.MustCompile(`['"]`),
			Description:  "Detects a quoted literal embedded in statement text instead of a bound parameter",
			Severity:     9,
			TemplateOnly: true,
		},
		{
			Name:         "raw_numeric_comparison",
			Category:     CategoryRawLiteral,
			Regex:        regexp.MustCompile(`(?i)(=|<>|!=|<|>|\bIN\s*\()\s*-?\d+(\.\d+)?\b`),
			Description:  "Detects a numeric literal compared directly in statement text",
			Severity:     7,
			TemplateOnly: true,
		},
		{
			Name:         "statement_terminator",
			Category:     CategoryStackedQueries,
			Regex:        regexp.MustCompile(`;`),
			Description:  "Detects a statement terminator that would allow a second statement",
			Severity:     10,
			TemplateOnly: true,
		},
		{
			Name:         "sql_comment",
			Category:     CategoryCommentInjection,
			Regex:        regexp.MustCompile(`--|/\*|\*/|#`),
			Description:  "Detects comment markers that can truncate a statement",
			Severity:     8,
			TemplateOnly: true,
		},

		// UNION-based SQL injection
		{
			Name:        "union_select",
			Category:    CategoryUnionBased,
			Regex:       regexp.MustCompile(`(?i)\bUNION\s+(ALL\s+)?SELECT\b`),
			Description: "Detects UNION SELECT statements used to extract data",
			Severity:    9,
		},

		// Boolean-based blind SQL injection
		{
			Name:        "or_true_condition",
			Category:    CategoryBooleanBlind,
			Regex:       regexp.MustCompile(`(?i)\bOR\s+['"]?\d+['"]?\s*=\s*['"]?\d+['"]?`),
			Description: "Detects OR with always-true numeric comparison (OR 1=1)",
			Severity:    8,
		},
		{
			Name:        "or_string_condition",
			Category:    CategoryBooleanBlind,
			Regex:       regexp.MustCompile(`(?i)\bOR\s+['"][^'"]*['"]\s*=\s*['"][^'"]*['"]`),
			Description: "Detects OR with always-true string comparison (OR 'a'='a')",
			Severity:    8,
		},

		// Time-based blind SQL injection
		{
			Name:        "sleep_function",
			Category:    CategoryTimeBased,
			Regex:       regexp.MustCompile(`(?i)\b(PG_)?SLEEP\s*\(\s*\d+\s*\)`),
			Description: "Detects SLEEP/pg_sleep used for time-based blind injection",
			Severity:    9,
		},
		{
			Name:        "waitfor_delay",
			Category:    CategoryTimeBased,
			Regex:       regexp.MustCompile(`(?i)\bWAITFOR\s+DELAY\s+['"][^'"]+['"]`),
			Description: "Detects SQL Server WAITFOR DELAY for time-based blind injection",
			Severity:    9,
		},
		{
			Name:        "benchmark_function",
			Category:    CategoryTimeBased,
			Regex:       regexp.MustCompile(`(?i)\bBENCHMARK\s*\(\s*\d+\s*,`),
			Description: "Detects MySQL BENCHMARK function for time-based injection",
			Severity:    9,
		},

		// Stacked queries
		{
			Name:        "stacked_write",
			Category:    CategoryStackedQueries,
			Regex:       regexp.MustCompile(`(?i);\s*(DROP|DELETE|UPDATE|INSERT|ALTER|TRUNCATE|CREATE|GRANT|EXEC|EXECUTE)\b`),
			Description: "Detects a terminator followed by a second, writing statement",
			Severity:    10,
		},
		{
			Name:        "stacked_select",
			Category:    CategoryStackedQueries,
			Regex:       regexp.MustCompile(`(?i)['"\)]\s*;\s*SELECT\s+.+\s+FROM\b`),
			Description: "Detects SELECT ... FROM after string termination",
			Severity:    9,
		},

		// Comment-based injection
		{
			Name:        "comment_then_command",
			Category:    CategoryCommentInjection,
			Regex:       regexp.MustCompile(`(?i)(--|#|/\*.*\*/)\s*(UNION|SELECT|INSERT|UPDATE|DELETE|DROP)\b`),
			Description: "Detects SQL commands after a comment marker",
			Severity:    8,
		},

		// Enumeration and file access
		{
			Name:        "information_schema",
			Category:    CategoryGeneric,
			Regex:       regexp.MustCompile(`(?i)\b(INFORMATION_SCHEMA|pg_catalog|sysobjects|syscolumns)\b`),
			Description: "Detects access to catalog tables for database enumeration",
			Severity:    8,
		},
		{
			Name:        "file_access",
			Category:    CategoryGeneric,
			Regex:       regexp.MustCompile(`(?i)\b(LOAD_FILE\s*\(|INTO\s+(OUT|DUMP)FILE\b|COPY\s+\w+\s+(TO|FROM)\s+PROGRAM\b)`),
			Description: "Detects file read/write primitives",
			Severity:    10,
		},

		// Dangerous query patterns - DDL and privilege operations
		{
			Name:        "ddl_statement",
			Category:    CategoryDangerousQuery,
			Regex:       regexp.MustCompile(`(?i)\b(DROP|TRUNCATE|ALTER)\s+(TABLE|DATABASE|SCHEMA)\b`),
			Description: "Detects schema-altering DDL",
			Severity:    10,
		},
		{
			Name:        "privilege_statement",
			Category:    CategoryDangerousQuery,
			Regex:       regexp.MustCompile(`(?i)\b(GRANT|REVOKE)\s+\w+|\bCREATE\s+USER\b`),
			Description: "Detects privilege changes",
			Severity:    9,
		},
	}
}

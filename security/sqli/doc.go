// Package sqli detects SQL injection shapes in statement templates and
// bound literals.
//
// Templates are statement text a backend will parse. Any structural marker
// in a template (a quoted literal, a terminator, a comment, a UNION) is
// blocked. Literals are values bound as parameters; they are never parsed
// as SQL, so a match is reported for logging but does not block:
//
//	scanner := sqli.NewBasicScanner()
//	res := scanner.Scan(ctx, "SELECT department FROM t WHERE a = :p1; DROP TABLE t", sqli.ScanTypeTemplate)
//	// res.Blocked == true, res.Category == sqli.CategoryStackedQueries
//
//	res = scanner.Scan(ctx, "x'; DROP TABLE t; --", sqli.ScanTypeLiteral)
//	// res.Detected == true, res.Blocked == false
package sqli

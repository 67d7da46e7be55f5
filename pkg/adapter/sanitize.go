package adapter

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/databridge-io/databridge/pkg/faults"
)

// Statement verbs that are never allowed. The gateway is read-only;
// anything that mutates schema or data is rejected before it reaches
// the driver.
var forbiddenVerbs = []string{
	"insert", "update", "delete", "drop", "create", "alter", "truncate",
	"grant", "revoke", "vacuum", "copy", "merge", "call", "do", "execute",
	"set", "reset", "comment",
}

// pg_catalog reads are harmless but writes through functions are not.
var dangerousIdentifiers = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bpg_catalog\s*\.\s*pg_(write|terminate|cancel|reload)`),
	regexp.MustCompile(`(?i)\bpg_(read|write)_file\b`),
	regexp.MustCompile(`(?i)\bpg_ls_dir\b`),
	regexp.MustCompile(`(?i)\bpg_terminate_backend\b`),
	regexp.MustCompile(`(?i)\blo_(import|export)\b`),
	regexp.MustCompile(`(?i)\bdblink\b`),
}

// SanitizeSQL validates LLM-generated SQL before execution. Only a
// single SELECT or WITH ... SELECT statement passes; everything else
// fails with QueryInvalid carrying the offending text.
func SanitizeSQL(sql string) (string, error) {
	cleaned := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(sql), ";"))
	if cleaned == "" {
		return "", faults.New(faults.QueryInvalid, "empty SQL statement").WithQuery(sql)
	}

	if containsStatementSeparator(cleaned) {
		return "", faults.New(faults.QueryInvalid, "multi-statement SQL is not allowed").WithQuery(sql)
	}

	firstWord := strings.ToLower(firstToken(cleaned))
	if firstWord != "select" && firstWord != "with" {
		return "", faults.New(faults.QueryInvalid,
			fmt.Sprintf("only SELECT statements are allowed, got %s", strings.ToUpper(firstWord))).WithQuery(sql)
	}

	// Keyword scan runs over the whole body: WITH clauses can smuggle
	// data-modifying CTEs past a prefix check.
	stripped := stripQuotedLiterals(cleaned)
	for _, verb := range forbiddenVerbs {
		re := regexp.MustCompile(`(?i)(^|[\s(,])` + verb + `\b`)
		if re.MatchString(stripped) {
			return "", faults.New(faults.QueryInvalid,
				fmt.Sprintf("statement contains forbidden keyword %s", strings.ToUpper(verb))).WithQuery(sql)
		}
	}
	for _, re := range dangerousIdentifiers {
		if re.MatchString(stripped) {
			return "", faults.New(faults.QueryInvalid, "statement references a dangerous identifier").WithQuery(sql)
		}
	}
	return cleaned, nil
}

func firstToken(sql string) string {
	fields := strings.Fields(sql)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// containsStatementSeparator reports whether a semicolon appears outside
// quoted literals.
func containsStatementSeparator(sql string) bool {
	return strings.ContainsRune(stripQuotedLiterals(sql), ';')
}

// stripQuotedLiterals blanks out single-quoted strings and double-quoted
// identifiers so keyword scans cannot be fooled by literal content.
func stripQuotedLiterals(sql string) string {
	var b strings.Builder
	b.Grow(len(sql))

	var quote rune
	for i := 0; i < len(sql); i++ {
		ch := rune(sql[i])
		switch {
		case quote != 0:
			if ch == quote {
				// Doubled quote is an escape inside the literal.
				if i+1 < len(sql) && rune(sql[i+1]) == quote {
					i++
					continue
				}
				quote = 0
			}
		case ch == '\'' || ch == '"':
			quote = ch
		default:
			b.WriteRune(ch)
		}
	}
	return b.String()
}

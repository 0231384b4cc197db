package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
)

// runHooks reads each SQL file, expands {{schema}}, and executes every
// statement against the live store. Hooks are operator-authored, so a failing
// statement aborts the phase.
func runHooks(ctx context.Context, db queryer, cfg *MigrationConfig, files []string, phase string) error {
	if len(files) == 0 {
		return nil
	}
	log.Printf("  running %s hooks (%d files)...", phase, len(files))

	for _, f := range files {
		path := cfg.resolvePath(f)
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("hook %s: read %s: %w", phase, f, err)
		}

		sql := strings.ReplaceAll(string(data), "{{schema}}", cfg.Schema)
		stmts := splitStatements(sql)

		log.Printf("    %s: %d statements", f, len(stmts))
		for i, stmt := range stmts {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("hook %s: %s: statement %d: %w\nSQL: %s", phase, f, i+1, err, stmt)
			}
		}
	}
	return nil
}

// splitStatements splits SQL text on semicolons that sit outside quoted
// literals and identifiers, comments and dollar-quoted bodies. Empty
// statements are dropped.
func splitStatements(sql string) []string {
	var stmts []string
	var cur strings.Builder
	var quote byte // ', " or ` while inside a quoted token
	lineComment := false
	blockDepth := 0
	dollarTag := ""

	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			stmts = append(stmts, s)
		}
		cur.Reset()
	}
	next := func(i int) byte {
		if i+1 < len(sql) {
			return sql[i+1]
		}
		return 0
	}
	// take copies s minus its last byte and leaves i and c on that byte.
	take := func(i *int, c *byte, s string) {
		cur.WriteString(s[:len(s)-1])
		*i += len(s) - 1
		*c = s[len(s)-1]
	}

	for i := 0; i < len(sql); i++ {
		c := sql[i]
		switch {
		case lineComment:
			lineComment = c != '\n'
		case blockDepth > 0:
			if c == '/' && next(i) == '*' {
				take(&i, &c, "/*")
				blockDepth++
			} else if c == '*' && next(i) == '/' {
				take(&i, &c, "*/")
				blockDepth--
			}
		case quote != 0:
			if c == quote {
				if next(i) == quote {
					take(&i, &c, string([]byte{c, c}))
				} else {
					quote = 0
				}
			}
		case dollarTag != "":
			if strings.HasPrefix(sql[i:], dollarTag) {
				take(&i, &c, dollarTag)
				dollarTag = ""
			}
		case c == '-' && next(i) == '-':
			lineComment = true
		case c == '/' && next(i) == '*':
			take(&i, &c, "/*")
			blockDepth = 1
		case c == '\'' || c == '"' || c == '`':
			quote = c
		case c == '$':
			if tag, ok := parseDollarTag(sql, i); ok {
				take(&i, &c, tag)
				dollarTag = tag
			}
		case c == ';':
			flush()
			continue
		}
		cur.WriteByte(c)
	}
	flush()
	return stmts
}

func parseDollarTag(sql string, i int) (string, bool) {
	if i >= len(sql) || sql[i] != '$' {
		return "", false
	}
	// $$...$$
	if i+1 < len(sql) && sql[i+1] == '$' {
		return "$$", true
	}

	// $tag$...$tag$ where tag uses identifier chars.
	j := i + 1
	if j >= len(sql) || !isDollarTagStart(sql[j]) {
		return "", false
	}
	for j < len(sql) && isDollarTagChar(sql[j]) {
		j++
	}
	if j < len(sql) && sql[j] == '$' {
		return sql[i : j+1], true
	}
	return "", false
}

func isDollarTagStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isDollarTagChar(c byte) bool {
	return isDollarTagStart(c) || (c >= '0' && c <= '9')
}

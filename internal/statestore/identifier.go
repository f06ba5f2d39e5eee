// Copyright 2025 James Ross
package statestore

import (
	"fmt"
	"regexp"
)

var identPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// maxIdentLen matches Postgres's own identifier length cap; sqlite has no
// such limit but we hold every dialect to the stricter bound.
const maxIdentLen = 63

var reservedWords = map[string]bool{
	"select": true, "insert": true, "update": true, "delete": true,
	"drop": true, "create": true, "alter": true, "exec": true,
	"execute": true, "union": true, "where": true, "from": true,
	"table": true, "database": true, "schema": true, "index": true,
	"grant": true, "revoke": true, "truncate": true, "declare": true,
	"set": true, "join": true, "group": true, "order": true, "having": true,
}

// validateIdent whitelists a table/column name before it is interpolated
// into DDL text. Only letters, digits and underscore are allowed, the name
// must start with a letter or underscore, and it must not be a SQL
// reserved word.
func validateIdent(name string) error {
	if len(name) == 0 || len(name) > maxIdentLen {
		return fmt.Errorf("identifier %q has invalid length", name)
	}
	if !identPattern.MatchString(name) {
		return fmt.Errorf("identifier %q contains disallowed characters", name)
	}
	lower := toLower(name)
	if reservedWords[lower] {
		return fmt.Errorf("identifier %q is a reserved word", name)
	}
	return nil
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

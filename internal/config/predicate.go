package config

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	andSep    = regexp.MustCompile(`(?i)\s+AND\s+`)
	equalTerm = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)\.([A-Za-z_][A-Za-z0-9_]*)\s*=\s*([A-Za-z_][A-Za-z0-9_]*)\.([A-Za-z_][A-Za-z0-9_]*)$`)
)

// DerivePredicate returns the field-wise key equality predicate over keyColumns,
// e.g. "t.region = s.region AND t.order_id = s.order_id".
func DerivePredicate(keyColumns []string) string {
	terms := make([]string, len(keyColumns))
	for i, k := range keyColumns {
		terms[i] = fmt.Sprintf("t.%s = s.%s", k, k)
	}
	return strings.Join(terms, " AND ")
}

// CheckPredicate verifies that predicate is exactly field-wise equality over
// keyColumns: one "<target>.<col> = <source>.<col>" term per key column joined
// by AND, with the same two aliases throughout. Term order is free.
func CheckPredicate(predicate string, keyColumns []string) error {
	predicate = strings.TrimSpace(predicate)
	if predicate == "" {
		return fmt.Errorf("is empty")
	}

	var lhsAlias, rhsAlias string
	covered := make(map[string]bool, len(keyColumns))
	for _, term := range andSep.Split(predicate, -1) {
		m := equalTerm.FindStringSubmatch(strings.TrimSpace(term))
		if m == nil {
			return fmt.Errorf("term %q is not of the form t.col = s.col", term)
		}
		lhs, lcol, rhs, rcol := m[1], m[2], m[3], m[4]

		if lhs == rhs {
			return fmt.Errorf("term %q compares an alias with itself", term)
		}
		if lhsAlias == "" {
			lhsAlias, rhsAlias = lhs, rhs
		}
		if lhs != lhsAlias || rhs != rhsAlias {
			return fmt.Errorf("term %q uses aliases other than %s and %s", term, lhsAlias, rhsAlias)
		}
		if lcol != rcol {
			return fmt.Errorf("term %q compares different columns", term)
		}
		if !containsString(keyColumns, lcol) {
			return fmt.Errorf("column %q is not a key column", lcol)
		}
		if covered[lcol] {
			return fmt.Errorf("column %q appears more than once", lcol)
		}
		covered[lcol] = true
	}

	for _, k := range keyColumns {
		if !covered[k] {
			return fmt.Errorf("key column %q is not compared", k)
		}
	}
	return nil
}

func containsString(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

package phx

import (
	"fmt"
	"strconv"
	"strings"
)

// Matches reports whether a change on schema.table of the given type is
// delivered to this binding. Table "*" or "" matches every table, event "*"
// matches every type.
func (b PostgresChange) Matches(schema, table, eventType string, newRow, oldRow map[string]any) bool {
	if b.Schema != "" && b.Schema != "*" && b.Schema != schema {
		return false
	}
	if b.Table != "" && b.Table != "*" && b.Table != table {
		return false
	}
	if b.Event != "" && b.Event != "*" && !strings.EqualFold(b.Event, eventType) {
		return false
	}
	if b.Filter == "" {
		return true
	}
	return MatchesFilter(b.Filter, newRow, oldRow)
}

// MatchesFilter evaluates a PostgREST-style filter against row data.
// Filter format is "column=operator.value", e.g. "user_id=eq.123". The new
// row is used when present, the old row otherwise (deletes).
func MatchesFilter(filter string, newRow, oldRow map[string]any) bool {
	column, opValue, ok := strings.Cut(filter, "=")
	if !ok {
		return false
	}
	operator, value, ok := strings.Cut(opValue, ".")
	if !ok {
		return false
	}

	row := newRow
	if len(row) == 0 {
		row = oldRow
	}
	if row == nil {
		return false
	}

	rowValue, exists := row[column]
	if !exists {
		return false
	}
	return evaluateOperator(operator, rowValue, value)
}

// EqFilter builds a "column=eq.value" filter.
func EqFilter(column, value string) string {
	return column + "=eq." + value
}

func evaluateOperator(operator string, rowValue any, filterValue string) bool {
	switch operator {
	case "eq":
		return compareEqual(rowValue, filterValue)
	case "neq":
		return !compareEqual(rowValue, filterValue)
	case "gt":
		c, ok := compareNumeric(rowValue, filterValue)
		return ok && c > 0
	case "gte":
		c, ok := compareNumeric(rowValue, filterValue)
		return ok && c >= 0
	case "lt":
		c, ok := compareNumeric(rowValue, filterValue)
		return ok && c < 0
	case "lte":
		c, ok := compareNumeric(rowValue, filterValue)
		return ok && c <= 0
	case "in":
		return compareIn(rowValue, filterValue)
	default:
		return false
	}
}

func compareEqual(rowValue any, filterValue string) bool {
	switch v := rowValue.(type) {
	case string:
		return v == filterValue
	case float64:
		fv, err := strconv.ParseFloat(filterValue, 64)
		return err == nil && v == fv
	case int64:
		iv, err := strconv.ParseInt(filterValue, 10, 64)
		return err == nil && v == iv
	case int:
		iv, err := strconv.Atoi(filterValue)
		return err == nil && v == iv
	case nil:
		return filterValue == "null"
	default:
		return fmt.Sprintf("%v", v) == filterValue
	}
}

// compareNumeric returns -1, 0 or 1 and false when either side is not a number.
func compareNumeric(rowValue any, filterValue string) (int, bool) {
	var rowNum float64
	switch v := rowValue.(type) {
	case float64:
		rowNum = v
	case int64:
		rowNum = float64(v)
	case int:
		rowNum = float64(v)
	case string:
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, false
		}
		rowNum = n
	default:
		return 0, false
	}

	filterNum, err := strconv.ParseFloat(filterValue, 64)
	if err != nil {
		return 0, false
	}

	switch {
	case rowNum < filterNum:
		return -1, true
	case rowNum > filterNum:
		return 1, true
	}
	return 0, true
}

// compareIn checks membership in a "(a,b,c)" list.
func compareIn(rowValue any, filterValue string) bool {
	filterValue = strings.TrimSuffix(strings.TrimPrefix(filterValue, "("), ")")
	for _, v := range strings.Split(filterValue, ",") {
		if compareEqual(rowValue, strings.TrimSpace(v)) {
			return true
		}
	}
	return false
}

// Package errors derives low-cardinality tag values from Go errors so job and
// capture failure metrics can be grouped by cause.
package errors

import (
	goerrors "errors"
	"reflect"
	"strings"
)

// Classify names the innermost error type in snake_case for use as a metric
// tag. Wrapping layers added by repositories and services carry no grouping
// signal, so they are peeled off first.
func Classify(err error) string {
	if err == nil {
		return ""
	}

	// Unwrap to the innermost error for better signal.
	for {
		unwrapped := goerrors.Unwrap(err)
		if unwrapped == nil {
			break
		}
		err = unwrapped
	}

	t := reflect.TypeOf(err)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return "unknown"
	}

	name := strings.ToLower(strings.ReplaceAll(t.String(), "*", ""))
	name = strings.ReplaceAll(name, ".", "_")
	if name == "" {
		return "unknown"
	}
	return name
}

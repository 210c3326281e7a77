package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/chazu/crossload/meta"
)

// parseEntry splits "Namespace.Type::Method" into its parts.
func parseEntry(s string) (typeName, method string, err error) {
	typeName, method, ok := strings.Cut(s, "::")
	if !ok || typeName == "" || method == "" {
		return "", "", fmt.Errorf("entry point %q is not Type::Method", s)
	}
	return typeName, strings.TrimSuffix(method, "()"), nil
}

// parseArgs converts command-line strings by parameter kind. Object
// parameters take any text and are sent as a null placeholder.
func parseArgs(kinds []meta.Kind, args []string) ([]any, error) {
	if len(args) != len(kinds) {
		return nil, fmt.Errorf("method takes %d arguments, got %d", len(kinds), len(args))
	}
	out := make([]any, len(args))
	for i, s := range args {
		var (
			v   any
			err error
		)
		switch kinds[i] {
		case meta.KindBoolean:
			v, err = strconv.ParseBool(s)
		case meta.KindInt32:
			var n int64
			n, err = strconv.ParseInt(s, 0, 32)
			v = int32(n)
		case meta.KindUInt32:
			var n uint64
			n, err = strconv.ParseUint(s, 0, 32)
			v = uint32(n)
		case meta.KindInt64:
			v, err = strconv.ParseInt(s, 0, 64)
		case meta.KindUInt64:
			v, err = strconv.ParseUint(s, 0, 64)
		case meta.KindFloat:
			var f float64
			f, err = strconv.ParseFloat(s, 32)
			v = float32(f)
		case meta.KindDouble:
			v, err = strconv.ParseFloat(s, 64)
		default:
			v = s
		}
		if err != nil {
			return nil, fmt.Errorf("argument %d (%s): %w", i, kinds[i], err)
		}
		out[i] = v
	}
	return out, nil
}

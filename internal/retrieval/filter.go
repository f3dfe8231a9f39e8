package retrieval

import (
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/docindex/internal/vectorstore"
)

// ParseFilter parses command-line filter expressions:
//
//	field=value     equality
//	field=a,b,c     equality with any of the values
//	field~value     list membership or substring
func ParseFilter(exprs []string) (vectorstore.Filter, error) {
	var f vectorstore.Filter
	for _, expr := range exprs {
		i := strings.IndexAny(expr, "=~")
		if i <= 0 {
			return nil, fmt.Errorf("%w: filter %q must look like field=value or field~value", ErrInvalidQuery, expr)
		}
		field, op, value := strings.TrimSpace(expr[:i]), expr[i], strings.TrimSpace(expr[i+1:])
		if field == "" || value == "" {
			return nil, fmt.Errorf("%w: filter %q has an empty field or value", ErrInvalidQuery, expr)
		}
		if op == '~' {
			f = append(f, vectorstore.Contains(field, value))
			continue
		}
		var values []string
		for _, v := range strings.Split(value, ",") {
			if v = strings.TrimSpace(v); v != "" {
				values = append(values, v)
			}
		}
		switch len(values) {
		case 0:
			return nil, fmt.Errorf("%w: filter %q has no values", ErrInvalidQuery, expr)
		case 1:
			f = append(f, vectorstore.Equals(field, values[0]))
		default:
			f = append(f, vectorstore.OneOf(field, values...))
		}
	}
	return f, nil
}

package postgres

import (
	"fmt"
	"strings"

	"github.com/alanyoungcy/execbridge/internal/domain"
)

// listQuery appends the time window, ordering and pagination of opts to
// base, numbering placeholders after the args already present.
func listQuery(base, timeCol string, args []any, opts domain.ListOpts) (string, []any) {
	var b strings.Builder
	b.WriteString(base)
	next := len(args) + 1
	where := strings.Contains(strings.ToUpper(base), " WHERE ")

	cond := func(op string, v any) {
		if where {
			b.WriteString(" AND ")
		} else {
			b.WriteString(" WHERE ")
			where = true
		}
		fmt.Fprintf(&b, "%s %s $%d", timeCol, op, next)
		args = append(args, v)
		next++
	}
	if opts.Since != nil {
		cond(">=", *opts.Since)
	}
	if opts.Until != nil {
		cond("<=", *opts.Until)
	}

	fmt.Fprintf(&b, " ORDER BY %s DESC", timeCol)
	if opts.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT $%d", next)
		args = append(args, opts.Limit)
		next++
	}
	if opts.Offset > 0 {
		fmt.Fprintf(&b, " OFFSET $%d", next)
		args = append(args, opts.Offset)
	}
	return b.String(), args
}

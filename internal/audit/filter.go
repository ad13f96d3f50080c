package audit

import (
	"strings"
	"time"
)

// whereClause renders opts as a SQL condition. placeholder returns the
// dialect's bind marker for the n-th argument, starting at 1.
func whereClause(opts ListOptions, placeholder func(n int) string, formatTime func(time.Time) any) (string, []any) {
	conds := []string{"1=1"}
	var args []any
	add := func(col, op string, v any) {
		args = append(args, v)
		conds = append(conds, col+" "+op+" "+placeholder(len(args)))
	}
	if opts.Provider != "" {
		add("provider", "=", opts.Provider)
	}
	if opts.Outcome != "" {
		add("outcome", "=", opts.Outcome)
	}
	if opts.Username != "" {
		add("username", "=", opts.Username)
	}
	if opts.ExternalID != "" {
		add("external_id", "=", opts.ExternalID)
	}
	if opts.Since != nil {
		add("timestamp", ">=", formatTime(*opts.Since))
	}
	if opts.Until != nil {
		add("timestamp", "<=", formatTime(*opts.Until))
	}
	return strings.Join(conds, " AND "), args
}

const eventColumns = "id, timestamp, provider, route, outcome, external_id, username, error_kind, request_id, ip_address"

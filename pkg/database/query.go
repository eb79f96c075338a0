package database

import (
	"context"
	"strings"
)

// Bind rewrites every '?' marker in query into the adapter's placeholder
// syntax. Queries passed to Bind must not contain literal question marks.
func Bind(a Adapter, query string) string {
	if !strings.Contains(query, "?") {
		return query
	}

	var (
		b strings.Builder
		n int
	)

	b.Grow(len(query) + 8)

	for _, r := range query {
		if r != '?' {
			b.WriteRune(r)

			continue
		}

		n++
		b.WriteString(a.Placeholder(n))
	}

	return b.String()
}

// Args accumulates bind arguments for dynamically built queries and hands
// out the matching placeholders.
type Args struct {
	a    Adapter
	vals []any
}

// NewArgs returns an empty argument list bound to a.
func NewArgs(a Adapter) *Args {
	return &Args{a: a}
}

// Add appends v and returns its placeholder.
func (b *Args) Add(v any) string {
	b.vals = append(b.vals, v)

	return b.a.Placeholder(len(b.vals))
}

// Values returns the accumulated arguments.
func (b *Args) Values() []any {
	return b.vals
}

// Query prepares query on the adapter and returns every decoded row in
// dest. It is shorthand for a one-shot prepare, all and close.
func Query(ctx context.Context, a Adapter, dest any, query string, args ...any) error {
	stmt, err := a.Prepare(ctx, query)
	if err != nil {
		return err
	}
	defer stmt.Close()

	return stmt.All(ctx, dest, args...)
}

// QueryRow prepares query and decodes its first row into dest.
func QueryRow(ctx context.Context, a Adapter, dest any, query string, args ...any) error {
	stmt, err := a.Prepare(ctx, query)
	if err != nil {
		return err
	}
	defer stmt.Close()

	return stmt.Get(ctx, dest, args...)
}

// Run prepares query and executes it once.
func Run(ctx context.Context, a Adapter, query string, args ...any) (int64, error) {
	stmt, err := a.Prepare(ctx, query)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	return stmt.Run(ctx, args...)
}

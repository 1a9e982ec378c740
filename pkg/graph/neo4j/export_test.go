package neo4j

import (
	"context"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Exec runs an arbitrary write statement, used by tests to seed the graph
func Exec(ctx context.Context, s *Store, query string, params map[string]any) (neo4j.ResultSummary, error) {
	return s.write(ctx, query, params)
}

// Count runs a read query returning a single integer column n
func Count(ctx context.Context, s *Store, query string) (int64, error) {
	session := s.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	res, err := session.Run(ctx, query, nil)
	if err != nil {
		return 0, err
	}
	rec, err := res.Single(ctx)
	if err != nil {
		return 0, err
	}
	v, _ := rec.Get("n")
	n, _ := v.(int64)
	return n, nil
}

package neo4j_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/grid-x/aws-snapshot-graph/pkg/graph"
	"github.com/grid-x/aws-snapshot-graph/pkg/graph/neo4j"
)

func Test_CleanupQuery(t *testing.T) {
	testcases := []struct {
		name    string
		stmt    graph.CleanupStatement
		limited bool
		want    string
		wantErr bool
	}{
		{
			name:    "nodes",
			stmt:    graph.CleanupStatement{Label: "EBSSnapshot"},
			limited: true,
			want:    "MATCH (:AWSAccount{id: $AWS_ID})-[:RESOURCE]->(n:EBSSnapshot) WHERE n.lastupdated <> $UPDATE_TAG WITH n LIMIT $LIMIT_SIZE DETACH DELETE (n)",
		},
		{
			name: "resource edges",
			stmt: graph.CleanupStatement{Label: "EBSSnapshot", Relationship: "RESOURCE"},
			want: "MATCH (:AWSAccount{id: $AWS_ID})-[r:RESOURCE]->(:EBSSnapshot) WHERE r.lastupdated <> $UPDATE_TAG WITH r DELETE (r)",
		},
		{
			name:    "derived edges",
			stmt:    graph.CleanupStatement{Label: "EBSSnapshot", Relationship: "CREATED_FROM", Target: "EBSVolume"},
			limited: true,
			want:    "MATCH (:AWSAccount{id: $AWS_ID})-[:RESOURCE]->(:EBSSnapshot)-[r:CREATED_FROM]->(:EBSVolume) WHERE r.lastupdated <> $UPDATE_TAG WITH r LIMIT $LIMIT_SIZE DELETE (r)",
		},
		{
			name:    "missing label",
			stmt:    graph.CleanupStatement{Relationship: "RESOURCE"},
			wantErr: true,
		},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := neo4j.CleanupQuery(tc.stmt, tc.limited)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got query %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("cleanupQuery: %+v", err)
			}
			if !cmp.Equal(tc.want, got) {
				t.Errorf("unexpected query: %s", cmp.Diff(tc.want, got))
			}
		})
	}
}

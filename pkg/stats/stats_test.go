package stats_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"

	"github.com/grid-x/aws-snapshot-graph/pkg/stats"
)

func Test_RecordSetsAndScalars(t *testing.T) {
	testcases := []struct {
		name    string
		records [][3]any
		want    map[string]map[string]any
	}{
		{
			name: "errors collapse duplicates",
			records: [][3]any{
				{"ec2:snapshots", "errors", "E1"},
				{"ec2:snapshots", "errors", "E1"},
			},
			want: map[string]map[string]any{
				"ec2:snapshots": {
					"errors":          []string{"E1"},
					"skipped regions": []string{},
				},
			},
		},
		{
			name: "scalars overwrite",
			records: [][3]any{
				{"ec2:snapshots", "status", "partial"},
				{"ec2:snapshots", "status", "success"},
				{"ec2:snapshots", "Total Snapshots Scanned", 4},
			},
			want: map[string]map[string]any{
				"ec2:snapshots": {
					"errors":                  []string{},
					"skipped regions":         []string{},
					"status":                  "success",
					"Total Snapshots Scanned": 4,
				},
			},
		},
		{
			name: "sets are sorted and groups isolated",
			records: [][3]any{
				{"ec2:snapshots", "skipped regions", "us-west-2"},
				{"ec2:snapshots", "skipped regions", "eu-central-1"},
				{"s3", "Time Taken", "5 sec"},
			},
			want: map[string]map[string]any{
				"ec2:snapshots": {
					"errors":          []string{},
					"skipped regions": []string{"eu-central-1", "us-west-2"},
				},
				"s3": {
					"errors":          []string{},
					"skipped regions": []string{},
					"Time Taken":      "5 sec",
				},
			},
		},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			agg := stats.New()
			for _, r := range tc.records {
				agg.Record(r[0].(string), r[1].(string), r[2])
			}
			got := agg.Export()
			if !cmp.Equal(tc.want, got) {
				t.Errorf("unexpected export: %s", cmp.Diff(tc.want, got))
			}
		})
	}
}

func Test_ExportKeepsAccumulating(t *testing.T) {
	agg := stats.New()
	agg.Record("ec2:snapshots", "errors", "E1")
	_ = agg.Export()
	agg.Record("ec2:snapshots", "errors", "E1")
	agg.Record("ec2:snapshots", "errors", "E2")

	got, err := agg.ExportFor("ec2:snapshots")
	if err != nil {
		t.Fatalf("exportFor: %+v", err)
	}
	want := []string{"E1", "E2"}
	if diff := cmp.Diff(want, got["errors"]); diff != "" {
		t.Errorf("unexpected errors after re-export: %s", diff)
	}
}

func Test_ExportFileFor(t *testing.T) {
	dir := t.TempDir()
	agg := stats.New()
	agg.Record("ec2:snapshots", "skipped regions", "us-west-2")
	agg.Record("ec2:snapshots", "Total Snapshots Scanned", 3)

	path := filepath.Join(dir, "snapshots.json")
	if err := agg.ExportFileFor(path, "ec2:snapshots"); err != nil {
		t.Fatalf("exportFileFor: %+v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("readFile: %+v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %+v", err)
	}
	want := map[string]any{
		"errors":                  []any{},
		"skipped regions":         []any{"us-west-2"},
		"Total Snapshots Scanned": float64(3),
	}
	if !cmp.Equal(want, got) {
		t.Errorf("unexpected file content: %s", cmp.Diff(want, got))
	}

	if err := agg.ExportFileFor(path, "s3"); !errors.Is(err, stats.ErrUnknownGroup) {
		t.Errorf("expected ErrUnknownGroup, got %v", err)
	}
}

func Test_ExportFileError(t *testing.T) {
	agg := stats.New()
	agg.Record("ec2:snapshots", "status", "success")

	err := agg.ExportFile(filepath.Join(t.TempDir(), "missing", "stats.json"))
	if err == nil {
		t.Fatal("expected error writing into a missing directory")
	}
	// the accumulator is still usable after a failed export
	if _, err := agg.ExportFor("ec2:snapshots"); err != nil {
		t.Errorf("exportFor after failed export: %+v", err)
	}
}

func Test_ConcurrentRecord(t *testing.T) {
	agg := stats.New()
	var wg sync.WaitGroup
	for _, region := range []string{"us-east-1", "us-west-2", "eu-central-1", "us-east-1"} {
		wg.Add(1)
		go func(region string) {
			defer wg.Done()
			agg.Record("ec2:snapshots", "skipped regions", region)
		}(region)
	}
	wg.Wait()

	got, err := agg.ExportFor("ec2:snapshots")
	if err != nil {
		t.Fatalf("exportFor: %+v", err)
	}
	want := []string{"eu-central-1", "us-east-1", "us-west-2"}
	if diff := cmp.Diff(want, got["skipped regions"]); diff != "" {
		t.Errorf("unexpected skipped regions: %s", diff)
	}
}

func Test_Groups(t *testing.T) {
	agg := stats.New()
	if got := agg.Groups(); len(got) != 0 {
		t.Errorf("expected no groups, got %v", got)
	}
	agg.Record("s3", "Time Taken", "5 sec")
	agg.Record("ec2:snapshots", "errors", "E1")
	agg.Record("s3", "status", "success")

	want := []string{"ec2:snapshots", "s3"}
	if got := agg.Groups(); !cmp.Equal(want, got) {
		t.Errorf("unexpected groups: %s", cmp.Diff(want, got))
	}
}

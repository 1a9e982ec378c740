// Package cleanup runs declarative jobs that delete graph state left over
// from earlier sync runs.
package cleanup

import (
	"bytes"
	"context"
	"embed"
	"path"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/grid-x/aws-snapshot-graph/pkg/graph"
)

//go:embed jobs/*.yaml
var jobFS embed.FS

// maxIterations bounds iterative statements in case a store keeps reporting
// deletions
const maxIterations = 10000

// Job is a named, ordered list of cleanup statements
type Job struct {
	Name       string                   `yaml:"name"`
	Statements []graph.CleanupStatement `yaml:"statements"`
}

// Load reads the embedded job with the given name
func Load(name string) (*Job, error) {
	data, err := jobFS.ReadFile(path.Join("jobs", name+".yaml"))
	if err != nil {
		return nil, errors.Wrapf(err, "loading cleanup job %s", name)
	}
	return Parse(data)
}

// Parse decodes a job descriptor
func Parse(data []byte) (*Job, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var job Job
	if err := dec.Decode(&job); err != nil {
		return nil, errors.Wrap(err, "decoding cleanup job")
	}
	if job.Name == "" {
		return nil, errors.New("cleanup job without name")
	}
	for i, stmt := range job.Statements {
		if stmt.Label == "" {
			return nil, errors.Errorf("cleanup job %s: statement %d without label", job.Name, i)
		}
	}
	return &job, nil
}

// Runner executes cleanup jobs against a store
type Runner struct {
	store  graph.Store
	logger log.FieldLogger
}

// Opt is an option of the Runner
type Opt func(*Runner)

// WithLogger sets the logger
func WithLogger(l log.FieldLogger) Opt {
	return func(r *Runner) {
		r.logger = l
	}
}

// NewRunner creates a Runner for store
func NewRunner(store graph.Store, opts ...Opt) *Runner {
	r := &Runner{
		store: store,
		logger: log.New().WithFields(log.Fields{
			"component": "cleanup",
		}),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run loads the named job and executes it. It returns the total number of
// deleted graph elements.
func (r *Runner) Run(ctx context.Context, name string, params graph.CleanupParams) (int, error) {
	job, err := Load(name)
	if err != nil {
		return 0, err
	}
	return r.RunJob(ctx, job, params)
}

// RunJob executes the statements of job in order. Iterative statements are
// repeated in batches of IterationSize until a batch deletes nothing.
func (r *Runner) RunJob(ctx context.Context, job *Job, params graph.CleanupParams) (int, error) {
	logger := r.logger.WithFields(log.Fields{
		"job":        job.Name,
		"update-tag": params.UpdateTag,
	})

	total := 0
	for i, stmt := range job.Statements {
		limit := 0
		if stmt.Iterative {
			limit = stmt.IterationSize
		}

		deleted := 0
		for iter := 0; ; iter++ {
			if iter >= maxIterations {
				return total, errors.Errorf("cleanup job %s: statement %d did not converge", job.Name, i)
			}
			n, err := r.store.RunCleanup(ctx, stmt, params, limit)
			if err != nil {
				return total, errors.Wrapf(err, "cleanup job %s: statement %d", job.Name, i)
			}
			deleted += n
			if limit <= 0 || n == 0 {
				break
			}
		}
		logger.Debugf("statement %d (%s %s) deleted %d elements", i, stmt.Label, stmt.Relationship, deleted)
		total += deleted
	}
	logger.Infof("cleanup deleted %d elements", total)
	return total, nil
}

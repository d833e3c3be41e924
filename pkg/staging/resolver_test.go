package staging_test

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/taskmesh/taskmesh/pkg/executor"
	"github.com/taskmesh/taskmesh/pkg/graph"
	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/staging"
)

// fakeBackend records export/import calls and can fail on demand.
type fakeBackend struct {
	host       string
	exports    []string
	imports    []executor.TransferHandle
	exportErr  error
	importErr  error
	exportMech executor.Mechanism
}

func (f *fakeBackend) Host() string { return f.host }

func (f *fakeBackend) Prepare(ctx context.Context, task *models.Task) error { return nil }

func (f *fakeBackend) Execute(ctx context.Context, task *models.Task) (executor.Result, error) {
	return executor.Result{}, nil
}

func (f *fakeBackend) ExportOutput(ctx context.Context, task *models.Task, path string) (executor.TransferHandle, error) {
	if f.exportErr != nil {
		return executor.TransferHandle{}, f.exportErr
	}
	f.exports = append(f.exports, path)
	mech := f.exportMech
	if mech == "" {
		mech = executor.MechanismLink
	}
	return executor.TransferHandle{Mechanism: mech, Host: f.host, Path: "/scratch/" + task.ID + "/" + path}, nil
}

func (f *fakeBackend) ImportInput(ctx context.Context, task *models.Task, ref models.DataRef, handle executor.TransferHandle) error {
	if f.importErr != nil {
		return f.importErr
	}
	f.imports = append(f.imports, handle)
	return nil
}

func (f *fakeBackend) Cleanup(ctx context.Context, task *models.Task) error { return nil }

type fakeReleaser struct {
	released map[string]int
}

func (f *fakeReleaser) ReleaseReference(producerTaskID string) {
	if f.released == nil {
		f.released = make(map[string]int)
	}
	f.released[producerTaskID]++
}

type fakeWideArea struct {
	calls int
}

func (f *fakeWideArea) Transfer(ctx context.Context, src executor.TransferHandle, srcEndpoint, destEndpoint string, consumer *models.Task, ref models.DataRef) error {
	f.calls++
	return nil
}

func testLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func setup(t *testing.T, producerBackend, consumerBackend executor.Backend) (*graph.Graph, *executor.Registry, *models.Task) {
	t.Helper()
	g := graph.New()
	producer := &models.Task{ID: "producer", Backend: "p", Outputs: []string{"out.dat"}, State: models.FinishedTaskState}
	consumer := &models.Task{
		ID:      "consumer",
		Backend: "c",
		Inputs:  []models.DataRef{models.MustRef("workflow://producer/out.dat")},
	}
	assert.NoError(t, g.AddTask(producer))
	assert.NoError(t, g.AddTask(consumer))
	assert.NoError(t, g.AddDependency("producer", "consumer"))

	reg := executor.NewRegistry()
	reg.Register("p", producerBackend)
	reg.Register("c", consumerBackend)
	return g, reg, consumer
}

func TestResolver_LocalToLocalUsesLink(t *testing.T) {
	pb := &fakeBackend{}
	cb := &fakeBackend{}
	g, reg, consumer := setup(t, pb, cb)
	rel := &fakeReleaser{}
	r := staging.NewResolver(g, reg, rel, testLogger())

	assert.NoError(t, r.StageIn(context.Background(), consumer))
	assert.Equal(t, []string{"out.dat"}, pb.exports)
	if assert.Len(t, cb.imports, 1) {
		assert.Equal(t, executor.MechanismLink, cb.imports[0].Mechanism)
	}
	assert.Equal(t, 1, rel.released["producer"])
}

func TestResolver_CrossHostUsesSecureCopy(t *testing.T) {
	pb := &fakeBackend{host: "node-a"}
	cb := &fakeBackend{host: "node-b"}
	g, reg, consumer := setup(t, pb, cb)
	rel := &fakeReleaser{}
	r := staging.NewResolver(g, reg, rel, testLogger())

	assert.NoError(t, r.StageIn(context.Background(), consumer))
	if assert.Len(t, cb.imports, 1) {
		assert.Equal(t, executor.MechanismSecureCopy, cb.imports[0].Mechanism)
	}
}

func TestResolver_RemoteProducerToLocalConsumer(t *testing.T) {
	// The engine host has no Host identity; a producer on a remote node still
	// stages down to it via secure copy through the consumer's import.
	pb := &fakeBackend{host: "node-a"}
	cb := &fakeBackend{}
	g, reg, consumer := setup(t, pb, cb)
	rel := &fakeReleaser{}
	r := staging.NewResolver(g, reg, rel, testLogger())

	assert.NoError(t, r.StageIn(context.Background(), consumer))
	if assert.Len(t, cb.imports, 1) {
		assert.Equal(t, executor.MechanismSecureCopy, cb.imports[0].Mechanism)
		assert.Equal(t, "node-a", cb.imports[0].Host)
	}
	assert.Equal(t, 1, rel.released["producer"])
}

func TestResolver_EndpointsUseWideArea(t *testing.T) {
	pb := &fakeBackend{host: "node-a"}
	cb := &fakeBackend{host: "node-b"}
	g, reg, consumer := setup(t, pb, cb)
	producer, _ := g.Task("producer")
	producer.Endpoint = "ep-src"
	consumer.Endpoint = "ep-dst"

	wa := &fakeWideArea{}
	rel := &fakeReleaser{}
	r := staging.NewResolver(g, reg, rel, testLogger(), staging.WithWideArea(wa))

	assert.NoError(t, r.StageIn(context.Background(), consumer))
	assert.Equal(t, 1, wa.calls)
	assert.Empty(t, cb.imports, "wide-area transfer must bypass the consumer import")
	assert.Equal(t, 1, rel.released["producer"])
}

func TestResolver_ExportFailureIsStagingError(t *testing.T) {
	pb := &fakeBackend{exportErr: errors.New("disk gone")}
	cb := &fakeBackend{}
	g, reg, consumer := setup(t, pb, cb)
	rel := &fakeReleaser{}
	r := staging.NewResolver(g, reg, rel, testLogger())

	err := r.StageIn(context.Background(), consumer)
	var stagingErr models.StagingError
	assert.ErrorAs(t, err, &stagingErr)
	assert.Equal(t, "consumer", stagingErr.Consumer)
	// The reference is still released so the producer's scratch dir is not
	// pinned by a consumer that will never read it.
	assert.Equal(t, 1, rel.released["producer"])
}

func TestResolver_ImportFailureIsStagingError(t *testing.T) {
	pb := &fakeBackend{}
	cb := &fakeBackend{importErr: errors.New("no space")}
	g, reg, consumer := setup(t, pb, cb)
	rel := &fakeReleaser{}
	r := staging.NewResolver(g, reg, rel, testLogger())

	err := r.StageIn(context.Background(), consumer)
	var stagingErr models.StagingError
	assert.ErrorAs(t, err, &stagingErr)
	assert.Equal(t, "consumer", stagingErr.Consumer)
	assert.Equal(t, 1, rel.released["producer"])
}

func TestResolver_OpaqueRefsPassThrough(t *testing.T) {
	pb := &fakeBackend{}
	cb := &fakeBackend{}
	g, reg, consumer := setup(t, pb, cb)
	ref, err := models.ParseRef("s3://bucket/key")
	assert.NoError(t, err)
	assert.True(t, ref.Opaque)
	consumer.Inputs = []models.DataRef{ref}

	rel := &fakeReleaser{}
	r := staging.NewResolver(g, reg, rel, testLogger())
	assert.NoError(t, r.StageIn(context.Background(), consumer))
	assert.Empty(t, pb.exports)
	assert.Empty(t, rel.released)
}

func TestResolver_MultipleRefsSameProducerReleaseOnce(t *testing.T) {
	pb := &fakeBackend{}
	cb := &fakeBackend{}
	g, reg, consumer := setup(t, pb, cb)
	consumer.Inputs = []models.DataRef{
		models.MustRef("workflow://producer/out.dat"),
		models.MustRef("workflow://producer/log.txt"),
	}

	rel := &fakeReleaser{}
	r := staging.NewResolver(g, reg, rel, testLogger())
	assert.NoError(t, r.StageIn(context.Background(), consumer))
	assert.Len(t, cb.imports, 2)
	assert.Equal(t, 1, rel.released["producer"], "one release per producer, not per reference")
}

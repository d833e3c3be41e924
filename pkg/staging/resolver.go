// Package staging resolves inter-task data references and drives the
// export-then-import transfer for each one. The resolver decides which
// mechanism applies; the backends perform the transfer.
package staging

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/taskmesh/taskmesh/pkg/executor"
	"github.com/taskmesh/taskmesh/pkg/models"
)

// TaskLookup resolves task ids to tasks. *graph.Graph satisfies it.
type TaskLookup interface {
	Task(id string) (*models.Task, bool)
}

// Backends resolves backend tags. *executor.Registry satisfies it.
type Backends interface {
	ForBackend(tag string) (executor.Backend, error)
}

// Releaser receives one release per producer after a consumer has attempted
// stage-in of that producer's references. *gc.Reclaimer satisfies it.
type Releaser interface {
	ReleaseReference(producerTaskID string)
}

// WideAreaTransfer is the pluggable wide-area mechanism (a Globus-class
// service). It moves the exported output between the two endpoints.
type WideAreaTransfer interface {
	Transfer(ctx context.Context, src executor.TransferHandle, srcEndpoint, destEndpoint string, consumer *models.Task, ref models.DataRef) error
}

type Resolver struct {
	tasks    TaskLookup
	backends Backends
	releaser Releaser
	wideArea WideAreaTransfer
	log      logrus.FieldLogger
}

type Option func(*Resolver)

// WithWideArea installs the wide-area transfer mechanism used when both
// producer and consumer declare transfer endpoints.
func WithWideArea(w WideAreaTransfer) Option {
	return func(r *Resolver) { r.wideArea = w }
}

func NewResolver(tasks TaskLookup, backends Backends, releaser Releaser, logger logrus.FieldLogger, opts ...Option) *Resolver {
	r := &Resolver{
		tasks:    tasks,
		backends: backends,
		releaser: releaser,
		log:      logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// StageIn resolves and transfers every declared input of the consumer task.
// References grouped by producer release that producer's reference count
// exactly once, whether their transfers succeeded or not. Opaque references
// are passed through untouched. Any failure is a StagingError attributed to
// the consumer.
func (r *Resolver) StageIn(ctx context.Context, consumer *models.Task) error {
	byProducer := make(map[string][]models.DataRef)
	var producerOrder []string
	for _, ref := range consumer.Inputs {
		if ref.Opaque {
			continue
		}
		if _, ok := byProducer[ref.TaskID]; !ok {
			producerOrder = append(producerOrder, ref.TaskID)
		}
		byProducer[ref.TaskID] = append(byProducer[ref.TaskID], ref)
	}

	for _, producerID := range producerOrder {
		err := r.stageFromProducer(ctx, consumer, producerID, byProducer[producerID])
		r.releaser.ReleaseReference(producerID)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *Resolver) stageFromProducer(ctx context.Context, consumer *models.Task, producerID string, refs []models.DataRef) error {
	producer, ok := r.tasks.Task(producerID)
	if !ok {
		return models.StagingError{Consumer: consumer.ID, Ref: refs[0].String(), Err: models.UnknownTaskError{TaskID: producerID}}
	}
	producerBackend, err := r.backends.ForBackend(producer.Backend)
	if err != nil {
		return models.StagingError{Consumer: consumer.ID, Ref: refs[0].String(), Err: err}
	}
	consumerBackend, err := r.backends.ForBackend(consumer.Backend)
	if err != nil {
		return models.StagingError{Consumer: consumer.ID, Ref: refs[0].String(), Err: err}
	}

	for _, ref := range refs {
		handle, err := producerBackend.ExportOutput(ctx, producer, ref.Path)
		if err != nil {
			return models.StagingError{Consumer: consumer.ID, Ref: ref.String(), Err: err}
		}
		handle.Mechanism = r.pick(producer, consumer, consumerBackend, handle)
		r.log.Debugf("staging %s -> task %s via %s", ref, consumer.ID, handle.Mechanism)

		if handle.Mechanism == executor.MechanismWideArea {
			err = r.wideArea.Transfer(ctx, handle, producer.Endpoint, consumer.Endpoint, consumer, ref)
		} else {
			err = consumerBackend.ImportInput(ctx, consumer, ref, handle)
		}
		if err != nil {
			return models.StagingError{Consumer: consumer.ID, Ref: ref.String(), Err: err}
		}
	}
	return nil
}

// pick selects the transfer mechanism by locality: federated endpoints on
// both sides use the wide-area service, same host uses link (the importer
// falls back to copy when linking is unsupported), differing hosts use
// secure copy.
func (r *Resolver) pick(producer, consumer *models.Task, consumerBackend executor.Backend, handle executor.TransferHandle) executor.Mechanism {
	if r.wideArea != nil && producer.Endpoint != "" && consumer.Endpoint != "" {
		return executor.MechanismWideArea
	}
	consumerHost := ""
	if loc, ok := consumerBackend.(executor.Locator); ok {
		consumerHost = loc.Host()
	}
	if handle.Host == consumerHost {
		if handle.Mechanism == executor.MechanismCopy {
			return executor.MechanismCopy
		}
		return executor.MechanismLink
	}
	return executor.MechanismSecureCopy
}

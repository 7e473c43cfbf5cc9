package lifecycle

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

type Component interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type named struct {
	name string
	Component
}

// Runtime starts components in registration order and stops them in
// reverse. A failed start rolls back everything already running.
type Runtime struct {
	components []named
	logger     *log.Entry
}

func NewRuntime() *Runtime {
	return &Runtime{logger: log.WithField("object", "Runtime")}
}

func (r *Runtime) Register(name string, component Component) {
	if component == nil {
		return
	}
	r.components = append(r.components, named{name: name, Component: component})
}

func (r *Runtime) Start(ctx context.Context) error {
	started := make([]named, 0, len(r.components))
	for _, component := range r.components {
		r.logger.WithField("component", component.name).Debug("starting")
		if err := component.Start(ctx); err != nil {
			_ = stop(ctx, r.logger, started)
			return errors.Wrapf(err, "start %s", component.name)
		}
		started = append(started, component)
	}
	return nil
}

func (r *Runtime) Stop(ctx context.Context) error {
	return stop(ctx, r.logger, r.components)
}

func stop(ctx context.Context, logger *log.Entry, components []named) error {
	var stopErr error
	for i := len(components) - 1; i >= 0; i-- {
		component := components[i]
		logger.WithField("component", component.name).Debug("stopping")
		if err := component.Stop(ctx); err != nil {
			stopErr = errors.Wrapf(err, "stop %s", component.name)
			logger.WithFields(log.Fields{
				"component": component.name,
				"error":     err.Error(),
			}).Error("stop failed")
		}
	}
	return stopErr
}

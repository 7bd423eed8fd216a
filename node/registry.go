// Package node wires storage, consensus, and p2p into a single running
// process, the way beacon-chain/node.BeaconNode wires its services: a
// typed ServiceRegistry holding each subsystem, started and stopped in
// registration order.
package node

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/pkg/errors"
)

// Service is anything the node registry manages the lifecycle of.
type Service interface {
	Start() error
	Stop() error
}

// ServiceRegistry tracks each registered Service by its concrete type, the
// same reflect-based typed lookup as beacon-chain/shared.ServiceRegistry,
// so callers can fetch a dependency by pointer type instead of threading
// every service through every constructor.
type ServiceRegistry struct {
	mu       sync.Mutex
	services map[reflect.Type]Service
	order    []reflect.Type
}

// NewServiceRegistry returns an empty registry.
func NewServiceRegistry() *ServiceRegistry {
	return &ServiceRegistry{services: make(map[reflect.Type]Service)}
}

// Register adds service, keyed by its own concrete type. Registering the
// same type twice is a programming error.
func (r *ServiceRegistry) Register(service Service) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	kind := reflect.TypeOf(service)
	if _, exists := r.services[kind]; exists {
		return errors.Errorf("service already registered: %s", kind)
	}
	r.services[kind] = service
	r.order = append(r.order, kind)
	return nil
}

// FetchService populates dest, a pointer to a Service-implementing type,
// with the registered instance of that type.
func (r *ServiceRegistry) FetchService(dest interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	destType := reflect.TypeOf(dest)
	if destType.Kind() != reflect.Ptr {
		return fmt.Errorf("dest must be a pointer, got %s", destType.Kind())
	}
	elem := destType.Elem()
	service, ok := r.services[elem]
	if !ok {
		return fmt.Errorf("unknown service type %s", elem)
	}
	reflect.ValueOf(dest).Elem().Set(reflect.ValueOf(service))
	return nil
}

// StartAll starts every registered service in registration order,
// stopping and returning the first error if one fails to start.
func (r *ServiceRegistry) StartAll() error {
	r.mu.Lock()
	order := append([]reflect.Type(nil), r.order...)
	r.mu.Unlock()
	for _, kind := range order {
		svc := r.services[kind]
		log.WithField("service", kind).Info("starting service")
		if err := svc.Start(); err != nil {
			return errors.Wrapf(err, "starting %s", kind)
		}
	}
	return nil
}

// StopAll stops every registered service in reverse registration order.
func (r *ServiceRegistry) StopAll() {
	r.mu.Lock()
	order := append([]reflect.Type(nil), r.order...)
	r.mu.Unlock()
	for i := len(order) - 1; i >= 0; i-- {
		svc := r.services[order[i]]
		log.WithField("service", order[i]).Info("stopping service")
		if err := svc.Stop(); err != nil {
			log.WithError(err).Error("error stopping service")
		}
	}
}

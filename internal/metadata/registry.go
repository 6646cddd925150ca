package metadata

import (
	"fmt"
	"sync"
)

// Registry is the schema store: a read-mostly lookup of object definitions
// keyed by name. Safe for concurrent use; multiple pipeline instances may
// each own an isolated registry.
type Registry struct {
	mu      sync.RWMutex
	objects map[string]*Object
}

func NewRegistry() *Registry {
	return &Registry{
		objects: make(map[string]*Object),
	}
}

// Get returns the object with the given name, or nil.
func (r *Registry) Get(name string) *Object {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.objects[name]
}

// List returns all registered objects.
func (r *Registry) List() []*Object {
	r.mu.RLock()
	defer r.mu.RUnlock()
	objects := make([]*Object, 0, len(r.objects))
	for _, o := range r.objects {
		objects = append(objects, o)
	}
	return objects
}

// Register validates and stores an object definition, replacing any
// previous registration under the same name.
func (r *Registry) Register(obj *Object) error {
	if err := obj.Validate(); err != nil {
		return fmt.Errorf("register object: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.objects[obj.Name] = obj
	return nil
}

// Unregister removes an object definition. Removing an unknown name is a
// no-op.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.objects, name)
}

// Load replaces all objects in the registry. Called during startup and
// after admin mutations.
func (r *Registry) Load(objects []*Object) error {
	for _, o := range objects {
		if err := o.Validate(); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.objects = make(map[string]*Object, len(objects))
	for _, o := range objects {
		r.objects[o.Name] = o
	}
	return nil
}

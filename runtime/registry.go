/*
 * Copyright 2021 ByteDance Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package runtime

import (
	"fmt"
	"os"
	"plugin"
	"sync"

	"github.com/da-roth/forge/backend"
)

// APIVersion is the registry's compatibility number (§4.7, §7 "ABI
// version mismatch on dynamic load ... Fatal"). A dynamically loaded
// backend that reports a different version is rejected rather than
// linked in with unverified assumptions about the Backend interface's
// shape.
const APIVersion = 1

// Factory constructs a fresh backend.Backend instance. Backends are
// stateless per §5 ("per-compilation values with no shared state"), so
// a factory is typically just a function reference to the backend's
// own New, but the indirection lets a dynamically loaded backend supply
// one without the core importing its package.
type Factory func() backend.Backend

// Descriptor is what a dynamically loaded backend's register_backend
// symbol must return: its declared API version (checked against
// APIVersion before anything else happens), its registry name, and its
// factory.
type Descriptor struct {
	APIVersion int
	Name       string
	New        Factory
}

// Registry maps backend names to factories (§4.7 "a backend registry
// maps name strings to factory functions"). Safe for concurrent use;
// registration is expected only at process startup (static
// self-registration via init, or an explicit LoadDynamic call) but
// Lookup may run from any number of Engine goroutines afterward.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func newRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// RegisterStatic records name -> f. Backends linked into the process
// call this from their own package init (§4.7 path 1: "backends that
// are linked into the process register themselves during static
// initialization").
func (r *Registry) RegisterStatic(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Lookup constructs a fresh backend instance for name.
func (r *Registry) Lookup(name string) (backend.Backend, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &backend.NotFoundError{Name: name, Reason: "no backend registered for this instruction set"}
	}
	return f(), nil
}

// Names returns the currently registered backend names, in no
// particular order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	return names
}

// LoadDynamic opens the host-native shared object at path and calls its
// exported register_backend symbol (§4.7 path 2; §6 "Backend loader").
// There is no third-party cross-platform dynamic-library loader in
// this module's dependency set, and none of the retrieval pack's other
// repos carry one either — the standard library's plugin package is
// the only option on the target (Linux/amd64) and is itself OS-level
// plumbing rather than a replaceable domain library, so this is the one
// place the emitter stack reaches past its third-party surface.
func (r *Registry) LoadDynamic(path string) error {
	p, err := plugin.Open(path)
	if err != nil {
		return fmt.Errorf("runtime: opening backend plugin %s: %w", path, err)
	}
	sym, err := p.Lookup("register_backend")
	if err != nil {
		return fmt.Errorf("runtime: plugin %s exports no register_backend: %w", path, err)
	}
	fn, ok := sym.(func() *Descriptor)
	if !ok {
		return fmt.Errorf("runtime: plugin %s's register_backend has an unexpected signature", path)
	}
	desc := fn()
	if desc.APIVersion != APIVersion {
		return &backend.NotFoundError{Name: desc.Name, Reason: fmt.Sprintf("plugin %s declares API version %d, core expects %d", path, desc.APIVersion, APIVersion)}
	}
	r.RegisterStatic(desc.Name, desc.New)
	return nil
}

// instructionSetAliases maps §6's environment-variable spellings to
// registry names.
var instructionSetAliases = map[string]string{
	"SSE2":        "sse2",
	"SSE2-Scalar": "sse2",
	"AVX2":        "avx2",
	"AVX2-Packed": "avx2",
}

// DefaultBackendName reads FORGE_INSTRUCTION_SET (§6) and resolves it to
// a registry name, returning ok=false if the variable is unset or
// unrecognized so the caller can fall back to its own default.
func DefaultBackendName() (name string, ok bool) {
	v := os.Getenv("FORGE_INSTRUCTION_SET")
	if v == "" {
		return "", false
	}
	if n, known := instructionSetAliases[v]; known {
		return n, true
	}
	return "", false
}

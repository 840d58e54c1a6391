// Copyright Project Contour Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package filterschema

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/flowplane/flowplane/internal/flowerrors"
	"github.com/flowplane/flowplane/internal/model"
)

//go:embed builtin/*.yaml
var builtinFS embed.FS

// entry pairs a decoded Schema with its compiled config_schema validator
// and, when the optional per_route_config_schema is present, its compiled
// per-route validator; decodeEntry compiles both up front.
type entry struct {
	schema          Schema
	validator       *jsonschema.Schema
	routeValidator  *jsonschema.Schema
}

// Registry is C7: the process-wide set of known filter type descriptors.
// Safe for concurrent use; Reload swaps the custom set atomically under a
// write lock while lookups take the read lock, mirroring C4's cache
// discipline (reads frequent, writes bursty).
type Registry struct {
	mu      sync.RWMutex
	builtin map[string]*entry
	custom  map[string]*entry
	dir     string
	log     logrus.FieldLogger
}

// New loads the embedded built-in schema set. dir, if non-empty, is a
// directory of additional YAML schema documents Reload and Watch will read.
func New(dir string, log logrus.FieldLogger) (*Registry, error) {
	r := &Registry{
		builtin: map[string]*entry{},
		custom:  map[string]*entry{},
		dir:     dir,
		log:     log,
	}
	entries, err := builtinFS.ReadDir("builtin")
	if err != nil {
		return nil, fmt.Errorf("reading embedded filter schemas: %w", err)
	}
	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		raw, err := builtinFS.ReadFile(filepath.Join("builtin", de.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading embedded schema %s: %w", de.Name(), err)
		}
		e, err := decodeEntry(raw)
		if err != nil {
			return nil, fmt.Errorf("compiling embedded schema %s: %w", de.Name(), err)
		}
		e.schema.builtin = true
		r.builtin[e.schema.Name] = e
	}
	if dir != "" {
		if err := r.Reload(); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Reload re-reads the custom directory atomically (spec.md §4.7 "reload()
// re-reads the directory atomically"). A file that fails to parse or
// compile is logged and skipped; when any file is skipped, previously
// loaded custom schemas that this pass did not load again are kept.
func (r *Registry) Reload() error {
	if r.dir == "" {
		return nil
	}
	files, err := filepath.Glob(filepath.Join(r.dir, "*.yaml"))
	if err != nil {
		return fmt.Errorf("listing custom schema directory: %w", err)
	}
	ymlFiles, err := filepath.Glob(filepath.Join(r.dir, "*.yml"))
	if err != nil {
		return fmt.Errorf("listing custom schema directory: %w", err)
	}
	files = append(files, ymlFiles...)

	next := make(map[string]*entry, len(files))
	failed := false
	for _, path := range files {
		raw, err := os.ReadFile(path)
		if err != nil {
			r.log.WithError(err).WithField("file", path).Warn("skipping unreadable custom filter schema")
			failed = true
			continue
		}
		e, err := decodeEntry(raw)
		if err != nil {
			r.log.WithError(err).WithField("file", path).Warn("skipping invalid custom filter schema")
			failed = true
			continue
		}
		if _, shadowsBuiltin := r.builtin[e.schema.Name]; shadowsBuiltin {
			r.log.WithField("name", e.schema.Name).Info("custom filter schema overrides a built-in schema")
		}
		next[e.schema.Name] = e
	}

	r.mu.Lock()
	if failed {
		for name, e := range r.custom {
			if _, ok := next[name]; !ok {
				next[name] = e
			}
		}
	}
	r.custom = next
	r.mu.Unlock()
	return nil
}

// Watch runs until ctx is cancelled, calling Reload whenever the custom
// directory changes. It returns immediately (running in the caller's
// goroutine) if no directory was configured.
func (r *Registry) Watch(ctx context.Context) error {
	if r.dir == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating filter schema watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(r.dir); err != nil {
		return fmt.Errorf("watching filter schema directory: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(event.Name, ".yaml") && !strings.HasSuffix(event.Name, ".yml") {
				continue
			}
			if err := r.Reload(); err != nil {
				r.log.WithError(err).Error("reloading filter schema directory")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.log.WithError(err).Error("filter schema watcher error")
		}
	}
}

// Get resolves a schema by name. A custom schema with the same name as a
// built-in one takes precedence (spec.md §4.7 "overrides and is logged").
func (r *Registry) Get(name string) (*Schema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.custom[name]; ok {
		return &e.schema, nil
	}
	if e, ok := r.builtin[name]; ok {
		return &e.schema, nil
	}
	return nil, flowerrors.New(flowerrors.NotFound, "filter schema not found: "+name)
}

// List returns every known schema, custom entries shadowing built-ins of the
// same name.
func (r *Registry) List() []Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{}, len(r.builtin)+len(r.custom))
	out := make([]Schema, 0, len(r.builtin)+len(r.custom))
	for name, e := range r.custom {
		out = append(out, e.schema)
		seen[name] = struct{}{}
	}
	for name, e := range r.builtin {
		if _, ok := seen[name]; ok {
			continue
		}
		out = append(out, e.schema)
	}
	return out
}

// Validate checks configJSON against name's config_schema (spec.md §4.7
// "validates filter instance configs against config_schema before
// persistence"). perRoute selects the per_route_config_schema instead, used
// for a FilterAttachment's override_config.
func (r *Registry) Validate(name string, configJSON []byte, perRoute bool) error {
	e, err := r.lookupEntry(name)
	if err != nil {
		return err
	}
	validator := e.validator
	if perRoute {
		validator = e.routeValidator
	}
	if validator == nil {
		if perRoute {
			return nil // no per-route schema declared: any override_config is accepted
		}
		return flowerrors.New(flowerrors.InvalidConfig, "filter schema "+name+" has no config_schema")
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(configJSON))
	if err != nil {
		return flowerrors.Wrap(flowerrors.InvalidConfig, "decoding filter config", err)
	}
	if err := validator.Validate(inst); err != nil {
		return flowerrors.Wrap(flowerrors.InvalidConfig, "filter config failed schema validation", err)
	}
	return nil
}

// Translate validates configJSON and, if it passes, produces the
// model.HTTPFilterConfig C2's listener/route encoders turn into Envoy's
// typed_config wire format (spec.md §4.7 "converts the validated config
// JSON into the protobuf typed_config bytes used by C2/C3"; C2 does the
// final wrap into a TypedStruct, this stage only validates and reshapes).
func (r *Registry) Translate(name string, configJSON []byte) (model.HTTPFilterConfig, error) {
	e, err := r.lookupEntry(name)
	if err != nil {
		return model.HTTPFilterConfig{}, err
	}
	if !e.schema.IsImplemented {
		return model.HTTPFilterConfig{}, flowerrors.New(flowerrors.InvalidConfig, "filter type "+name+" has no translator implemented")
	}
	if err := r.Validate(name, configJSON, false); err != nil {
		return model.HTTPFilterConfig{}, err
	}
	var cfg map[string]any
	if len(configJSON) > 0 {
		if err := json.Unmarshal(configJSON, &cfg); err != nil {
			return model.HTTPFilterConfig{}, flowerrors.Wrap(flowerrors.InvalidConfig, "decoding filter config", err)
		}
	}
	return model.HTTPFilterConfig{Name: e.schema.Envoy.HTTPFilterName, Config: cfg}, nil
}

func (r *Registry) lookupEntry(name string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.custom[name]; ok {
		return e, nil
	}
	if e, ok := r.builtin[name]; ok {
		return e, nil
	}
	return nil, flowerrors.New(flowerrors.NotFound, "filter schema not found: "+name)
}

func decodeEntry(raw []byte) (*entry, error) {
	var s Schema
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("parsing schema document: %w", err)
	}
	if s.Name == "" {
		return nil, fmt.Errorf("schema document missing name")
	}
	e := &entry{schema: s}
	if len(s.ConfigSchema) > 0 {
		v, err := compileSchema(s.Name+"#/config_schema", s.ConfigSchema)
		if err != nil {
			return nil, fmt.Errorf("compiling config_schema: %w", err)
		}
		e.validator = v
	}
	if len(s.PerRouteConfigSchema) > 0 {
		v, err := compileSchema(s.Name+"#/per_route_config_schema", s.PerRouteConfigSchema)
		if err != nil {
			return nil, fmt.Errorf("compiling per_route_config_schema: %w", err)
		}
		e.routeValidator = v
	}
	return e, nil
}

func compileSchema(id string, doc map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	decoded, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(id, decoded); err != nil {
		return nil, err
	}
	return compiler.Compile(id)
}

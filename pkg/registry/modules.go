package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"orion/pkg/config"
)

const (
	manifestExt         = ".json"
	MaxNameLength       = 64
	maxDescriptionBytes = 1024
)

var namePattern = regexp.MustCompile(`^[a-zA-Z0-9]+([._-][a-zA-Z0-9]+)*$`)

// Manifest is an agent template read from <modules dir>/<name>.json.
type Manifest struct {
	Name             string         `json:"name"`
	Description      string         `json:"description,omitempty"`
	Version          string         `json:"version,omitempty"`
	Kind             string         `json:"kind"`
	Transport        string         `json:"transport,omitempty"`
	HeartbeatSeconds int            `json:"heartbeat_seconds,omitempty"`
	Settings         map[string]any `json:"settings,omitempty"`
}

// ModuleInfo describes one manifest on disk and whether it is loaded.
type ModuleInfo struct {
	Name       string    `json:"name"`
	Path       string    `json:"path"`
	Kind       string    `json:"kind,omitempty"`
	Version    string    `json:"version,omitempty"`
	Loaded     bool      `json:"loaded"`
	LoadedAt   time.Time `json:"loaded_at,omitzero"`
	ModifiedAt time.Time `json:"modified_at,omitzero"`
	Error      string    `json:"error,omitempty"`
}

type module struct {
	manifest   Manifest
	path       string
	loadedAt   time.Time
	modifiedAt time.Time
}

func validName(name string) error {
	if name == "" {
		return errors.New("name is required")
	}
	if len(name) > MaxNameLength {
		return fmt.Errorf("name exceeds %d characters", MaxNameLength)
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("name %q must be alphanumeric with '.', '_' or '-' separators", name)
	}
	return nil
}

func (m Manifest) validate(fileName string, kinds map[string]bool) error {
	var errs error
	if m.Name != fileName {
		errs = errors.Join(errs, fmt.Errorf("name %q does not match file name %q", m.Name, fileName))
	}
	if strings.TrimSpace(m.Kind) == "" {
		errs = errors.Join(errs, errors.New("kind is required"))
	} else if kinds != nil && !kinds[m.Kind] {
		errs = errors.Join(errs, fmt.Errorf("unknown kind %q", m.Kind))
	}
	if m.Transport != "" && !config.ValidTransport(m.Transport) {
		errs = errors.Join(errs, fmt.Errorf("transport %q is not supported", m.Transport))
	}
	if m.HeartbeatSeconds < 0 {
		errs = errors.Join(errs, errors.New("heartbeat_seconds must not be negative"))
	}
	if len(m.Description) > maxDescriptionBytes {
		errs = errors.Join(errs, fmt.Errorf("description exceeds %d bytes", maxDescriptionBytes))
	}
	return errs
}

// readManifest parses one manifest file. A missing name defaults to the
// file name.
func readManifest(path string) (Manifest, os.FileInfo, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Manifest{}, nil, err
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, nil, err
	}

	var manifest Manifest
	if err := json.Unmarshal(content, &manifest); err != nil {
		return Manifest{}, info, fmt.Errorf("parse manifest: %w", err)
	}
	if manifest.Name == "" {
		manifest.Name = strings.TrimSuffix(filepath.Base(path), manifestExt)
	}
	return manifest, info, nil
}

func (r *Registry) modulePath(name string) string {
	return filepath.Join(r.modulesDir, name+manifestExt)
}

// Scan lists every manifest in the modules directory, merged with the loaded
// table. A missing directory yields only what is already loaded.
func (r *Registry) Scan() ([]ModuleInfo, error) {
	entries, err := os.ReadDir(r.modulesDir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, wrapError(ErrorInternal, err, "read modules dir %s", r.modulesDir)
	}

	r.mu.RLock()
	kinds := r.kindSet()
	loaded := make(map[string]module, len(r.modules))
	for name, mod := range r.modules {
		loaded[name] = *mod
	}
	r.mu.RUnlock()

	seen := make(map[string]bool)
	var out []ModuleInfo
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != manifestExt {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), manifestExt)
		path := filepath.Join(r.modulesDir, entry.Name())
		info := ModuleInfo{Name: name, Path: path}

		if err := validName(name); err != nil {
			info.Error = err.Error()
		} else if manifest, stat, err := readManifest(path); err != nil {
			info.Error = err.Error()
		} else {
			info.Kind = manifest.Kind
			info.Version = manifest.Version
			info.ModifiedAt = stat.ModTime().UTC()
			if err := manifest.validate(name, kinds); err != nil {
				info.Error = err.Error()
			}
		}

		if mod, ok := loaded[name]; ok {
			info.Loaded = true
			info.LoadedAt = mod.loadedAt
		}
		seen[name] = true
		out = append(out, info)
	}

	for name, mod := range loaded {
		if seen[name] {
			continue
		}
		out = append(out, ModuleInfo{
			Name:     name,
			Path:     mod.path,
			Kind:     mod.manifest.Kind,
			Version:  mod.manifest.Version,
			Loaded:   true,
			LoadedAt: mod.loadedAt,
			Error:    "manifest file no longer exists",
		})
	}

	slices.SortFunc(out, func(a, b ModuleInfo) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

// Load parses and validates the named manifest and registers it as a
// template. Loading an already loaded module is a conflict; use Reload.
func (r *Registry) Load(name string) (ModuleInfo, error) {
	return r.loadModule(name, false)
}

// Reload re-reads a loaded manifest. Agents created from the previous
// version keep running with the settings they were built with.
func (r *Registry) Reload(name string) (ModuleInfo, error) {
	return r.loadModule(name, true)
}

func (r *Registry) loadModule(name string, reload bool) (ModuleInfo, error) {
	name = strings.TrimSpace(name)
	if err := validName(name); err != nil {
		return ModuleInfo{}, wrapError(ErrorInvalid, err, "module name")
	}

	r.mu.RLock()
	_, loaded := r.modules[name]
	kinds := r.kindSet()
	r.mu.RUnlock()

	switch {
	case reload && !loaded:
		return ModuleInfo{}, NewError(ErrorNotFound, "module %q is not loaded", name)
	case !reload && loaded:
		return ModuleInfo{}, NewError(ErrorConflict, "module %q is already loaded", name)
	}

	path := r.modulePath(name)
	manifest, stat, err := readManifest(path)
	if errors.Is(err, fs.ErrNotExist) {
		return ModuleInfo{}, NewError(ErrorNotFound, "module %q has no manifest at %s", name, path)
	}
	if err != nil {
		return ModuleInfo{}, wrapError(ErrorInvalid, err, "module %q", name)
	}
	if err := manifest.validate(name, kinds); err != nil {
		return ModuleInfo{}, wrapError(ErrorInvalid, err, "module %q", name)
	}

	mod := &module{
		manifest:   manifest,
		path:       path,
		loadedAt:   time.Now().UTC(),
		modifiedAt: stat.ModTime().UTC(),
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ModuleInfo{}, wrapError(ErrorInternal, ErrClosed, "load module %q", name)
	}
	_, nowLoaded := r.modules[name]
	if !reload && nowLoaded {
		r.mu.Unlock()
		return ModuleInfo{}, NewError(ErrorConflict, "module %q is already loaded", name)
	}
	r.modules[name] = mod
	r.mu.Unlock()

	verb := "Module loaded"
	if reload {
		verb = "Module reloaded"
	}
	r.log.Info(verb, "module", name, "kind", manifest.Kind, "version", manifest.Version)

	return ModuleInfo{
		Name:       name,
		Path:       path,
		Kind:       manifest.Kind,
		Version:    manifest.Version,
		Loaded:     true,
		LoadedAt:   mod.loadedAt,
		ModifiedAt: mod.modifiedAt,
	}, nil
}

// Module returns the loaded manifest for name.
func (r *Registry) Module(name string) (Manifest, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	mod, ok := r.modules[name]
	if !ok {
		return Manifest{}, false
	}
	return mod.manifest, true
}

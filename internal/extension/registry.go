// Package extension discovers extensions on disk and resolves actions by name.
package extension

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/united-manufacturing-hub/expiremap/v2/pkg/expiremap"

	"github.com/harrison/aqueduct/internal/logger"
	"github.com/harrison/aqueduct/internal/models"
	"github.com/harrison/aqueduct/internal/parser"
)

const listingKey = "extensions"

// Options configures a Registry.
type Options struct {
	// Manifest is the file name looked up in every extension folder.
	Manifest string

	// URL and Key are injected into every loaded extension.
	URL string
	Key string

	// CacheTTL keeps a listing for at most this long. Zero rescans on every call.
	CacheTTL time.Duration
}

// listing is one cached directory scan.
type listing struct {
	at         time.Time
	extensions []*models.Extension
}

// Registry manages discovered extensions.
type Registry struct {
	Dir string

	opts   Options
	logger logger.Logger

	mu    sync.Mutex
	cache *expiremap.ExpireMap[string, listing]
}

// NewRegistry creates a registry over the extension folders in dir.
func NewRegistry(dir string, opts Options, log logger.Logger) *Registry {
	if opts.Manifest == "" {
		opts.Manifest = parser.ManifestFile
	}
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	r := &Registry{Dir: dir, opts: opts, logger: log}
	if opts.CacheTTL > 0 {
		r.cache = expiremap.NewEx[string, listing](opts.CacheTTL, opts.CacheTTL)
	}
	return r
}

// Load parses the extension in folder. The folder must exist, be a directory
// and contain the manifest; every failure is a *models.ConfigError.
func (r *Registry) Load(folder string) (*models.Extension, error) {
	info, err := os.Stat(folder)
	if err != nil {
		return nil, &models.ConfigError{Path: folder, Err: err}
	}
	if !info.IsDir() {
		return nil, &models.ConfigError{Path: folder, Err: errors.New("not a directory")}
	}

	ext, err := parser.ParseManifestFile(filepath.Join(folder, r.opts.Manifest))
	if err != nil {
		return nil, err
	}
	ext.URL = r.opts.URL
	ext.Key = r.opts.Key
	return ext, nil
}

// Scan loads every immediate subfolder of Dir holding a manifest. It returns
// the extensions that loaded, sorted by name, and one error per folder that
// did not. A missing Dir yields no extensions and no errors.
func (r *Registry) Scan() ([]*models.Extension, []error) {
	entries, err := os.ReadDir(r.Dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, []error{&models.ConfigError{Path: r.Dir, Err: err}}
	}

	var (
		exts []*models.Extension
		errs []error
	)
	for _, entry := range entries {
		folder := filepath.Join(r.Dir, entry.Name())
		if !isDir(folder) {
			continue
		}
		// Folders without a manifest are not extensions.
		if _, err := os.Stat(filepath.Join(folder, r.opts.Manifest)); errors.Is(err, fs.ErrNotExist) {
			continue
		}

		ext, err := r.Load(folder)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		exts = append(exts, ext)
	}

	models.SortExtensions(exts)
	return exts, errs
}

// isDir follows symlinks so linked extension folders are found.
func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// List returns every valid extension sorted by name. Folders that fail to
// load are skipped with a warning. Results may come from the cache when a
// TTL is configured.
func (r *Registry) List() []*models.Extension {
	if cached, ok := r.cached(); ok {
		return cached
	}

	exts, errs := r.Scan()
	for _, err := range errs {
		r.logger.Warnf("Skipping extension: %v", err)
	}

	if r.cache != nil {
		r.mu.Lock()
		r.cache.Set(listingKey, listing{at: time.Now(), extensions: exts})
		r.mu.Unlock()
	}
	return exts
}

func (r *Registry) cached() ([]*models.Extension, bool) {
	if r.cache == nil {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.cache.Load(listingKey)
	if !ok || time.Since(l.at) >= r.opts.CacheTTL {
		return nil, false
	}
	return l.extensions, true
}

// Invalidate drops any cached listing.
func (r *Registry) Invalidate() {
	if r.cache == nil {
		return
	}
	r.mu.Lock()
	r.cache.Set(listingKey, listing{})
	r.mu.Unlock()
}

// Get returns the extension called name. No match is a not-found error; more
// than one folder declaring the name is a configuration error.
func (r *Registry) Get(name string) (*models.Extension, error) {
	var matches []*models.Extension
	for _, ext := range r.List() {
		if ext.Name == name {
			matches = append(matches, ext)
		}
	}

	switch len(matches) {
	case 0:
		return nil, &models.NotFoundError{Kind: "extension", Name: name}
	case 1:
		return matches[0], nil
	}

	folders := make([]string, 0, len(matches))
	for _, m := range matches {
		f, _ := m.Folder()
		folders = append(folders, f)
	}
	return nil, &models.ConfigError{
		Path: r.Dir,
		Err:  fmt.Errorf("extension name %q is declared by %d folders: %v", name, len(matches), folders),
	}
}

// Resolve returns the extension and its action.
func (r *Registry) Resolve(extension, action string) (*models.Extension, *models.Action, error) {
	ext, err := r.Get(extension)
	if err != nil {
		return nil, nil, err
	}
	a, err := ext.Action(action)
	if err != nil {
		return nil, nil, err
	}
	return ext, a, nil
}

package mapping

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/strahe/assessor-sync/models"
	"github.com/strahe/assessor-sync/pkg/log"
	"gopkg.in/yaml.v3"
)

// snapshot is an immutable view of the mapping directory.
type snapshot struct {
	byKey map[models.MappingKey]*models.TableMapping
	paths map[models.MappingKey]string
	keys  []models.MappingKey
}

// Loader reads mapping documents from a directory, one file per mapping named
// <data_type>__<name>.{yaml,yml,json}. Readers share an immutable snapshot; writes
// replace it.
type Loader struct {
	dir    string
	mu     sync.Mutex
	cache  atomic.Pointer[snapshot]
	logger zerolog.Logger
}

func NewLoader(dir string) (*Loader, error) {
	if dir == "" {
		return nil, models.NewConfigError("mappings directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, models.NewConfigError("failed to create mappings directory %s: %v", dir, err)
	}
	return &Loader{dir: dir, logger: log.Named("mapping")}, nil
}

func (l *Loader) Dir() string { return l.dir }

// FileName returns the document name for key in the given format.
func FileName(key models.MappingKey, ext string) string {
	return key.DataType + "__" + key.Name + ext
}

func isMappingFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return !strings.HasPrefix(name, ".")
	}
	return false
}

func decode(path string, data []byte) (*models.TableMapping, error) {
	var m models.TableMapping
	var err error
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(data, &m)
	} else {
		err = yaml.Unmarshal(data, &m)
	}
	if err != nil {
		return nil, models.NewConfigError("failed to parse %s: %v", filepath.Base(path), err)
	}
	return &m, nil
}

// ReadFile decodes and validates a single mapping document.
func ReadFile(path string) (*models.TableMapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, models.NewConfigError("failed to read %s: %v", path, err)
	}
	m, err := decode(path, data)
	if err != nil {
		return nil, err
	}
	if err := Validate(m); err != nil {
		return nil, err
	}
	return m, nil
}

func encode(path string, m *models.TableMapping) ([]byte, error) {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return json.MarshalIndent(m, "", "  ")
	}
	return yaml.Marshal(m)
}

func (l *Loader) load() (*snapshot, error) {
	if s := l.cache.Load(); s != nil {
		return s, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loadLocked()
}

// loadLocked returns the cached snapshot or rereads the directory. l.mu must be held.
func (l *Loader) loadLocked() (*snapshot, error) {
	if s := l.cache.Load(); s != nil {
		return s, nil
	}

	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, models.NewConfigError("failed to read mappings directory %s: %v", l.dir, err)
	}
	s := &snapshot{
		byKey: make(map[models.MappingKey]*models.TableMapping),
		paths: make(map[models.MappingKey]string),
	}
	for _, e := range entries {
		if e.IsDir() || !isMappingFile(e.Name()) {
			continue
		}
		path := filepath.Join(l.dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, models.NewConfigError("failed to read %s: %v", e.Name(), err)
		}
		m, err := decode(path, data)
		if err != nil {
			return nil, err
		}
		if err := Validate(m); err != nil {
			return nil, fmt.Errorf("%s: %w", e.Name(), err)
		}
		key := m.Key()
		if prev, ok := s.paths[key]; ok {
			return nil, models.NewConfigError("%s and %s both define %s: %v", filepath.Base(prev), e.Name(), key, models.ErrDuplicateMapping)
		}
		s.byKey[key] = m
		s.paths[key] = path
		s.keys = append(s.keys, key)
	}
	sort.Slice(s.keys, func(i, j int) bool { return s.keys[i].String() < s.keys[j].String() })

	l.cache.Store(s)
	l.logger.Debug().Int("mappings", len(s.keys)).Str("dir", l.dir).Msg("mappings loaded")
	return s, nil
}

// Invalidate drops the cached snapshot; the next read reloads the directory.
func (l *Loader) Invalidate() {
	l.cache.Store(nil)
}

// List returns copies of every mapping, optionally restricted to one data type.
func (l *Loader) List(dataType string) ([]*models.TableMapping, error) {
	s, err := l.load()
	if err != nil {
		return nil, err
	}
	out := make([]*models.TableMapping, 0, len(s.keys))
	for _, k := range s.keys {
		if dataType != "" && k.DataType != dataType {
			continue
		}
		out = append(out, s.byKey[k].Clone())
	}
	return out, nil
}

func (l *Loader) Get(key models.MappingKey) (*models.TableMapping, error) {
	s, err := l.load()
	if err != nil {
		return nil, err
	}
	m, ok := s.byKey[key]
	if !ok {
		return nil, fmt.Errorf("mapping %s: %w", key, models.ErrNotFound)
	}
	return m.Clone(), nil
}

// Find looks a mapping up by name. dataType narrows the search; without it the name
// must be unambiguous.
func (l *Loader) Find(name, dataType string) (*models.TableMapping, error) {
	if dataType != "" {
		return l.Get(models.MappingKey{DataType: dataType, Name: name})
	}
	all, err := l.List("")
	if err != nil {
		return nil, err
	}
	var found *models.TableMapping
	for _, m := range all {
		if m.Name != name {
			continue
		}
		if found != nil {
			return nil, models.NewConfigError("mapping name %s is ambiguous across data types %s and %s", name, found.DataType, m.DataType)
		}
		found = m
	}
	if found == nil {
		return nil, fmt.Errorf("mapping %s: %w", name, models.ErrNotFound)
	}
	return found, nil
}

func (l *Loader) Create(m *models.TableMapping) error {
	return l.write(m, false)
}

func (l *Loader) Update(m *models.TableMapping) error {
	return l.write(m, true)
}

func (l *Loader) write(m *models.TableMapping, update bool) error {
	if err := Validate(m); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	s, err := l.loadLocked()
	if err != nil {
		return err
	}

	key := m.Key()
	path, exists := s.paths[key]
	switch {
	case update && !exists:
		return fmt.Errorf("mapping %s: %w", key, models.ErrNotFound)
	case !update && exists:
		return models.NewConfigError("mapping %s: %v", key, models.ErrDuplicateMapping)
	}

	doc := m.Clone()
	now := time.Now().UTC().Truncate(time.Second)
	if update {
		doc.CreatedAt = s.byKey[key].CreatedAt
	} else {
		path = filepath.Join(l.dir, FileName(key, ".yaml"))
		// written by another process since the snapshot was taken
		if _, err := os.Stat(path); err == nil {
			return models.NewConfigError("mapping %s: %v", key, models.ErrDuplicateMapping)
		}
		if doc.CreatedAt.IsZero() {
			doc.CreatedAt = now
		}
	}
	doc.UpdatedAt = now

	data, err := encode(path, doc)
	if err != nil {
		return fmt.Errorf("failed to encode mapping %s: %w", key, err)
	}
	if err := writeFileAtomic(path, data); err != nil {
		return fmt.Errorf("failed to write mapping %s: %w", key, err)
	}
	l.cache.Store(nil)
	l.logger.Info().Str("mapping", key.String()).Bool("update", update).Msg("mapping saved")
	return nil
}

func (l *Loader) Delete(key models.MappingKey) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, err := l.loadLocked()
	if err != nil {
		return err
	}

	path, ok := s.paths[key]
	if !ok {
		return fmt.Errorf("mapping %s: %w", key, models.ErrNotFound)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete mapping %s: %w", key, err)
	}
	l.cache.Store(nil)
	l.logger.Info().Str("mapping", key.String()).Msg("mapping deleted")
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".mapping-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

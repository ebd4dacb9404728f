package sunspec

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sync"
)

// Registry holds every Model Descriptor known to the collector. It is built
// once at startup from a directory of JSON model-definition documents and is
// read-only for the remainder of the process lifetime.
type Registry struct {
	mu     sync.RWMutex
	models map[uint16]*ModelDescriptor

	parseCache map[uint64][]byte // fingerprint -> source, for idempotent reload detection
}

// NewRegistry returns an empty registry. Use LoadDir to populate it.
func NewRegistry() *Registry {
	return &Registry{
		models:     make(map[uint16]*ModelDescriptor),
		parseCache: make(map[uint64][]byte),
	}
}

// LoadDir reads every *.json file in dir, parses it as a model definition,
// and registers it. A malformed document or an unrecognized field encoding
// is fatal: the whole load aborts so the caller can refuse to start rather
// than run with a partially-loaded catalog.
func (r *Registry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return &LoadError{Path: dir, Kind: KindMalformedDefinition, Err: err}
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := r.loadFile(path); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return &LoadError{Path: path, Kind: KindMalformedDefinition, Err: err}
	}

	fp := fingerprint(data)
	r.mu.Lock()
	if cached, ok := r.parseCache[fp]; ok && string(cached) == string(data) {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	var desc ModelDescriptor
	if err := json.Unmarshal(data, &desc); err != nil {
		return &LoadError{Path: path, Kind: KindMalformedDefinition, Err: err}
	}
	if desc.ModelID == 0 {
		return &LoadError{Path: path, Kind: KindMalformedDefinition, Err: fmt.Errorf("missing or zero model id")}
	}
	for _, f := range desc.Fields {
		if !validEncoding(f.Encoding) {
			return &LoadError{Path: path, Kind: KindUnknownEncoding, Err: fmt.Errorf("field %q: unknown encoding %q", f.Name, f.Encoding)}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.parseCache[fp] = data
	r.models[desc.ModelID] = &desc
	return nil
}

func validEncoding(e Encoding) bool {
	switch e {
	case EncodingUint16, EncodingInt16, EncodingUint32, EncodingInt32, EncodingFloat32, EncodingString, EncodingSunSSF:
		return true
	default:
		return false
	}
}

// Lookup returns the model descriptor for modelID, or false if the registry
// has no definition for it.
func (r *Registry) Lookup(modelID uint16) (*ModelDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[modelID]
	return m, ok
}

// Len returns the number of distinct models currently registered.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.models)
}

func fingerprint(data []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(data)
	return h.Sum64()
}

package notebook

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

type MappingStoreFactory func(dsn string) (MappingStore, error)

var mappingStoreRegistry = struct {
	mu        sync.RWMutex
	factories map[string]MappingStoreFactory
}{
	factories: map[string]MappingStoreFactory{},
}

// RegisterMappingStoreFactory makes a custom backend available to
// BuildMappingStoreFromDSN under scheme. Registered schemes take precedence
// over the built-in ones.
func RegisterMappingStoreFactory(scheme string, factory MappingStoreFactory) {
	scheme = normalizeStoreScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	mappingStoreRegistry.mu.Lock()
	defer mappingStoreRegistry.mu.Unlock()
	mappingStoreRegistry.factories[scheme] = factory
}

func lookupMappingStoreFactory(scheme string) (MappingStoreFactory, bool) {
	scheme = normalizeStoreScheme(scheme)
	mappingStoreRegistry.mu.RLock()
	defer mappingStoreRegistry.mu.RUnlock()
	factory, ok := mappingStoreRegistry.factories[scheme]
	return factory, ok
}

func normalizeStoreScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

// BuildMappingStoreFromDSN picks a backend by URL scheme. An empty DSN yields
// the in-memory store; a bare path is treated as a JSON file.
func BuildMappingStoreFromDSN(dsn string) (MappingStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewInMemoryMappingStore(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeStoreScheme(parsed.Scheme)
	if factory, ok := lookupMappingStoreFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file", "json":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewJSONFileMappingStore(path)
	case "memory", "mem", "inmem":
		return NewInMemoryMappingStore(), nil
	case "postgres", "postgresql":
		return NewPostgresMappingStore(dsn)
	case "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteMappingStore(path)
	case "mongodb", "mongodb+srv":
		return NewMongoMappingStore(dsn)
	case "mysql":
		return nil, fmt.Errorf("%w: mapping store %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported mapping store scheme: %s", scheme)
	}
}

// dsnPath extracts a filesystem path from file:, json: and sqlite: DSNs.
// "sqlite://relay.db" and "sqlite:///var/lib/relay.db" both work.
func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	if opaque := strings.TrimSpace(parsed.Opaque); opaque != "" {
		return opaque, nil
	}
	host := strings.TrimSpace(parsed.Host)
	path := strings.TrimSpace(parsed.Path)
	switch {
	case host != "" && path != "":
		return host + path, nil
	case host != "":
		return host, nil
	case path != "":
		return path, nil
	default:
		return "", ErrInvalidInput
	}
}

package workflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// DirResolver resolves workflow definitions from YAML files in a directory,
// one file per workflow id. An empty id maps to default.yaml. Definitions
// are cached after first load; files are read-only input at runtime.
type DirResolver struct {
	Dir string

	mu    sync.Mutex
	cache map[string]*Definition
}

func NewDirResolver(dir string) *DirResolver {
	return &DirResolver{Dir: dir, cache: make(map[string]*Definition)}
}

func (r *DirResolver) ResolveWorkflow(_ context.Context, workflowID string) (*Definition, error) {
	id := strings.TrimSpace(workflowID)
	if id == "" {
		id = "default"
	}
	if strings.ContainsAny(id, `/\`) {
		return nil, fmt.Errorf("invalid workflow id %q", workflowID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if def, ok := r.cache[id]; ok {
		return def, nil
	}

	path := filepath.Join(r.Dir, id+".yaml")
	if _, err := os.Stat(path); err != nil {
		alt := filepath.Join(r.Dir, id+".yml")
		if _, altErr := os.Stat(alt); altErr != nil {
			return nil, fmt.Errorf("workflow %q not found under %s", id, r.Dir)
		}
		path = alt
	}
	def, err := Load(path)
	if err != nil {
		return nil, err
	}
	if def.ID == "" {
		def.ID = id
	}
	r.cache[id] = def
	return def, nil
}

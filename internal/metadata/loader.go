package metadata

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadDir reads every *.object.yml / *.object.yaml file under dir and
// registers the definitions. Invalid files are skipped with a warning so
// one bad definition cannot take the whole registry down.
func LoadDir(dir string, reg *Registry) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read schema dir: %w", err)
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".object.yml") && !strings.HasSuffix(name, ".object.yaml") {
			continue
		}
		obj, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			log.Printf("WARN: skipping %s: %v", name, err)
			continue
		}
		if err := reg.Register(obj); err != nil {
			log.Printf("WARN: skipping %s: %v", name, err)
			continue
		}
		loaded++
	}

	log.Printf("Loaded %d objects into registry from %s", loaded, dir)
	return nil
}

// LoadFile parses a single object definition file. The object name
// defaults to the file name with the .object suffix stripped.
func LoadFile(path string) (*Object, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var obj Object
	if err := yaml.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	if obj.Name == "" {
		base := filepath.Base(path)
		base = strings.TrimSuffix(base, ".yaml")
		base = strings.TrimSuffix(base, ".yml")
		obj.Name = strings.TrimSuffix(base, ".object")
	}
	return &obj, nil
}

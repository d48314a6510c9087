package webapp

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gobwas/glob"
)

// Scan lists the application directories under base. Every subdirectory is
// one application named after the directory; "default" is mounted at the
// root path. Directories matching one of the exclude globs, and hidden
// directories, are skipped.
func Scan(base string, excludes []string) ([]Config, error) {
	matchers := make([]glob.Glob, 0, len(excludes))
	for _, pattern := range excludes {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile exclude %q: %w", pattern, err)
		}
		matchers = append(matchers, g)
	}

	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("resolve apps base: %w", err)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("scan apps base: %w", err)
	}

	var configs []Config
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || strings.HasPrefix(name, ".") || excluded(matchers, name) {
			continue
		}
		if validateName(name) != nil {
			continue
		}
		configs = append(configs, Config{
			Name:        name,
			ContextPath: DefaultContextPath(name),
			RootDir:     filepath.Join(abs, name),
		})
	}
	sort.Slice(configs, func(i, j int) bool { return configs[i].Name < configs[j].Name })
	return configs, nil
}

func excluded(matchers []glob.Glob, name string) bool {
	for _, g := range matchers {
		if g.Match(name) {
			return true
		}
	}
	return false
}

// Resolve combines explicitly configured applications with those found under
// appsBase. Explicit entries win over scanned ones with the same name. When
// neither is configured a single "default" application rooted at dir is
// returned.
func Resolve(explicit []Config, appsBase string, excludes []string, dir string) ([]Config, error) {
	if len(explicit) == 0 && appsBase == "" {
		return []Config{{Name: "default", ContextPath: "/", RootDir: dir}}, nil
	}

	seen := make(map[string]bool, len(explicit))
	out := make([]Config, 0, len(explicit))
	for _, cfg := range explicit {
		if seen[cfg.Name] {
			return nil, fmt.Errorf("app %s configured twice", cfg.Name)
		}
		seen[cfg.Name] = true
		out = append(out, cfg)
	}

	if appsBase != "" {
		scanned, err := Scan(appsBase, excludes)
		if err != nil {
			return nil, err
		}
		for _, cfg := range scanned {
			if !seen[cfg.Name] {
				seen[cfg.Name] = true
				out = append(out, cfg)
			}
		}
	}
	return out, nil
}

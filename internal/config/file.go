package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
)

// updateFile rewrites the KEY=VALUE file at path in place: known keys are
// replaced on their existing lines, blank lines and # comments pass through
// untouched, and keys not present yet are appended at the end. Returns the
// sorted list of keys written.
func updateFile(path string, changes map[string]string) ([]string, error) {
	var lines []string
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read option file %s: %w", path, err)
		}
	} else if len(data) > 0 {
		lines = strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	}

	out := updateLines(lines, changes)

	content := strings.Join(out, "\n")
	if content != "" {
		content += "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("write option file %s: %w", path, err)
	}

	updated := make([]string, 0, len(changes))
	for k := range changes {
		updated = append(updated, k)
	}
	sort.Strings(updated)
	return updated, nil
}

// updateLines applies changes to the file lines, preserving order and
// comments. Appended keys are sorted so the rewrite is deterministic.
func updateLines(lines []string, changes map[string]string) []string {
	remaining := make(map[string]string, len(changes))
	for k, v := range changes {
		remaining[k] = v
	}

	out := make([]string, 0, len(lines)+len(remaining))
	for _, line := range lines {
		stripped := strings.TrimSpace(line)
		if stripped == "" || strings.HasPrefix(stripped, "#") || !strings.Contains(stripped, "=") {
			out = append(out, line)
			continue
		}
		key := strings.TrimSpace(stripped[:strings.Index(stripped, "=")])
		if value, ok := remaining[key]; ok {
			out = append(out, key+"="+value)
			delete(remaining, key)
			continue
		}
		out = append(out, line)
	}

	appended := make([]string, 0, len(remaining))
	for k := range remaining {
		appended = append(appended, k)
	}
	sort.Strings(appended)
	for _, k := range appended {
		out = append(out, k+"="+remaining[k])
	}
	return out
}

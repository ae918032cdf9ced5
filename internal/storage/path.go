package storage

import (
	"fmt"
	"path"
	"regexp"
)

// Export output layout, rooted at the run's output prefix:
//
//	<prefix>/_AVRO_SCHEMA.avsc
//	<prefix>/_queries/query_<n>.sql
//	<prefix>/part-<nnnnn>.<ext>
//	<prefix>/_METRICS.json
const (
	SchemaFileName  = "_AVRO_SCHEMA.avsc"
	MetricsFileName = "_METRICS.json"
	QueriesDirName  = "_queries"
)

var prefixComponentPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._\-=]{0,127}$`)

func BuildSchemaFilePath(prefix string) (string, error) {
	if err := ValidatePrefix(prefix); err != nil {
		return "", err
	}
	return path.Join(prefix, SchemaFileName), nil
}

func BuildQueryFilePath(prefix string, index int) (string, error) {
	if err := ValidatePrefix(prefix); err != nil {
		return "", err
	}
	if index < 0 {
		return "", fmt.Errorf("query index must be >= 0")
	}
	return path.Join(prefix, QueriesDirName, fmt.Sprintf("query_%d.sql", index)), nil
}

// BuildShardFilePath keys a shard by its partition index so results stay
// addressable regardless of which writer finishes first.
func BuildShardFilePath(prefix string, index int, ext string) (string, error) {
	if err := ValidatePrefix(prefix); err != nil {
		return "", err
	}
	if index < 0 {
		return "", fmt.Errorf("shard index must be >= 0")
	}
	if ext == "" {
		return "", fmt.Errorf("shard extension is required")
	}
	return path.Join(prefix, fmt.Sprintf("part-%05d.%s", index, ext)), nil
}

func BuildMetricsFilePath(prefix string) (string, error) {
	if err := ValidatePrefix(prefix); err != nil {
		return "", err
	}
	return path.Join(prefix, MetricsFileName), nil
}

// ValidatePrefix rejects empty, unclean, or traversal-carrying output
// prefixes. Callers run it before any source or store I/O.
func ValidatePrefix(prefix string) error {
	if prefix == "" {
		return fmt.Errorf("output prefix is required")
	}
	if path.IsAbs(prefix) {
		return fmt.Errorf("output prefix must be bucket-relative: %q", prefix)
	}
	cleaned := path.Clean(prefix)
	if cleaned != prefix {
		return fmt.Errorf("invalid output prefix: %q", prefix)
	}
	for _, component := range splitPath(cleaned) {
		if !prefixComponentPattern.MatchString(component) {
			return fmt.Errorf("invalid output prefix component: %q", component)
		}
	}
	return nil
}

func splitPath(p string) []string {
	var out []string
	for p != "" {
		dir, file := path.Split(p)
		out = append([]string{file}, out...)
		p = path.Clean(dir)
		if p == "." || p == "/" {
			break
		}
	}
	return out
}

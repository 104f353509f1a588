package session

import "fmt"

// Open returns the backend named by kind ("sqlite" or "jsonl") at path.
func Open(kind, path string) (Backend, error) {
	switch kind {
	case "", "sqlite":
		return OpenSQLite(path)
	case "jsonl":
		return OpenJSONL(path)
	default:
		return nil, fmt.Errorf("unknown session backend: %s", kind)
	}
}

package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// JSONLBackend stores each session as <key>.jsonl in a directory, one
// message per line.
type JSONLBackend struct {
	dir        string
	writeLocks map[string]*sync.Mutex
	locksMu    sync.Mutex
}

type jsonlEntry struct {
	SessionKey string  `json:"sessionKey"`
	Message    Message `json:"message"`
}

// OpenJSONL creates the sessions directory if needed.
func OpenJSONL(dir string) (*JSONLBackend, error) {
	if dir == "" {
		return nil, fmt.Errorf("sessions directory is required")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}
	return &JSONLBackend{
		dir:        dir,
		writeLocks: make(map[string]*sync.Mutex),
	}, nil
}

func validateFileKey(key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	if strings.Contains(key, "..") {
		return fmt.Errorf("session key cannot contain '..'")
	}
	if strings.ContainsAny(key, "/\\") {
		return fmt.Errorf("session key cannot contain path separators")
	}
	if strings.Contains(key, "\x00") {
		return fmt.Errorf("session key cannot contain null bytes")
	}
	return nil
}

func (b *JSONLBackend) path(key string) string {
	return filepath.Join(b.dir, key+".jsonl")
}

func (b *JSONLBackend) lock(key string) *sync.Mutex {
	b.locksMu.Lock()
	defer b.locksMu.Unlock()

	if l, ok := b.writeLocks[key]; ok {
		return l
	}
	l := &sync.Mutex{}
	b.writeLocks[key] = l
	return l
}

func (b *JSONLBackend) Init(ctx context.Context, key string) error {
	if err := validateFileKey(key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	f, err := os.OpenFile(b.path(key), os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to create session file: %w", err)
	}
	return f.Close()
}

func (b *JSONLBackend) Load(ctx context.Context, key string) ([]Message, error) {
	if err := validateFileKey(key); err != nil {
		return nil, err
	}

	f, err := os.Open(b.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return []Message{}, nil
		}
		return nil, fmt.Errorf("failed to open session file: %w", err)
	}
	defer f.Close()

	msgs := []Message{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry jsonlEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			log.Warn().Str("session_key", key).Int("line", lineNum).Err(err).Msg("Failed to parse history line, skipping")
			continue
		}
		msgs = append(msgs, entry.Message)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}
	return msgs, nil
}

// AppendTurn writes both messages with a single write followed by fsync.
func (b *JSONLBackend) AppendTurn(ctx context.Context, key string, user, assistant Message) error {
	if err := validateFileKey(key); err != nil {
		return err
	}

	var buf []byte
	for _, m := range []Message{user, assistant} {
		data, err := json.Marshal(jsonlEntry{SessionKey: key, Message: m})
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		buf = append(buf, data...)
		buf = append(buf, '\n')
	}

	l := b.lock(key)
	l.Lock()
	defer l.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	f, err := os.OpenFile(b.path(key), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open session file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat session file: %w", err)
	}
	if _, err := f.Write(buf); err != nil {
		// Drop whatever part of the turn reached the file.
		_ = f.Truncate(info.Size())
		return fmt.Errorf("failed to write turn: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync file: %w", err)
	}
	return nil
}

func (b *JSONLBackend) Sessions(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	var keys []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		keys = append(keys, strings.TrimSuffix(e.Name(), ".jsonl"))
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *JSONLBackend) Close() error {
	return nil
}

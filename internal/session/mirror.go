package session

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/supabase-community/supabase-go"

	"github.com/Gonna-AI/call-agent/internal/call"
)

// SupabaseMirror writes history entries as JSON objects into a storage
// bucket, one object per session. Writes are last-write-wins: a summary
// upgrade simply re-uploads the entry under the same key.
type SupabaseMirror struct {
	client *supabase.Client
	bucket string
}

// NewSupabaseMirror connects to Supabase storage. Returns an error instead of
// panicking so a misconfigured mirror degrades to local-only persistence.
func NewSupabaseMirror(url, serviceRoleKey, bucket string) (*SupabaseMirror, error) {
	client, err := supabase.NewClient(url, serviceRoleKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("supabase client: %w", err)
	}
	return &SupabaseMirror{client: client, bucket: bucket}, nil
}

// SaveHistory uploads the entry under calls/<id>.json.
func (m *SupabaseMirror) SaveHistory(item call.HistoryItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	key := "calls/" + item.ID + ".json"
	if _, err := m.client.Storage.UploadFile(m.bucket, key, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}

// Snapshot persists history to a local JSON file so restarts keep the
// dashboard populated even without a remote mirror.
type Snapshot struct {
	Path string
}

// Save writes all history entries atomically (write temp, rename).
func (s Snapshot) Save(items []call.HistoryItem) error {
	if s.Path == "" {
		return nil
	}
	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o755); err != nil {
		return err
	}
	tmp := s.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.Path)
}

// Load reads history entries; a missing file is an empty history, not an
// error.
func (s Snapshot) Load() ([]call.HistoryItem, error) {
	if s.Path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var items []call.HistoryItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("snapshot parse: %w", err)
	}
	return items, nil
}

// Package recent keeps the list of rooms this machine joined lately, so a
// client can offer them again and check which still exist.
package recent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"DrumRoom/logger"

	"github.com/fsnotify/fsnotify"
)

const (
	MaxEntries = 10
	TTL        = 10 * time.Hour
)

// Entry 一条最近房间记录
type Entry struct {
	RoomID     string    `json:"roomId"`
	LastJoined time.Time `json:"lastJoined"`
}

// Store 以 JSON 文件保存最近房间，最新的在前
type Store struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

// Open 不会创建文件，第一次写入时才创建
func Open(path string) *Store {
	return &Store{path: path, now: time.Now}
}

func (s *Store) Path() string {
	return s.path
}

// List returns the live entries. Expired entries are dropped from the file.
func (s *Store) List() ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, pruned, err := s.loadLocked()
	if err != nil {
		return nil, err
	}
	if pruned {
		if err := s.writeLocked(entries); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

// IDs 返回未过期的房间号
func (s *Store) IDs() ([]string, error) {
	entries, err := s.List()
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.RoomID
	}
	return ids, nil
}

// Add moves roomID to the front, trimming the list to MaxEntries.
func (s *Store) Add(roomID string) error {
	if roomID == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, _, err := s.loadLocked()
	if err != nil {
		return err
	}
	out := make([]Entry, 0, len(entries)+1)
	out = append(out, Entry{RoomID: roomID, LastJoined: s.now()})
	for _, e := range entries {
		if e.RoomID != roomID {
			out = append(out, e)
		}
	}
	if len(out) > MaxEntries {
		out = out[:MaxEntries]
	}
	return s.writeLocked(out)
}

func (s *Store) Remove(roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, pruned, err := s.loadLocked()
	if err != nil {
		return err
	}
	out := entries[:0]
	for _, e := range entries {
		if e.RoomID != roomID {
			out = append(out, e)
		}
	}
	if len(out) == len(entries) && !pruned {
		return nil
	}
	return s.writeLocked(out)
}

func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("clear recent rooms: %w", err)
	}
	return nil
}

func (s *Store) loadLocked() ([]Entry, bool, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read recent rooms: %w", err)
	}
	var entries []Entry
	if len(data) > 0 {
		if err := json.Unmarshal(data, &entries); err != nil {
			// 文件损坏时当作空列表，下次写入覆盖
			logger.Warn("recent rooms file is corrupt, ignoring it",
				logger.String("path", s.path),
				logger.ErrorField(err))
			return nil, true, nil
		}
	}
	cutoff := s.now().Add(-TTL)
	live := entries[:0]
	for _, e := range entries {
		if e.RoomID != "" && e.LastJoined.After(cutoff) {
			live = append(live, e)
		}
	}
	return live, len(live) != len(entries), nil
}

// writeLocked 先写临时文件再 rename，其他进程不会读到半个文件
func (s *Store) writeLocked(entries []Entry) error {
	if entries == nil {
		entries = []Entry{}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create recent rooms dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".recent-*.json")
	if err != nil {
		return fmt.Errorf("write recent rooms: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write recent rooms: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write recent rooms: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write recent rooms: %w", err)
	}
	return nil
}

// Watch calls fn with the fresh list every time the file changes on disk,
// including changes made by other processes. It blocks until ctx is done.
func (s *Store) Watch(ctx context.Context, fn func([]Entry)) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create recent rooms dir: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// 监听目录而不是文件：写入是 rename 替换，文件 inode 会变
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	target := filepath.Clean(s.path)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			entries, err := s.List()
			if err != nil {
				logger.Warn("failed to reload recent rooms", logger.ErrorField(err))
				continue
			}
			fn(entries)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("recent rooms watcher error", logger.ErrorField(err))
		}
	}
}

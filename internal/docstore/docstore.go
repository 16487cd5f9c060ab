// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package docstore manages file attachments offered to the model as
// context. Attached files are read once, kept in memory, and refreshed
// when they change on disk; the store also queues user-initiated web
// search results for one-shot injection into the next prompt.
package docstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/jeranaias/rigchat/internal/prompt"
)

// =============================================================================
// TYPES
// =============================================================================

const (
	defaultMaxEmbed = 200 * 1024
	defaultDebounce = 500 * time.Millisecond
)

// Attachment is the read-only view of one attached document.
type Attachment struct {
	Path string
	Name string
	Type string
	Size int64
	Err  string // non-empty when the last load failed
}

type document struct {
	name    string
	docType string
	content string
	loadErr string
	size    int64
}

// Store holds attached documents and pending search context. All methods
// are safe for concurrent use.
type Store struct {
	logger   zerolog.Logger
	maxEmbed int
	debounce time.Duration

	mu       sync.Mutex
	order    []string
	docs     map[string]*document
	dirRefs  map[string]int       // watched parent dirs, refcounted
	pending  map[string]time.Time // changed paths awaiting the debounce
	searches []string

	watcher *fsnotify.Watcher
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a store and starts its change watcher. maxEmbed caps how
// many bytes of a document are embedded into a prompt; debounce is how
// long a file must be quiet before it is reloaded.
func New(maxEmbed int, debounce time.Duration, logger zerolog.Logger) (*Store, error) {
	if maxEmbed <= 0 {
		maxEmbed = defaultMaxEmbed
	}
	if debounce <= 0 {
		debounce = defaultDebounce
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())

	s := &Store{
		logger:   logger,
		maxEmbed: maxEmbed,
		debounce: debounce,
		docs:     make(map[string]*document),
		dirRefs:  make(map[string]int),
		pending:  make(map[string]time.Time),
		watcher:  watcher,
		ctx:      ctx,
		cancel:   cancel,
	}

	s.wg.Add(2)
	go s.processEvents()
	go s.processPending()
	return s, nil
}

// Close stops the watcher and releases resources.
func (s *Store) Close() error {
	s.cancel()
	err := s.watcher.Close()
	s.wg.Wait()
	return err
}

// =============================================================================
// ATTACHMENTS
// =============================================================================

// Attach loads a file and adds it to the context set. Attaching an
// already-attached path reloads it in place. The parent directory is
// watched rather than the file itself so editors that replace on save
// still trigger a refresh.
func (s *Store) Attach(path string) (Attachment, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Attachment{}, err
	}
	doc, err := s.load(abs)
	if err != nil {
		return Attachment{}, err
	}

	s.mu.Lock()
	_, existed := s.docs[abs]
	s.docs[abs] = doc
	if !existed {
		s.order = append(s.order, abs)
		dir := filepath.Dir(abs)
		s.dirRefs[dir]++
		if s.dirRefs[dir] == 1 {
			if werr := s.watcher.Add(dir); werr != nil {
				s.logger.Warn().Err(werr).Str("dir", dir).Msg("watch failed; no hot reload for this file")
			}
		}
	}
	s.mu.Unlock()

	s.logger.Debug().Str("path", abs).Int64("size", doc.size).Msg("document attached")
	return viewOf(abs, doc), nil
}

// Detach removes a document. It reports whether the path was attached.
func (s *Store) Detach(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}

	s.mu.Lock()
	_, ok := s.docs[abs]
	if ok {
		s.removeLocked(abs)
	}
	s.mu.Unlock()

	if ok {
		s.logger.Debug().Str("path", abs).Msg("document detached")
	}
	return ok
}

// DetachAll removes every attached document.
func (s *Store) DetachAll() {
	s.mu.Lock()
	for _, abs := range append([]string(nil), s.order...) {
		s.removeLocked(abs)
	}
	s.mu.Unlock()
}

// removeLocked drops one document and releases its directory watch.
func (s *Store) removeLocked(abs string) {
	delete(s.docs, abs)
	delete(s.pending, abs)
	for i, p := range s.order {
		if p == abs {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	dir := filepath.Dir(abs)
	s.dirRefs[dir]--
	if s.dirRefs[dir] <= 0 {
		delete(s.dirRefs, dir)
		s.watcher.Remove(dir)
	}
}

// List returns the attachments in attach order.
func (s *Store) List() []Attachment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Attachment, 0, len(s.order))
	for _, abs := range s.order {
		out = append(out, viewOf(abs, s.docs[abs]))
	}
	return out
}

// Count returns the number of attached documents.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

func viewOf(abs string, doc *document) Attachment {
	return Attachment{
		Path: abs,
		Name: doc.name,
		Type: doc.docType,
		Size: doc.size,
		Err:  doc.loadErr,
	}
}

// =============================================================================
// SEARCH CONTEXT
// =============================================================================

// AddSearchContext queues a web search digest for the next prompt. Each
// queued digest is injected exactly once.
func (s *Store) AddSearchContext(contextBlock string) {
	contextBlock = strings.TrimSpace(contextBlock)
	if contextBlock == "" {
		return
	}
	s.mu.Lock()
	s.searches = append(s.searches, contextBlock)
	s.mu.Unlock()
}

// PendingSearches returns how many search digests await injection.
func (s *Store) PendingSearches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.searches)
}

// =============================================================================
// CONTEXT ASSEMBLY
// =============================================================================

// BuildContext renders the context payload for an outgoing user message:
// attached documents, then queued search results, then the typed text.
// Queued search results are consumed. Returns "" when there is nothing
// to add, so the message goes out as plain text.
func (s *Store) BuildContext(userText string) string {
	return s.build(userText, true)
}

// PreviewContext renders the same payload without consuming queued
// searches. Used for size estimates ahead of the actual send.
func (s *Store) PreviewContext(userText string) string {
	return s.build(userText, false)
}

func (s *Store) build(userText string, consume bool) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.order) == 0 && len(s.searches) == 0 {
		return ""
	}

	docs := make([]prompt.Document, 0, len(s.order))
	for _, abs := range s.order {
		d := s.docs[abs]
		docs = append(docs, prompt.Document{
			Name:    d.name,
			Type:    d.docType,
			Content: d.content,
			Err:     d.loadErr,
		})
	}

	combined, remaining := prompt.BuildContextBlock(docs, s.searches, userText, s.maxEmbed, consume)
	s.searches = remaining
	return combined
}

// =============================================================================
// LOADING
// =============================================================================

// load reads a file into a document. Reads stop one byte past the embed
// cap; anything longer is referenced but never embedded, so the rest is
// not needed.
func (s *Store) load(abs string) (*document, error) {
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, errors.New("cannot attach a directory")
	}

	f, err := os.Open(abs)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, int64(s.maxEmbed)+1))
	if err != nil {
		return nil, err
	}

	doc := &document{
		name:    filepath.Base(abs),
		docType: detectType(abs),
		size:    info.Size(),
	}
	if bytes.IndexByte(data, 0) >= 0 {
		doc.docType = "binary"
	} else {
		doc.content = string(data)
	}
	return doc, nil
}

// detectType labels a file by extension for the context header.
func detectType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown":
		return "markdown"
	case ".txt", ".text":
		return "text"
	case ".go":
		return "go source"
	case ".py":
		return "python source"
	case ".json":
		return "json"
	case ".yaml", ".yml":
		return "yaml"
	case ".toml":
		return "toml"
	case ".csv":
		return "csv"
	case ".log":
		return "log"
	case "":
		return "text"
	default:
		return strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	}
}

// =============================================================================
// CHANGE WATCHING
// =============================================================================

// processEvents marks attached paths dirty as filesystem events arrive.
// Reloading waits for the debounce window so editors that write in
// bursts cause one reload, not several.
func (s *Store) processEvents() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			abs := event.Name
			s.mu.Lock()
			if _, attached := s.docs[abs]; attached {
				s.pending[abs] = time.Now()
			}
			s.mu.Unlock()
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn().Err(err).Msg("document watcher error")
		}
	}
}

// processPending reloads paths whose debounce window has elapsed.
func (s *Store) processPending() {
	defer s.wg.Done()
	tick := 100 * time.Millisecond
	if s.debounce < tick {
		tick = s.debounce
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			var due []string
			for abs, changed := range s.pending {
				if now.Sub(changed) >= s.debounce {
					due = append(due, abs)
					delete(s.pending, abs)
				}
			}
			s.mu.Unlock()
			for _, abs := range due {
				s.refresh(abs)
			}
		}
	}
}

// refresh re-reads one attached file. A vanished file keeps its entry
// with an error marker so the context block can say so.
func (s *Store) refresh(abs string) {
	doc, err := s.load(abs)

	s.mu.Lock()
	current, attached := s.docs[abs]
	if attached {
		if err != nil {
			current.content = ""
			current.loadErr = "file missing or unreadable"
		} else {
			s.docs[abs] = doc
		}
	}
	s.mu.Unlock()

	if !attached {
		return
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("path", abs).Msg("document reload failed")
	} else {
		s.logger.Debug().Str("path", abs).Int64("size", doc.size).Msg("document reloaded")
	}
}

// Package voiceprint implements the on-disk speaker database and the
// identification layer above it. The layout under the database root is
// voice-prints.yaml (index), embeddings/<id>.bin (int32 LE dimension followed
// by dim float32 LE values) and samples/<id>/ for optional enrollment audio.
package voiceprint

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Extra is the free-form metadata block of an enrolled speaker.
type Extra struct {
	Gender   string `yaml:"gender"`
	Language string `yaml:"language"`
	Notes    string `yaml:"notes"`
}

// Metadata describes one enrolled speaker.
type Metadata struct {
	ID            string   `yaml:"id"`
	Name          string   `yaml:"name"`
	CreatedAt     string   `yaml:"created_at"`
	UpdatedAt     string   `yaml:"updated_at"`
	EmbeddingFile string   `yaml:"embedding_file"`
	EmbeddingDim  int      `yaml:"embedding_dim"`
	NumSamples    int      `yaml:"num_samples"`
	AudioSamples  []string `yaml:"audio_samples,omitempty"`
	Extra         Extra    `yaml:"metadata"`
}

// UnknownExtra tracks the drift of an auto-tracked speaker.
type UnknownExtra struct {
	LastSeen      string  `yaml:"last_seen"`
	AvgConfidence float32 `yaml:"avg_confidence"`
}

// Unknown is an auto-tracked speaker that never enrolled.
type Unknown struct {
	ID            string       `yaml:"id"`
	FirstSeen     string       `yaml:"first_seen"`
	EmbeddingFile string       `yaml:"embedding_file"`
	EmbeddingDim  int          `yaml:"embedding_dim"`
	Occurrences   int          `yaml:"occurrence_count"`
	Extra         UnknownExtra `yaml:"metadata"`
}

type index struct {
	Version   string     `yaml:"version"`
	CreatedAt string     `yaml:"created_at"`
	UpdatedAt string     `yaml:"updated_at"`
	Prints    []Metadata `yaml:"voice_prints"`
	Unknowns  []Unknown  `yaml:"unknown_speakers,omitempty"`
}

// DB is the voice-print database rooted at one directory.
type DB struct {
	mu   sync.Mutex
	path string

	version   string
	createdAt string
	updatedAt string

	prints   map[string]Metadata
	unknowns map[string]Unknown

	nextSpeakerNum int
	nextUnknownNum int
}

func timestamp() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05Z")
}

func expandTilde(path string) string {
	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

// DefaultPath is the store root used when none is configured.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/zasr/voice-prints"
	}
	return filepath.Join(home, ".zasr", "voice-prints")
}

// NewDB opens (without loading) a database rooted at path, defaulting to
// ~/.zasr/voice-prints.
func NewDB(path string) *DB {
	path = expandTilde(path)
	if path == "" {
		path = DefaultPath()
	}
	now := timestamp()
	return &DB{
		path:           path,
		version:        "1.0",
		createdAt:      now,
		updatedAt:      now,
		prints:         map[string]Metadata{},
		unknowns:       map[string]Unknown{},
		nextSpeakerNum: 1,
		nextUnknownNum: 1,
	}
}

func (db *DB) Path() string          { return db.path }
func (db *DB) IndexPath() string     { return filepath.Join(db.path, "voice-prints.yaml") }
func (db *DB) EmbeddingsDir() string { return filepath.Join(db.path, "embeddings") }
func (db *DB) SamplesDir() string    { return filepath.Join(db.path, "samples") }

func (db *DB) createDirs() error {
	if err := os.MkdirAll(db.EmbeddingsDir(), 0o755); err != nil {
		return err
	}
	return os.MkdirAll(db.SamplesDir(), 0o755)
}

// Load reads the index. A missing root or index file is a fresh database, not
// an error. Persisted speaker-N / unknown-N maxima advance the id counters.
func (db *DB) Load() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, err := os.Stat(db.IndexPath()); os.IsNotExist(err) {
		return db.createDirs()
	}
	data, err := os.ReadFile(db.IndexPath())
	if err != nil {
		return fmt.Errorf("read voice-print index: %w", err)
	}
	var idx index
	if err := yaml.Unmarshal(data, &idx); err != nil {
		return fmt.Errorf("parse voice-print index: %w", err)
	}
	if idx.Version != "" {
		db.version = idx.Version
	}
	if idx.CreatedAt != "" {
		db.createdAt = idx.CreatedAt
	}
	if idx.UpdatedAt != "" {
		db.updatedAt = idx.UpdatedAt
	}
	db.prints = map[string]Metadata{}
	for _, m := range idx.Prints {
		db.prints[m.ID] = m
		db.advanceCounter(m.ID, "speaker-", &db.nextSpeakerNum)
	}
	db.unknowns = map[string]Unknown{}
	for _, u := range idx.Unknowns {
		db.unknowns[u.ID] = u
		db.advanceCounter(u.ID, "unknown-", &db.nextUnknownNum)
	}
	slog.Info("voice-print database loaded",
		"path", db.IndexPath(),
		"speakers", len(db.prints),
		"unknown", len(db.unknowns))
	return nil
}

func (db *DB) advanceCounter(id, prefix string, next *int) {
	if !strings.HasPrefix(id, prefix) {
		return
	}
	n, err := strconv.Atoi(id[len(prefix):])
	if err != nil {
		return
	}
	if n >= *next {
		*next = n + 1
	}
}

// Save writes the index back to disk.
func (db *DB) Save() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.saveLocked()
}

func (db *DB) saveLocked() error {
	idx := index{
		Version:   db.version,
		CreatedAt: db.createdAt,
		UpdatedAt: timestamp(),
	}
	for _, m := range db.prints {
		idx.Prints = append(idx.Prints, m)
	}
	sortMetadata(idx.Prints)
	for _, u := range db.unknowns {
		idx.Unknowns = append(idx.Unknowns, u)
	}
	sortUnknowns(idx.Unknowns)

	if err := os.MkdirAll(db.path, 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(idx)
	if err != nil {
		return err
	}
	return os.WriteFile(db.IndexPath(), data, 0o644)
}

func sortMetadata(list []Metadata) {
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
}

func sortUnknowns(list []Unknown) {
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
}

// Add persists a speaker record together with its embedding blob.
func (db *DB) Add(meta Metadata, embedding []float32) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.createDirs(); err != nil {
		return err
	}
	if err := writeEmbedding(filepath.Join(db.path, meta.EmbeddingFile), embedding); err != nil {
		return fmt.Errorf("save embedding for %s: %w", meta.ID, err)
	}
	db.prints[meta.ID] = meta
	db.updatedAt = timestamp()
	return db.saveLocked()
}

// Remove deletes a speaker record and its embedding blob.
func (db *DB) Remove(speakerID string) bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	meta, ok := db.prints[speakerID]
	if !ok {
		return false
	}
	if err := os.Remove(filepath.Join(db.path, meta.EmbeddingFile)); err != nil && !os.IsNotExist(err) {
		slog.Error("delete embedding file failed", "path", meta.EmbeddingFile, "error", err.Error())
	}
	delete(db.prints, speakerID)
	db.updatedAt = timestamp()
	if err := db.saveLocked(); err != nil {
		slog.Error("save voice-print index failed", "error", err.Error())
	}
	return true
}

// Rename updates a speaker's display name.
func (db *DB) Rename(speakerID, newName string) bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	meta, ok := db.prints[speakerID]
	if !ok {
		return false
	}
	meta.Name = newName
	meta.UpdatedAt = timestamp()
	db.prints[speakerID] = meta
	db.updatedAt = meta.UpdatedAt
	if err := db.saveLocked(); err != nil {
		slog.Error("save voice-print index failed", "error", err.Error())
	}
	return true
}

// Get returns the record for speakerID.
func (db *DB) Get(speakerID string) (Metadata, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	m, ok := db.prints[speakerID]
	return m, ok
}

// All returns every enrolled speaker ordered by id.
func (db *DB) All() []Metadata {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make([]Metadata, 0, len(db.prints))
	for _, m := range db.prints {
		out = append(out, m)
	}
	sortMetadata(out)
	return out
}

// Contains reports whether speakerID is enrolled.
func (db *DB) Contains(speakerID string) bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	_, ok := db.prints[speakerID]
	return ok
}

// Count returns the number of enrolled speakers.
func (db *DB) Count() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.prints)
}

// LoadEmbedding reads the embedding blob for an enrolled speaker.
func (db *DB) LoadEmbedding(speakerID string) ([]float32, error) {
	db.mu.Lock()
	meta, ok := db.prints[speakerID]
	db.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("speaker %s not found", speakerID)
	}
	return readEmbedding(filepath.Join(db.path, meta.EmbeddingFile))
}

// NextSpeakerID allocates the next free speaker-N id.
func (db *DB) NextSpeakerID() string {
	db.mu.Lock()
	defer db.mu.Unlock()
	for {
		id := "speaker-" + strconv.Itoa(db.nextSpeakerNum)
		db.nextSpeakerNum++
		if _, ok := db.prints[id]; !ok {
			return id
		}
	}
}

// AddUnknown persists a new auto-tracked speaker and returns its id.
func (db *DB) AddUnknown(embedding []float32) (string, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var id string
	for {
		id = "unknown-" + strconv.Itoa(db.nextUnknownNum)
		db.nextUnknownNum++
		if _, ok := db.unknowns[id]; !ok {
			break
		}
	}
	now := timestamp()
	u := Unknown{
		ID:            id,
		FirstSeen:     now,
		EmbeddingFile: filepath.Join("embeddings", id+".bin"),
		EmbeddingDim:  len(embedding),
		Occurrences:   1,
		Extra:         UnknownExtra{LastSeen: now},
	}
	if err := db.createDirs(); err != nil {
		return "", err
	}
	if err := writeEmbedding(filepath.Join(db.path, u.EmbeddingFile), embedding); err != nil {
		return "", fmt.Errorf("save embedding for %s: %w", id, err)
	}
	db.unknowns[id] = u
	db.updatedAt = now
	if err := db.saveLocked(); err != nil {
		return "", err
	}
	return id, nil
}

// UpdateUnknown bumps the occurrence counter and running mean confidence.
func (db *DB) UpdateUnknown(unknownID string, confidence float32) {
	db.mu.Lock()
	defer db.mu.Unlock()
	u, ok := db.unknowns[unknownID]
	if !ok {
		return
	}
	u.Occurrences++
	u.Extra.LastSeen = timestamp()
	u.Extra.AvgConfidence = (u.Extra.AvgConfidence*float32(u.Occurrences-1) + confidence) / float32(u.Occurrences)
	db.unknowns[unknownID] = u
	db.updatedAt = u.Extra.LastSeen
	if err := db.saveLocked(); err != nil {
		slog.Error("save voice-print index failed", "error", err.Error())
	}
}

// Unknowns returns every auto-tracked speaker ordered by id.
func (db *DB) Unknowns() []Unknown {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make([]Unknown, 0, len(db.unknowns))
	for _, u := range db.unknowns {
		out = append(out, u)
	}
	sortUnknowns(out)
	return out
}

// Validate reports whether every referenced embedding file exists.
func (db *DB) Validate() bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	valid := true
	for _, m := range db.prints {
		if _, err := os.Stat(filepath.Join(db.path, m.EmbeddingFile)); err != nil {
			slog.Error("missing embedding file", "path", m.EmbeddingFile)
			valid = false
		}
	}
	for _, u := range db.unknowns {
		if _, err := os.Stat(filepath.Join(db.path, u.EmbeddingFile)); err != nil {
			slog.Error("missing embedding file", "path", u.EmbeddingFile)
			valid = false
		}
	}
	return valid
}

func writeEmbedding(path string, embedding []float32) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	buf := make([]byte, 4+4*len(embedding))
	binary.LittleEndian.PutUint32(buf, uint32(len(embedding)))
	for i, f := range embedding {
		binary.LittleEndian.PutUint32(buf[4+4*i:], math.Float32bits(f))
	}
	return os.WriteFile(path, buf, 0o644)
}

func readEmbedding(path string) ([]float32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) < 4 {
		return nil, fmt.Errorf("embedding file %s truncated", path)
	}
	dim := int(binary.LittleEndian.Uint32(data))
	if len(data) < 4+4*dim {
		return nil, fmt.Errorf("embedding file %s truncated: want %d floats", path, dim)
	}
	out := make([]float32, dim)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4+4*i:]))
	}
	return out, nil
}

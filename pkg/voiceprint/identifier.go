package voiceprint

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/zighouse/zasr/pkg/asr"
	"github.com/zighouse/zasr/pkg/audio"
	"github.com/zighouse/zasr/pkg/errorsx"
)

// DefaultThreshold is the cosine-similarity cutoff for a positive match.
const DefaultThreshold = 0.75

// Config parameterizes an Identifier.
type Config struct {
	DBPath    string
	Threshold float32
	AutoTrack bool
}

// Result of one identification.
type Result struct {
	SpeakerID   string
	SpeakerName string
	// Confidence is the configured threshold on a match; the manager's
	// search API does not expose the true cosine score.
	Confidence   float32
	IsNewSpeaker bool
}

// Identifier binds the embedding extractor, the in-memory manager and the
// on-disk database into the speaker-identification pipeline.
type Identifier struct {
	cfg       Config
	extractor asr.EmbeddingExtractor
	counter   asr.SpeakerCounter
	db        *DB
	manager   *Manager
	log       *slog.Logger
}

// NewIdentifier loads the database and registers every stored embedding with
// the manager. Records whose dimension does not match the extractor are
// logged and skipped.
func NewIdentifier(extractor asr.EmbeddingExtractor, counter asr.SpeakerCounter, cfg Config) (*Identifier, error) {
	if extractor == nil {
		return nil, errors.New("embedding extractor is required")
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	id := &Identifier{
		cfg:       cfg,
		extractor: extractor,
		counter:   counter,
		db:        NewDB(cfg.DBPath),
		manager:   NewManager(extractor.Dim()),
		log:       slog.Default().With("component", "voiceprint"),
	}
	if err := id.db.Load(); err != nil {
		return nil, errorsx.Wrap(err, errorsx.StageStore)
	}
	for _, meta := range id.db.All() {
		emb, err := id.db.LoadEmbedding(meta.ID)
		if err != nil {
			id.log.Warn("skip voice print, embedding unreadable", "id", meta.ID, "error", err.Error())
			continue
		}
		if err := id.manager.Add(meta.Name, emb); err != nil {
			id.log.Warn("skip voice print, dimension mismatch", "id", meta.ID, "error", err.Error())
			continue
		}
	}
	for _, u := range id.db.Unknowns() {
		emb, err := readEmbedding(joinDB(id.db, u.EmbeddingFile))
		if err != nil {
			id.log.Warn("skip unknown speaker, embedding unreadable", "id", u.ID, "error", err.Error())
			continue
		}
		if err := id.manager.Add(u.ID, emb); err != nil {
			id.log.Warn("skip unknown speaker, dimension mismatch", "id", u.ID, "error", err.Error())
		}
	}
	id.log.Info("voice prints registered", "speakers", id.manager.NumSpeakers())
	return id, nil
}

// DB exposes the underlying database for listing and inspection.
func (id *Identifier) DB() *DB { return id.db }

// Dim returns the extractor's embedding dimension.
func (id *Identifier) Dim() int { return id.extractor.Dim() }

// ProcessSegment identifies the speaker of a 16 kHz audio span.
func (id *Identifier) ProcessSegment(samples []float32) (Result, error) {
	emb, err := id.extractor.Compute(samples)
	if err != nil {
		return Result{}, errorsx.Wrap(err, errorsx.StageSpeakerID)
	}
	return id.match(emb)
}

// IdentifyFile identifies the speaker of a WAV file.
func (id *Identifier) IdentifyFile(path string) (Result, error) {
	emb, err := id.embeddingFromFile(path)
	if err != nil {
		return Result{}, err
	}
	return id.match(emb)
}

func (id *Identifier) match(embedding []float32) (Result, error) {
	name := id.manager.Search(embedding, id.cfg.Threshold)
	if name != "" {
		res := Result{SpeakerName: name, Confidence: id.cfg.Threshold}
		if strings.HasPrefix(name, "unknown-") {
			res.SpeakerID = name
			res.SpeakerName = "Unknown Speaker"
			id.db.UpdateUnknown(name, id.cfg.Threshold)
			return res, nil
		}
		for _, meta := range id.db.All() {
			if meta.Name == name {
				res.SpeakerID = meta.ID
				break
			}
		}
		return res, nil
	}
	if !id.cfg.AutoTrack {
		return Result{}, nil
	}
	unknownID, err := id.db.AddUnknown(embedding)
	if err != nil {
		return Result{}, errorsx.Wrap(err, errorsx.StageStore)
	}
	if err := id.manager.Add(unknownID, embedding); err != nil {
		id.log.Warn("register unknown speaker failed", "id", unknownID, "error", err.Error())
	}
	return Result{
		SpeakerID:    unknownID,
		SpeakerName:  "Unknown Speaker",
		IsNewSpeaker: true,
	}, nil
}

// AddSpeaker enrolls a speaker from one or more WAV files and returns the
// assigned id. Multi-speaker audio is rejected; when no diarization model is
// available the check requires force to skip.
func (id *Identifier) AddSpeaker(name string, wavFiles []string, force bool, extra Extra) (string, error) {
	if len(wavFiles) == 0 {
		return "", errors.New("audio file list is empty")
	}
	for _, f := range wavFiles {
		if id.counter != nil {
			n, err := id.counter.CountSpeakers(f)
			if err != nil {
				return "", errorsx.Wrap(fmt.Errorf("detect speakers in %s: %w", f, err), errorsx.StageSpeakerID)
			}
			if n > 1 {
				return "", fmt.Errorf("%s contains %d speakers; enrollment audio must be single speaker", f, n)
			}
		} else if !force {
			return "", errors.New("no diarization model available to verify single-speaker audio; use force to skip the check")
		}
	}

	var embeddings [][]float32
	for _, f := range wavFiles {
		emb, err := id.embeddingFromFile(f)
		if err != nil {
			id.log.Warn("skip enrollment file", "path", f, "error", err.Error())
			continue
		}
		embeddings = append(embeddings, emb)
	}
	if len(embeddings) == 0 {
		return "", errors.New("failed to extract an embedding from any audio file")
	}
	if len(embeddings[0]) != id.extractor.Dim() {
		return "", fmt.Errorf("embedding dim %d does not match extractor dim %d", len(embeddings[0]), id.extractor.Dim())
	}

	for _, emb := range embeddings {
		if err := id.manager.Add(name, emb); err != nil {
			id.manager.Remove(name)
			return "", errorsx.Wrap(err, errorsx.StageSpeakerID)
		}
	}

	speakerID := id.db.NextSpeakerID()
	now := timestamp()
	meta := Metadata{
		ID:            speakerID,
		Name:          name,
		CreatedAt:     now,
		UpdatedAt:     now,
		EmbeddingFile: "embeddings/" + speakerID + ".bin",
		EmbeddingDim:  len(embeddings[0]),
		NumSamples:    len(wavFiles),
		AudioSamples:  append([]string(nil), wavFiles...),
		Extra:         extra,
	}
	// the stored blob is the first embedding; true averaging is a
	// documented enhancement
	if err := id.db.Add(meta, embeddings[0]); err != nil {
		id.manager.Remove(name)
		return "", errorsx.Wrap(err, errorsx.StageStore)
	}
	id.log.Info("speaker enrolled", "id", speakerID, "name", name, "samples", len(wavFiles))
	return speakerID, nil
}

// RemoveSpeaker deletes a speaker from the database and the manager.
func (id *Identifier) RemoveSpeaker(speakerID string) bool {
	meta, ok := id.db.Get(speakerID)
	if !ok {
		return false
	}
	id.manager.Remove(meta.Name)
	return id.db.Remove(speakerID)
}

// RenameSpeaker renames a speaker, keeping the manager index in sync.
func (id *Identifier) RenameSpeaker(speakerID, newName string) bool {
	meta, ok := id.db.Get(speakerID)
	if !ok {
		return false
	}
	emb, err := id.db.LoadEmbedding(speakerID)
	if !id.db.Rename(speakerID, newName) {
		return false
	}
	id.manager.Remove(meta.Name)
	if err == nil {
		if err := id.manager.Add(newName, emb); err != nil {
			id.log.Warn("re-register renamed speaker failed", "id", speakerID, "error", err.Error())
		}
	}
	return true
}

// VerifySpeaker checks a WAV file against an enrolled speaker.
func (id *Identifier) VerifySpeaker(speakerID, wavPath string, threshold float32) (bool, error) {
	meta, ok := id.db.Get(speakerID)
	if !ok {
		return false, fmt.Errorf("speaker %s not found", speakerID)
	}
	if threshold <= 0 {
		threshold = id.cfg.Threshold
	}
	emb, err := id.embeddingFromFile(wavPath)
	if err != nil {
		return false, err
	}
	return id.manager.Verify(meta.Name, emb, threshold), nil
}

func (id *Identifier) embeddingFromFile(path string) ([]float32, error) {
	samples, rate, err := audio.ReadWAV(path)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.StageSpeakerID)
	}
	if rate != audio.SampleRate {
		return nil, fmt.Errorf("%s: sample rate %d not supported, want %d", path, rate, audio.SampleRate)
	}
	emb, err := id.extractor.Compute(samples)
	if err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("%s: %w", path, err), errorsx.StageSpeakerID)
	}
	return emb, nil
}

func joinDB(db *DB, rel string) string {
	return filepath.Join(db.Path(), rel)
}

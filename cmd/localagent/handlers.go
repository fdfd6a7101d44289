package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cirkelline/localagent/pkg/store"
)

// Transcriber turns an audio file into text. The production backend is
// a local speech model; the fallback reads a sidecar transcript so the
// pipeline works without one installed.
type Transcriber interface {
	Transcribe(ctx context.Context, path string) (string, error)
}

// TextExtractor pulls plain text out of a document file.
type TextExtractor interface {
	Extract(ctx context.Context, path string) (string, error)
}

// sidecarTranscriber looks for <audio>.txt next to the audio file.
type sidecarTranscriber struct{}

func (sidecarTranscriber) Transcribe(ctx context.Context, path string) (string, error) {
	sidecar := strings.TrimSuffix(path, filepath.Ext(path)) + ".txt"
	data, err := os.ReadFile(sidecar)
	if err != nil {
		if os.IsNotExist(err) {
			return "", &store.ValidationError{Field: "audio_path", Reason: "no transcription backend installed and no sidecar transcript found"}
		}
		return "", fmt.Errorf("read sidecar transcript: %w", err)
	}
	return string(data), nil
}

// plainTextExtractor handles text-native formats only. Binary document
// formats need a real extractor backend.
type plainTextExtractor struct{}

func (plainTextExtractor) Extract(ctx context.Context, path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt", ".md", ".markdown", ".log", ".csv", ".json":
	default:
		return "", &store.ValidationError{Field: "document_path", Reason: fmt.Sprintf("unsupported document format %q", filepath.Ext(path))}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read document: %w", err)
	}
	return string(data), nil
}

func registerHandlers(a *app) {
	transcriber := Transcriber(sidecarTranscriber{})
	extractor := TextExtractor(plainTextExtractor{})

	a.runner.Register(store.TaskGenerateEmbedding, func(ctx context.Context, task store.PendingTask) error {
		id := task.Payload["memory_id"]
		if id == "" {
			return &store.ValidationError{Field: "memory_id", Reason: "missing from task payload"}
		}
		return a.embed.EmbedMemory(ctx, id)
	})

	a.runner.Register(store.TaskSyncMemory, func(ctx context.Context, task store.PendingTask) error {
		_, err := a.engine.Sync(ctx)
		return err
	})

	a.runner.Register(store.TaskPreloadKnowledge, func(ctx context.Context, task store.PendingTask) error {
		sourceID := task.Payload["source_id"]
		if sourceID == "" {
			return &store.ValidationError{Field: "source_id", Reason: "missing from task payload"}
		}
		_, err := a.engine.PreloadKnowledge(ctx, sourceID)
		return err
	})

	a.runner.Register(store.TaskTranscribeAudio, func(ctx context.Context, task store.PendingTask) error {
		path := task.Payload["audio_path"]
		if path == "" {
			return &store.ValidationError{Field: "audio_path", Reason: "missing from task payload"}
		}
		text, err := transcriber.Transcribe(ctx, path)
		if err != nil {
			return err
		}
		return a.storeExtracted(ctx, text, "transcript", path)
	})

	a.runner.Register(store.TaskExtractText, func(ctx context.Context, task store.PendingTask) error {
		path := task.Payload["document_path"]
		if path == "" {
			return &store.ValidationError{Field: "document_path", Reason: "missing from task payload"}
		}
		text, err := extractor.Extract(ctx, path)
		if err != nil {
			return err
		}
		return a.storeExtracted(ctx, text, "document", path)
	})
}

// storeExtracted persists derived text as a memory and queues its
// embedding.
func (a *app) storeExtracted(ctx context.Context, text, memoryType, sourcePath string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return &store.ValidationError{Field: "content", Reason: "extraction produced no text"}
	}
	m, err := a.store.PutMemory(ctx, store.Memory{
		Content:    text,
		MemoryType: memoryType,
		Topics:     []string{filepath.Base(sourcePath)},
		Importance: 0.5,
	})
	if err != nil {
		return err
	}
	_, err = a.queue.Enqueue(ctx, store.TaskGenerateEmbedding, 5, map[string]string{"memory_id": m.ID})
	return err
}

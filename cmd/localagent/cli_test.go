package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cirkelline/localagent/pkg/store"
)

func runRootCommandForTest(args ...string) (string, error) {
	root := buildRootCommand()
	buf := &bytes.Buffer{}
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func TestRootHelpListsCommands(t *testing.T) {
	output, err := runRootCommandForTest("--help")
	if err != nil {
		t.Fatalf("execute --help: %v\nOutput:\n%s", err, output)
	}
	for _, want := range []string{"run", "register", "sync", "pause", "resume", "conflicts", "tasks", "memory", "telemetry", "models", "status", "version"} {
		if !strings.Contains(output, want) {
			t.Errorf("help output missing %q command", want)
		}
	}
}

func TestSubcommandHelp(t *testing.T) {
	for _, args := range [][]string{
		{"sync", "--help"},
		{"conflicts", "--help"},
		{"tasks", "--help"},
		{"memory", "--help"},
		{"telemetry", "--help"},
	} {
		output, err := runRootCommandForTest(args...)
		if err != nil {
			t.Fatalf("execute %v: %v\nOutput:\n%s", args, err, output)
		}
		if output == "" {
			t.Fatalf("empty help for %v", args)
		}
	}
}

func TestRootWithoutSubcommandFails(t *testing.T) {
	_, err := runRootCommandForTest()
	if err == nil {
		t.Fatal("bare invocation should require a subcommand")
	}
}

func TestSidecarTranscriber(t *testing.T) {
	dir := t.TempDir()
	audio := filepath.Join(dir, "note.wav")
	if err := os.WriteFile(audio, []byte("fake-audio"), 0644); err != nil {
		t.Fatalf("write audio: %v", err)
	}

	var tr sidecarTranscriber
	_, err := tr.Transcribe(context.Background(), audio)
	var verr *store.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("missing sidecar should be a validation error, got %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "note.txt"), []byte("hello from audio"), 0644); err != nil {
		t.Fatalf("write sidecar: %v", err)
	}
	text, err := tr.Transcribe(context.Background(), audio)
	if err != nil {
		t.Fatalf("transcribe with sidecar: %v", err)
	}
	if text != "hello from audio" {
		t.Fatalf("text = %q", text)
	}
}

func TestPlainTextExtractor(t *testing.T) {
	dir := t.TempDir()
	doc := filepath.Join(dir, "notes.md")
	if err := os.WriteFile(doc, []byte("# Notes\ncontent"), 0644); err != nil {
		t.Fatalf("write doc: %v", err)
	}

	var ex plainTextExtractor
	text, err := ex.Extract(context.Background(), doc)
	if err != nil {
		t.Fatalf("extract markdown: %v", err)
	}
	if !strings.Contains(text, "content") {
		t.Fatalf("text = %q", text)
	}

	_, err = ex.Extract(context.Background(), filepath.Join(dir, "scan.pdf"))
	var verr *store.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("pdf should be rejected as validation error, got %v", err)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Fatalf("truncate short = %q", got)
	}
	long := strings.Repeat("x", 50)
	got := truncate(long, 20)
	if len(got) != 20 || !strings.HasSuffix(got, "...") {
		t.Fatalf("truncate long = %q", got)
	}
}

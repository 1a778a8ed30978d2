package artifact

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestLocalUploadStaysInsideBaseDir(t *testing.T) {
	dir := t.TempDir()
	up := NewLocal(dir)

	path, err := up.Upload(context.Background(), "../../results/wf-1/job-1.json", []byte(`{"ok":true}`), "application/json")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	want := filepath.Join(dir, "results", "wf-1", "job-1.json")
	if path != want {
		t.Fatalf("expected %s got %s", want, path)
	}
	body, err := os.ReadFile(path)
	if err != nil || string(body) != `{"ok":true}` {
		t.Fatalf("unexpected body %q err=%v", body, err)
	}
}

func TestNewWithoutDestination(t *testing.T) {
	up, err := New(context.Background(), "", S3Config{})
	if err != nil || up != nil {
		t.Fatalf("expected no uploader, got %v err=%v", up, err)
	}
}

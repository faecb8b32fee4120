package gcconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatchFileLoadsInitialConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shenandoah.json")
	if err := Save(path, New(WithGarbageThreshold(55))); err != nil {
		t.Fatalf("Save: %v", err)
	}
	w, err := WatchFile(path)
	if err != nil {
		t.Fatalf("WatchFile: %v", err)
	}
	defer w.Close()
	if got := w.Current().GarbageThreshold; got != 55 {
		t.Errorf("Current().GarbageThreshold = %v, want 55", got)
	}
}

func TestWatchFileReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shenandoah.json")
	if err := Save(path, New(WithGarbageThreshold(10))); err != nil {
		t.Fatalf("Save: %v", err)
	}
	w, err := WatchFile(path)
	if err != nil {
		t.Fatalf("WatchFile: %v", err)
	}
	defer w.Close()

	if err := Save(path, New(WithGarbageThreshold(90))); err != nil {
		t.Fatalf("Save (update): %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if w.Current().GarbageThreshold == 90 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Errorf("Current().GarbageThreshold never became 90, last was %v", w.Current().GarbageThreshold)
}

func TestWatchFileReportsReloadErrorsWithoutLosingLastGood(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shenandoah.json")
	if err := Save(path, New(WithGarbageThreshold(20))); err != nil {
		t.Fatalf("Save: %v", err)
	}
	w, err := WatchFile(path)
	if err != nil {
		t.Fatalf("WatchFile: %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(path, []byte("not json"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	select {
	case <-w.Errors():
	case <-time.After(2 * time.Second):
		t.Fatal("Errors() never reported the malformed write")
	}

	if got := w.Current().GarbageThreshold; got != 20 {
		t.Errorf("Current().GarbageThreshold = %v, want last-good 20", got)
	}
}

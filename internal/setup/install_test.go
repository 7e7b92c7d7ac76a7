package setup

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestPlistPath_UnderLaunchAgents(t *testing.T) {
	got := PlistPath("/home/alice")
	want := "/home/alice/Library/LaunchAgents/" + PlistLabel + ".plist"
	if got != want {
		t.Errorf("PlistPath = %q, want %q", got, want)
	}
}

func TestLogDir_UnderLibraryLogs(t *testing.T) {
	got := LogDir("/home/alice")
	want := "/home/alice/Library/Logs/" + BinaryName
	if got != want {
		t.Errorf("LogDir = %q, want %q", got, want)
	}
}

func TestBinaryInstallPath(t *testing.T) {
	got := BinaryInstallPath()
	want := filepath.Join(InstallDir, BinaryName)
	if got != want {
		t.Errorf("BinaryInstallPath = %q, want %q", got, want)
	}
}

func TestWritePlist_RendersBinaryPathAndHomeDir(t *testing.T) {
	home := t.TempDir()

	if err := WritePlist(home); err != nil {
		t.Fatalf("WritePlist: %v", err)
	}

	data, err := os.ReadFile(PlistPath(home))
	if err != nil {
		t.Fatalf("reading rendered plist: %v", err)
	}
	got := string(data)

	if !strings.Contains(got, BinaryInstallPath()) {
		t.Error("rendered plist missing the binary install path")
	}
	if !strings.Contains(got, home+"/Library/Logs/"+BinaryName) {
		t.Error("rendered plist missing the home-relative log directory")
	}
	if !strings.Contains(got, PlistLabel) {
		t.Error("rendered plist missing the launchd label")
	}
}

func TestCreateLogDir_Creates(t *testing.T) {
	home := t.TempDir()
	if err := CreateLogDir(home); err != nil {
		t.Fatalf("CreateLogDir: %v", err)
	}
	info, err := os.Stat(LogDir(home))
	if err != nil {
		t.Fatalf("stat log dir: %v", err)
	}
	if !info.IsDir() {
		t.Error("LogDir path is not a directory")
	}
}

func TestRemovePlist_MissingIsNotAnError(t *testing.T) {
	home := t.TempDir()
	if err := RemovePlist(home); err != nil {
		t.Errorf("RemovePlist on a missing file: %v", err)
	}
}

func TestRemovePlist_RemovesExisting(t *testing.T) {
	home := t.TempDir()
	if err := WritePlist(home); err != nil {
		t.Fatalf("WritePlist: %v", err)
	}
	if err := RemovePlist(home); err != nil {
		t.Fatalf("RemovePlist: %v", err)
	}
	if _, err := os.Stat(PlistPath(home)); !os.IsNotExist(err) {
		t.Error("plist file should be gone after RemovePlist")
	}
}

func TestPurgeUserData_RemovesConfigStateAndLogDirs(t *testing.T) {
	home := t.TempDir()
	for _, dir := range []string{
		filepath.Join(home, ".config", BinaryName),
		filepath.Join(home, ".local", "share", BinaryName),
		LogDir(home),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("MkdirAll(%q): %v", dir, err)
		}
		if err := os.WriteFile(filepath.Join(dir, "marker"), []byte("x"), 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}

	if err := PurgeUserData(home); err != nil {
		t.Fatalf("PurgeUserData: %v", err)
	}

	for _, dir := range []string{
		filepath.Join(home, ".config", BinaryName),
		filepath.Join(home, ".local", "share", BinaryName),
		LogDir(home),
	} {
		if _, err := os.Stat(dir); !os.IsNotExist(err) {
			t.Errorf("%q should have been removed", dir)
		}
	}
}

func TestIsWritable_TempDirIsWritable(t *testing.T) {
	if !isWritable(t.TempDir()) {
		t.Error("a freshly created temp dir should be writable")
	}
}

func TestIsWritable_NonexistentDirIsNot(t *testing.T) {
	if isWritable(filepath.Join(t.TempDir(), "does-not-exist")) {
		t.Error("a nonexistent directory should not report writable")
	}
}

func TestCopyFile_CopiesContentsAndPermissions(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")

	if err := os.WriteFile(src, []byte("payload"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if err := copyFile(src, dst, 0o755); err != nil {
		t.Fatalf("copyFile: %v", err)
	}

	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("reading copied file: %v", err)
	}
	if string(got) != "payload" {
		t.Errorf("copied content = %q, want %q", got, "payload")
	}

	info, err := os.Stat(dst)
	if err != nil {
		t.Fatalf("stat dst: %v", err)
	}
	if info.Mode().Perm() != 0o755 {
		t.Errorf("dst permissions = %v, want %v", info.Mode().Perm(), os.FileMode(0o755))
	}
}

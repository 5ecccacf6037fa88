package fsutil

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestReadFileScoped(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) string {
		t.Helper()
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
			t.Fatal(err)
		}
		return p
	}

	plain := write("answer.txt", "use oauth")
	unnormalized := filepath.Join(dir, ".", "answer.txt")

	got, err := ReadFileScoped(plain)
	if err != nil || string(got) != "use oauth" {
		t.Errorf("ReadFileScoped(plain) = %q, %v", got, err)
	}
	got, err = ReadFileScoped(unnormalized)
	if err != nil || string(got) != "use oauth" {
		t.Errorf("ReadFileScoped(unnormalized) = %q, %v", got, err)
	}

	if _, err := ReadFileScoped(filepath.Join(dir, "missing.txt")); !os.IsNotExist(err) {
		t.Errorf("missing file error = %v, want not-exist", err)
	}
	for _, p := range []string{"", ".", string(filepath.Separator)} {
		if _, err := ReadFileScoped(p); err == nil {
			t.Errorf("ReadFileScoped(%q) = nil error, want rejection", p)
		}
	}
}

func TestReadFileScoped_SymlinkCannotEscape(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlink creation requires elevation on windows")
	}
	outside := t.TempDir()
	secret := filepath.Join(outside, "secret.txt")
	if err := os.WriteFile(secret, []byte("credentials"), 0o600); err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	link := filepath.Join(dir, "answer.txt")
	if err := os.Symlink(secret, link); err != nil {
		t.Fatal(err)
	}

	if _, err := ReadFileScoped(link); err == nil {
		t.Error("symlink pointing outside the directory was followed")
	}
}

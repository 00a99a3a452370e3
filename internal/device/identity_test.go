package device

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/google/uuid"
)

func TestID_MintsAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device.json")
	ident := New(path)

	id, err := ident.ID()
	if err != nil {
		t.Fatalf("ID() failed: %v", err)
	}
	if _, err := uuid.Parse(id); err != nil {
		t.Errorf("ID() = %q, not a UUID: %v", id, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("identity file not written: %v", err)
	}
	var f file
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("identity file is not JSON: %v", err)
	}
	if f.ID != id {
		t.Errorf("persisted id = %q, want %q", f.ID, id)
	}
}

func TestID_Memoized(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device.json")
	ident := New(path)

	first, err := ident.ID()
	if err != nil {
		t.Fatalf("ID() failed: %v", err)
	}

	// Removing the file must not change the in-process id.
	if err := os.Remove(path); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	second, err := ident.ID()
	if err != nil {
		t.Fatalf("second ID() failed: %v", err)
	}
	if first != second {
		t.Errorf("ID() changed within a process: %q -> %q", first, second)
	}
}

func TestID_ReusesExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device.json")
	want := uuid.NewString()
	if err := os.WriteFile(path, []byte(`{"id":"`+want+`"}`), 0644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	got, err := New(path).ID()
	if err != nil {
		t.Fatalf("ID() failed: %v", err)
	}
	if got != want {
		t.Errorf("ID() = %q, want %q", got, want)
	}
}

func TestID_RegeneratesMalformed(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "not json", content: "garbage"},
		{name: "empty id", content: `{"id":""}`},
		{name: "not a uuid", content: `{"id":"device-1"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "device.json")
			if err := os.WriteFile(path, []byte(tt.content), 0644); err != nil {
				t.Fatalf("write failed: %v", err)
			}

			id, err := New(path).ID()
			if err != nil {
				t.Fatalf("ID() failed: %v", err)
			}
			if _, err := uuid.Parse(id); err != nil {
				t.Errorf("ID() = %q, not a UUID", id)
			}

			again, err := New(path).ID()
			if err != nil {
				t.Fatalf("reload ID() failed: %v", err)
			}
			if again != id {
				t.Errorf("regenerated id not persisted: %q vs %q", again, id)
			}
		})
	}
}

func TestID_PersistFailure(t *testing.T) {
	if runtime.GOOS == "windows" || os.Getuid() == 0 {
		t.Skip("directory permissions are not enforced")
	}

	dir := filepath.Join(t.TempDir(), "ro")
	if err := os.Mkdir(dir, 0555); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}

	ident := New(filepath.Join(dir, "device.json"))
	if _, err := ident.ID(); err == nil {
		t.Fatal("ID() should fail when the identity cannot be persisted")
	}

	// The failure is not memoized.
	if err := os.Chmod(dir, 0755); err != nil {
		t.Fatalf("chmod failed: %v", err)
	}
	if _, err := ident.ID(); err != nil {
		t.Errorf("ID() after fixing permissions failed: %v", err)
	}
}

package registry

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"tgarchiver/internal/transport"
	"tgarchiver/pkg/logx"
)

type fakeResolver map[string]int64

func (f fakeResolver) ResolveChat(_ context.Context, ident string) (transport.Chat, error) {
	id, ok := f[ident]
	if !ok {
		return transport.Chat{}, transport.ErrChatNotFound
	}
	return transport.Chat{ID: id, Username: ident}, nil
}

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoad(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	tests := []struct {
		name    string
		path    string
		want    []string
		wantErr bool
	}{
		{"json", writeFile(t, dir, "a.json", `["@news", " @tech ", "", "@news"]`), []string{"@news", "@tech"}, false},
		{"yaml", writeFile(t, dir, "b.yaml", "- \"@news\"\n- \"-1001234567890\"\n"), []string{"@news", "-1001234567890"}, false},
		{"empty array", writeFile(t, dir, "c.json", `[]`), []string{}, false},
		{"numeric ids", writeFile(t, dir, "f.json", `["@news", -1001234567890, " 42 "]`), []string{"@news", "-1001234567890", "42"}, false},
		{"yaml numeric id", writeFile(t, dir, "g.yml", "- -1001234567890\n- news\n"), []string{"-1001234567890", "news"}, false},
		{"invalid entries skipped", writeFile(t, dir, "h.json", `["@news", true, 1.5, {"a": 1}, "@tech"]`), []string{"@news", "@tech"}, true},
		{"missing", filepath.Join(dir, "missing.json"), []string{}, true},
		{"corrupt", writeFile(t, dir, "d.json", `["@news"`), []string{}, true},
		{"wrong shape", writeFile(t, dir, "e.json", `{"channels":["@news"]}`), []string{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Load(tt.path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got == nil {
				t.Fatal("Load returned nil slice")
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRegistryLoadSkipsUnresolved(t *testing.T) {
	t.Parallel()
	path := writeFile(t, t.TempDir(), "channels.json", `["@news", "@gone", "@tech"]`)
	r := New(path, fakeResolver{"@news": -1001, "@tech": -1002}, logx.Nop())

	if n := r.Load(context.Background()); n != 2 {
		t.Fatalf("resolved %d, want 2", n)
	}
	if ident, ok := r.Lookup(-1001); !ok || ident != "@news" {
		t.Fatalf("Lookup(-1001) = %q, %v", ident, ok)
	}
	if _, ok := r.Lookup(-9999); ok {
		t.Fatal("unknown chat should not resolve")
	}
	if got := r.Channels(); len(got) != 3 {
		t.Fatalf("Channels = %q", got)
	}
}

func TestRegistryLoadMissingFileIsEmpty(t *testing.T) {
	t.Parallel()
	r := New(filepath.Join(t.TempDir(), "none.json"), fakeResolver{}, logx.Nop())
	if n := r.Load(context.Background()); n != 0 {
		t.Fatalf("resolved %d, want 0", n)
	}
	if r.Len() != 0 {
		t.Fatal("registry should be empty")
	}
}

func TestRegistryReloadKeepsPreviousOnError(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writeFile(t, dir, "channels.json", `["@news"]`)
	r := New(path, fakeResolver{"@news": -1001, "@tech": -1002}, logx.Nop())
	r.Load(context.Background())

	writeFile(t, dir, "channels.json", `not json`)
	if _, err := r.Reload(context.Background()); err == nil {
		t.Fatal("expected reload error")
	}
	if _, ok := r.Lookup(-1001); !ok {
		t.Fatal("previous set was dropped")
	}

	writeFile(t, dir, "channels.json", `["@tech"]`)
	if n, err := r.Reload(context.Background()); err != nil || n != 1 {
		t.Fatalf("Reload = %d, %v", n, err)
	}
	if _, ok := r.Lookup(-1001); ok {
		t.Fatal("@news should be gone after reload")
	}
	if ident, _ := r.Lookup(-1002); ident != "@tech" {
		t.Fatalf("Lookup(-1002) = %q", ident)
	}
}

func TestRegistryKeepsValidEntriesAroundInvalidOnes(t *testing.T) {
	t.Parallel()
	path := writeFile(t, t.TempDir(), "channels.json", `["@news", -1002, false]`)
	r := New(path, fakeResolver{"@news": -1001, "-1002": -1002}, logx.Nop())

	if n := r.Load(context.Background()); n != 2 {
		t.Fatalf("resolved %d, want 2", n)
	}
	if ident, ok := r.Lookup(-1002); !ok || ident != "-1002" {
		t.Fatalf("Lookup(-1002) = %q, %v", ident, ok)
	}
	if n, err := r.Reload(context.Background()); err != nil || n != 2 {
		t.Fatalf("Reload = %d, %v", n, err)
	}
}

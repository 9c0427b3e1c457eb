package persona

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLookupBuiltins(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	joe := r.Lookup("A")
	if joe.Name != "Joe" {
		t.Fatalf("persona A = %q", joe.Name)
	}
	sam := r.Lookup("B")
	if sam.Name != "Sam" {
		t.Fatalf("persona B = %q", sam.Name)
	}
}

func TestLookupFallsBackToDefault(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	for _, id := range []string{"", "Z", "nope"} {
		if got := r.Lookup(id); got.ID != DefaultID {
			t.Fatalf("Lookup(%q) = %q, want %q", id, got.ID, DefaultID)
		}
	}
}

func TestSystemPromptAssembly(t *testing.T) {
	t.Parallel()

	p := NewRegistry().Lookup("B")
	prompt := p.SystemPrompt()

	// Shared core, persona profile, hangup convention, markup block, and the
	// no-period style rule must all survive assembly.
	for _, want := range []string{
		"PROSPECT/BUYER",
		"PROFILE: SAM",
		"[HANGUP]",
		"AUDIO TAGS",
		"NEVER use full stops",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("system prompt missing %q", want)
		}
	}
}

func TestLoadFileMergesAndOverrides(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "personas.yaml")
	data := `
personas:
  - id: C
    name: Dana
    profile: "### PROFILE: DANA (VP Eng)"
    context: "Dana is a VP of Engineering."
  - id: A
    name: Joey
    profile: "replacement profile"
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	r := NewRegistry()
	if err := r.LoadFile(path); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if got := r.Lookup("C"); got.Name != "Dana" {
		t.Fatalf("persona C = %+v", got)
	}
	if got := r.Lookup("A"); got.Name != "Joey" {
		t.Fatalf("builtin not overridden: %+v", got)
	}
	if ids := r.IDs(); len(ids) != 3 {
		t.Fatalf("IDs = %v", ids)
	}
}

func TestLoadFileRejectsMissingID(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "personas.yaml")
	if err := os.WriteFile(path, []byte("personas:\n  - name: NoID\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := NewRegistry().LoadFile(path); err == nil {
		t.Fatal("entry without id accepted")
	}
}

package prompts

import (
	"strings"
	"testing"
)

func TestGetKnownModules(t *testing.T) {
	for _, name := range Modules() {
		b, err := Get(name)
		if err != nil {
			t.Fatalf("Get(%q): %v", name, err)
		}
		if b.Update == "" || b.Consolidation == "" {
			t.Errorf("module %q has an empty prompt", name)
		}
		if !strings.Contains(b.Update, `"command"`) {
			t.Errorf("module %q update prompt is missing the command grammar", name)
		}
		if !strings.Contains(b.Consolidation, "consolidate_memories") {
			t.Errorf("module %q consolidation prompt is missing the output schema", name)
		}
	}
}

func TestGetDefaultsToProfile(t *testing.T) {
	def, err := Get("")
	if err != nil {
		t.Fatalf("Get(\"\"): %v", err)
	}
	profile, err := Get("profile")
	if err != nil {
		t.Fatalf("Get(profile): %v", err)
	}
	if def.Update != profile.Update {
		t.Error("empty name should select the profile module")
	}
}

func TestGetUnknownModule(t *testing.T) {
	if _, err := Get("legal"); err == nil {
		t.Fatal("expected error for unknown module")
	}
}

package dispatch

import (
	"strings"
	"testing"

	"github.com/jorge-barreto/stepwise/internal/definition"
)

func TestPreflight_BashFound(t *testing.T) {
	def, err := definition.New("v1", definition.Step{ID: "a", Run: "echo hello"})
	if err != nil {
		t.Fatal(err)
	}
	if err := Preflight(def); err != nil {
		t.Fatalf("expected bash to be found, got: %v", err)
	}
}

func TestPreflight_NoRunNoBinariesNeeded(t *testing.T) {
	def, err := definition.New("v1", definition.Step{ID: "approve", Gate: definition.GateHumanApproval})
	if err != nil {
		t.Fatal(err)
	}
	if err := Preflight(def); err != nil {
		t.Fatalf("steps without run should need no binaries, got: %v", err)
	}
}

func TestPreflight_MissingBinary(t *testing.T) {
	def, err := definition.New("v1", definition.Step{ID: "a", Run: "stepwise-no-such-tool-xyz --out prd.md"})
	if err != nil {
		t.Fatal(err)
	}
	err = Preflight(def)
	if err == nil {
		t.Fatal("expected missing binary error")
	}
	if !strings.Contains(err.Error(), "stepwise-no-such-tool-xyz") {
		t.Fatalf("expected error naming the binary, got: %v", err)
	}
}

func TestLeadingCommand(t *testing.T) {
	tests := map[string]string{
		"make docs":         "make",
		"echo hi > out.md":  "",
		"$TOOL run":         "",
		"FOO=1 make":        "",
		"./scripts/gen.sh":  "",
		"  pandoc -o a b  ": "pandoc",
	}
	for in, want := range tests {
		if got := leadingCommand(in); got != want {
			t.Errorf("leadingCommand(%q) = %q, want %q", in, got, want)
		}
	}
}

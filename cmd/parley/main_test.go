package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if strings.TrimSpace(out.String()) != version {
		t.Fatalf("version output = %q, want %q", out.String(), version)
	}
}

func TestAskRequiresMessage(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"ask"})
	if err := cmd.Execute(); err == nil {
		t.Fatalf("Execute() expected error without a message")
	}
}

func TestRootListsCommands(t *testing.T) {
	names := map[string]bool{}
	for _, c := range newRootCmd().Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "ask", "version"} {
		if !names[want] {
			t.Fatalf("missing %q command, have %v", want, names)
		}
	}
}

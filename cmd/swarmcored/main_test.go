package main

import (
	"context"
	"testing"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	for _, name := range []string{"serve", "migrate"} {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestRunMigrateUpNoOpsAgainstMemoryStore(t *testing.T) {
	if err := runMigrateUp(context.Background(), ""); err != nil {
		t.Fatalf("expected no-op against the default in-memory store, got %v", err)
	}
}

package main

import "testing"

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}
	if !names["serve"] {
		t.Fatal("expected subcommand \"serve\" to be registered")
	}
	if cmd.Version == "" {
		t.Fatal("version string should be populated")
	}
}

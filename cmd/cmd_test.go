package cmd

import (
	"testing"
)

func TestSubcommandsRegistered(t *testing.T) {
	want := map[string]bool{
		"serve":   false,
		"migrate": false,
		"version": false,
		"ask":     false,
	}

	for _, c := range rootCmd.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}

	for name, found := range want {
		if !found {
			t.Errorf("subcommand %q not registered", name)
		}
	}
}

func TestNewLogger(t *testing.T) {
	flagDebug = true
	defer func() { flagDebug = false }()

	if newLogger() == nil {
		t.Fatal("newLogger() returned nil")
	}
}

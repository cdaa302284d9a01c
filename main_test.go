package main

import "testing"

func TestRunRejectsNoAction(t *testing.T) {
	if code := run([]string{}); code == 0 {
		t.Fatal("expected nonzero exit with no action flags")
	}
}

func TestRunRejectsVerifyWithoutWrite(t *testing.T) {
	if code := run([]string{"-v", "-e"}); code == 0 {
		t.Fatal("expected nonzero exit for -v without -w")
	}
}

func TestRunRejectsPositionalArgs(t *testing.T) {
	if code := run([]string{"-e", "extra"}); code == 0 {
		t.Fatal("expected nonzero exit for positional arguments")
	}
}

func TestRunHelp(t *testing.T) {
	if code := run([]string{"-h"}); code != 0 {
		t.Fatalf("expected -h to exit 0, got %d", code)
	}
}

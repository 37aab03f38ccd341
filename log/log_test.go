package log

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestRandomStringIsRandom(t *testing.T) {
	a := GetLogToken()
	b := GetLogToken()
	if a == b {
		t.Fatal("strings are equal:", a, b)
	}
	if len(a) != 6 {
		t.Fatal("unexpected token length:", a)
	}
}

func TestParseLoglevel(t *testing.T) {
	ll, err := ParseLoglevel("Warnings")
	if err != nil || ll != LOGLEVEL_WARNINGS {
		t.Fatal("bad level:", ll, err)
	}
	if _, err := ParseLoglevel("verbose"); err == nil {
		t.Fatal("accepted unknown level")
	}
	if loglevel_to_string(17) != "unknown" {
		t.Fatal("out of range level has a name")
	}
}

func TestLevelFiltering(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	SetLogger(zap.New(core))
	old := Loglevel()
	defer SetLoglevel(old)

	SetLoglevel(LOGLEVEL_WARNINGS)
	CRPC_log(LOGLEVEL_ERRORS, "broken", 1)
	CRPC_log(LOGLEVEL_WARNINGS, "odd")
	CRPC_log(LOGLEVEL_DEBUG, "chatty")

	if logs.Len() != 2 {
		t.Fatal("expected 2 log lines, got", logs.Len())
	}
	if logs.All()[0].Message != "broken 1" {
		t.Error("unexpected message:", logs.All()[0].Message)
	}
	if logs.All()[1].Level != zap.WarnLevel {
		t.Error("unexpected level:", logs.All()[1].Level)
	}
}

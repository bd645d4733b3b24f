package flog

import "testing"

func TestFields(t *testing.T) {
	got := Fields("conn", 42, "reason", "timeout")
	want := "conn=42 reason=timeout"
	if got != want {
		t.Fatalf("Fields() = %q, want %q", got, want)
	}
}

func TestFieldsEmpty(t *testing.T) {
	if got := Fields(); got != "" {
		t.Fatalf("Fields() = %q, want empty string", got)
	}
}

func TestTagDoesNotPanic(t *testing.T) {
	SetLevel(int(None))
	l := Tag("tcpflow")
	l.Debugf("test %d", 1)
	l.Infof("test %d", 2)
	l.Warnf("test %d", 3)
	l.Errorf("test %d", 4)
}

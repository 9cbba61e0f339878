package klog

import (
	"strings"
	"testing"
)

func TestInfoWarnErrorRecorded(t *testing.T) {
	SetSink(nil)
	SetTickSource(nil)

	Info("pmm", "init complete")
	Warn("heap", "double free at 0x1000")
	Error("virtio-net", "device not found")

	got := Snapshot(3)
	if len(got) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(got))
	}
	if got[0].Level != LevelInfo || got[0].Subsystem != "pmm" {
		t.Fatalf("unexpected first entry: %+v", got[0])
	}
	if got[1].Level != LevelWarn {
		t.Fatalf("expected warn level, got %v", got[1].Level)
	}
	if got[2].Level != LevelError {
		t.Fatalf("expected error level, got %v", got[2].Level)
	}
}

func TestSnapshotOrderingAndBound(t *testing.T) {
	SetSink(nil)
	SetTickSource(nil)

	for i := 0; i < ringCapacity+10; i++ {
		Info("test", "line")
	}

	got := Snapshot(5)
	if len(got) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(got))
	}
}

func TestSinkInvokedSynchronously(t *testing.T) {
	var captured []Entry
	SetSink(func(e Entry) { captured = append(captured, e) })
	defer SetSink(nil)

	Info("sched", "task created")
	if len(captured) != 1 || captured[0].Message != "task created" {
		t.Fatalf("sink did not observe entry: %+v", captured)
	}
}

func TestTickSourceStampsEntries(t *testing.T) {
	SetSink(nil)
	SetTickSource(func() uint64 { return 42 })
	defer SetTickSource(nil)

	Info("timer", "tick test")
	got := Snapshot(1)
	if got[0].Tick != 42 {
		t.Fatalf("expected tick 42, got %d", got[0].Tick)
	}
}

func TestPanicCallsHaltAndRecordsEntry(t *testing.T) {
	SetSink(nil)
	SetTickSource(nil)

	halted := false
	SetHaltFunc(func() { halted = true })
	defer SetHaltFunc(func() { select {} })

	Panic("vmm", "no memory map at init")

	if !halted {
		t.Fatalf("expected halt to be invoked")
	}
	got := Snapshot(1)
	if got[0].Level != LevelPanic {
		t.Fatalf("expected panic level entry, got %v", got[0].Level)
	}
}

func TestLineFormatting(t *testing.T) {
	e := Entry{Tick: 123, Level: LevelWarn, Subsystem: "pmm", Message: "double free at 0x1000"}
	line := Line(e)
	if !strings.Contains(line, "123") || !strings.Contains(line, "WARN") || !strings.Contains(line, "pmm") {
		t.Fatalf("unexpected line: %q", line)
	}
}

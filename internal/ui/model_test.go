// ABOUTME: Tests for TUI model and state management
// ABOUTME: Tests snapshot updates, cursor movement and rendering
package ui

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/Resonate-Protocol/mdns-watch/pkg/discovery"
	"github.com/Resonate-Protocol/mdns-watch/pkg/discovery/discoverytest"
	tea "github.com/charmbracelet/bubbletea"
)

const testType = "_test._udp.local."

var (
	recA = discoverytest.Record("A._test._udp.local.", "10.0.0.1:5001", discovery.Attribute{Key: "path", Value: "one"})
	recB = discoverytest.Record("B._test._udp.local.", "10.0.0.2:5001")
	recC = discoverytest.Record("C._test._udp.local.", "10.0.0.3:5001")
)

func snapshotOf(seq uint64, recs ...discovery.ServiceRecord) SnapshotMsg {
	return SnapshotMsg(discovery.Snapshot{Registry: discovery.NewRegistry(recs...), Seq: seq})
}

func update(m Model, msg tea.Msg) Model {
	next, _ := m.Update(msg)
	return next.(Model)
}

func key(s string) tea.KeyMsg {
	switch s {
	case "up":
		return tea.KeyMsg{Type: tea.KeyUp}
	case "down":
		return tea.KeyMsg{Type: tea.KeyDown}
	default:
		return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
	}
}

func TestNewModel(t *testing.T) {
	model := NewModel(testType)

	if model.seq != 0 {
		t.Errorf("expected no snapshot initially, got seq %d", model.seq)
	}
	if len(model.records) != 0 {
		t.Errorf("expected no records initially, got %d", len(model.records))
	}
	if !strings.Contains(model.View(), "No services discovered") {
		t.Error("expected empty view to say nothing was discovered")
	}
}

func TestSnapshotMsg(t *testing.T) {
	model := update(NewModel(testType), snapshotOf(3, recB, recA))

	if model.seq != 3 {
		t.Errorf("expected seq 3, got %d", model.seq)
	}
	if len(model.records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(model.records))
	}
	if model.records[0].Identity() != "A._test._udp.local." {
		t.Errorf("expected records sorted by identity, got %s first", model.records[0].Identity())
	}

	view := model.View()
	for _, want := range []string{"Instances (2)", "A._test._udp.local.", "10.0.0.2:5001", "#3"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}
}

func TestCursorMovement(t *testing.T) {
	model := update(NewModel(testType), snapshotOf(1, recA, recB, recC))

	model = update(model, key("up"))
	if model.cursor != 0 {
		t.Errorf("cursor moved above first row: %d", model.cursor)
	}

	model = update(model, key("down"))
	model = update(model, key("j"))
	model = update(model, key("down"))
	if model.cursor != 2 {
		t.Errorf("expected cursor clamped at 2, got %d", model.cursor)
	}

	model = update(model, key("k"))
	if model.cursor != 1 {
		t.Errorf("expected cursor 1, got %d", model.cursor)
	}
}

func TestCursorFollowsIdentity(t *testing.T) {
	model := update(NewModel(testType), snapshotOf(1, recB, recC))
	model = update(model, key("down"))

	// C stays selected after A appears before it
	model = update(model, snapshotOf(2, recA, recB, recC))
	if got := model.records[model.cursor].Identity(); got != "C._test._udp.local." {
		t.Errorf("expected cursor on C, got %s", got)
	}

	// selected instance removed: cursor resets
	model = update(model, snapshotOf(3, recA))
	if model.cursor != 0 {
		t.Errorf("expected cursor reset to 0, got %d", model.cursor)
	}
}

func TestToggleAttributes(t *testing.T) {
	model := update(NewModel(testType), snapshotOf(1, recA))

	if strings.Contains(model.View(), "path=one") {
		t.Error("attributes shown before toggle")
	}
	model = update(model, key("a"))
	if !strings.Contains(model.View(), "path=one") {
		t.Error("expected attributes after toggle")
	}
}

func TestQuitKey(t *testing.T) {
	model := NewModel(testType)

	next, cmd := model.Update(key("q"))
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if !next.(Model).quitting {
		t.Error("expected quitting state")
	}
	if !strings.Contains(next.View(), "Stopping") {
		t.Error("expected stopping view while quitting")
	}
}

func TestRunReturnsWhenUserQuits(t *testing.T) {
	tui := New(testType,
		tea.WithInput(strings.NewReader("q")),
		tea.WithOutput(io.Discard),
		tea.WithoutSignalHandler(),
	)

	done := make(chan error, 1)
	go func() { done <- tui.Run(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after quit key")
	}
}

func TestRunReturnsOnCancel(t *testing.T) {
	tui := New(testType,
		tea.WithInput(nil),
		tea.WithOutput(io.Discard),
		tea.WithoutSignalHandler(),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tui.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestReportKeepsNewest(t *testing.T) {
	tui := New(testType)

	for seq := uint64(1); seq <= 3; seq++ {
		if err := tui.Report(context.Background(), discovery.Snapshot{Seq: seq}); err != nil {
			t.Fatalf("report failed: %v", err)
		}
	}

	got := <-tui.updates
	if got.Seq != 3 {
		t.Errorf("expected newest snapshot 3, got %d", got.Seq)
	}
	if tui.Name() != "tui" {
		t.Errorf("unexpected sink name %q", tui.Name())
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate changed short string: %q", got)
	}
	if got := truncate("a-very-long-instance-name", 10); got != "a-very-..." {
		t.Errorf("unexpected truncation %q", got)
	}
}

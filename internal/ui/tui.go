// ABOUTME: TUI initialization and control
// ABOUTME: Wraps the bubbletea program as a snapshot sink
package ui

import (
	"context"

	"github.com/Resonate-Protocol/mdns-watch/pkg/discovery"
	tea "github.com/charmbracelet/bubbletea"
)

// TUI shows the live registry in the terminal.
type TUI struct {
	program *tea.Program
	updates chan discovery.Snapshot
}

// New creates a TUI for serviceType. Extra options are passed to bubbletea.
func New(serviceType string, opts ...tea.ProgramOption) *TUI {
	t := &TUI{
		updates: make(chan discovery.Snapshot, 1),
	}
	opts = append([]tea.ProgramOption{tea.WithAltScreen()}, opts...)
	t.program = tea.NewProgram(NewModel(serviceType), opts...)
	return t
}

func (t *TUI) Name() string { return "tui" }

// Report hands snap to the UI. If the previous snapshot has not been picked
// up yet it is replaced.
func (t *TUI) Report(_ context.Context, snap discovery.Snapshot) error {
	for {
		select {
		case t.updates <- snap:
			return nil
		default:
		}
		select {
		case <-t.updates:
		default:
		}
	}
}

// Run blocks until the user quits or ctx is cancelled. Both return nil.
func (t *TUI) Run(ctx context.Context) error {
	go func() {
		for {
			select {
			case snap := <-t.updates:
				t.program.Send(SnapshotMsg(snap))
			case <-ctx.Done():
				t.program.Quit()
				return
			}
		}
	}()

	_, err := t.program.Run()
	if ctx.Err() != nil {
		return nil
	}
	return err
}


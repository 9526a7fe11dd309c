// ABOUTME: Plain text sink that prints one line per discovered instance
// ABOUTME: Output format is "Service <identity>: <address:port>"
package reporter

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/Resonate-Protocol/mdns-watch/pkg/discovery"
)

// PrintSink writes each snapshot as text.
type PrintSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewPrintSink creates a sink writing to w.
func NewPrintSink(w io.Writer) *PrintSink {
	return &PrintSink{w: w}
}

func (p *PrintSink) Name() string { return "print" }

// Report prints a header and the snapshot's records in identity order.
func (p *PrintSink) Report(_ context.Context, snap discovery.Snapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	bw := bufio.NewWriter(p.w)
	fmt.Fprintf(bw, "Snapshot #%d (%d instances)\n", snap.Seq, snap.Len())
	for _, rec := range snap.Records() {
		fmt.Fprintf(bw, "Service %s: %s\n", rec.Identity(), rec.Endpoint())
	}
	return bw.Flush()
}

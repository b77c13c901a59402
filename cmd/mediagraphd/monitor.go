package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/c360/mediagraph/events"
)

// runMonitor prints every link event published below the configured prefix
// until ctx ends.
func (d *daemon) runMonitor(ctx context.Context, w io.Writer) error {
	if len(d.cfg.Events.URLs) == 0 {
		return fmt.Errorf("monitor needs events.urls")
	}
	if err := d.connectNATS(ctx); err != nil {
		_ = d.shutdown()
		return err
	}

	subject := d.cfg.Events.SubjectPrefix + ".link.>"
	err := d.nats.Subscribe(subject, func(_ string, data []byte) {
		ev, err := events.DecodeLinkEvent(data)
		if err != nil {
			d.logger.Warn("Skipping undecodable link event", "error", err)
			return
		}
		_, _ = fmt.Fprintln(w, formatEvent(ev))
	})
	if err != nil {
		_ = d.shutdown()
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	d.logger.Info("Monitoring link events", "subject", subject)

	<-ctx.Done()
	return d.shutdown()
}

// formatEvent renders ev on one line.
func formatEvent(ev events.LinkEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s link %d ", ev.Timestamp.Format(time.RFC3339Nano), ev.Instance, ev.Serial)
	switch ev.Type {
	case events.TypeState:
		fmt.Fprintf(&b, "%s -> %s", ev.Old, ev.State)
		if ev.Error != "" {
			fmt.Fprintf(&b, " [%s] %s", ev.ErrorKind, ev.Error)
		}
	case events.TypeInfo:
		fmt.Fprintf(&b, "info owner=%s buffers=%d format=%s", ev.Owner, ev.Buffers, ev.Format)
	default:
		b.WriteString(string(ev.Type))
	}
	return b.String()
}

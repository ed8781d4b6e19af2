package main

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/opd-ai/ferry/progress"
	"github.com/opd-ai/ferry/scheduler"
	"github.com/opd-ai/ferry/transfer"
	"github.com/schollz/progressbar/v3"
)

var (
	okColor   = color.New(color.FgGreen).SprintFunc()
	failColor = color.New(color.FgRed).SprintFunc()
	warnColor = color.New(color.FgYellow).SprintFunc()
	dimColor  = color.New(color.Faint).SprintFunc()
)

// progressBars draws one bar per transfer from tracker snapshots.
type progressBars struct {
	mu      sync.Mutex
	w       io.Writer
	enabled bool
	bars    map[string]*progressbar.ProgressBar
}

func newProgressBars(w io.Writer, enabled bool) *progressBars {
	return &progressBars{
		w:       w,
		enabled: enabled,
		bars:    make(map[string]*progressbar.ProgressBar),
	}
}

func (p *progressBars) update(s progress.Snapshot) {
	if !p.enabled || s.TotalBytes <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	bar, ok := p.bars[s.TransferID]
	if !ok {
		verb := "Receiving"
		if s.Outgoing {
			verb = "Sending"
		}
		bar = progressbar.NewOptions64(s.TotalBytes,
			progressbar.OptionSetDescription(fmt.Sprintf("%s %s", verb, s.FileName)),
			progressbar.OptionSetWriter(p.w),
			progressbar.OptionShowBytes(true),
			progressbar.OptionSetWidth(40),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionShowCount(),
			progressbar.OptionSetRenderBlankState(true),
			progressbar.OptionShowElapsedTimeOnFinish(),
			progressbar.OptionOnCompletion(func() { fmt.Fprintln(p.w) }),
		)
		p.bars[s.TransferID] = bar
	}
	_ = bar.Set64(s.BytesTransferred)
	if s.BytesTransferred >= s.TotalBytes {
		_ = bar.Finish()
		delete(p.bars, s.TransferID)
	}
}

// stop abandons bars of transfers that never finished.
func (p *progressBars) stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, bar := range p.bars {
		_ = bar.Exit()
		delete(p.bars, id)
	}
	p.enabled = false
}

func statusMark(status scheduler.ItemStatus) string {
	switch status {
	case scheduler.ItemCompleted:
		return okColor("✓")
	case scheduler.ItemCancelled:
		return warnColor("-")
	case scheduler.ItemFailed:
		return failColor("✗")
	default:
		return dimColor("…")
	}
}

// printItems reports finished queue items, one line each.
func printItems(w io.Writer, items []scheduler.QueueItem) {
	for _, item := range items {
		line := fmt.Sprintf("%s %s → %s  %s", statusMark(item.Status), item.FileName, item.PeerID, item.Status)
		if item.LastError != "" && item.Status != scheduler.ItemCompleted {
			line += "  " + dimColor(item.LastError)
		}
		fmt.Fprintln(w, line)
	}
}

// printResult reports one finished transfer as it happens.
func printResult(w io.Writer, res transfer.Result) {
	switch res.Status {
	case transfer.StatusCompleted:
		if res.Direction == transfer.DirectionIncoming {
			fmt.Fprintf(w, "%s received %s from %s\n", okColor("✓"), res.Path, res.PeerID)
		} else {
			fmt.Fprintf(w, "%s sent %s to %s\n", okColor("✓"), res.FileName, res.PeerID)
		}
	case transfer.StatusCancelled:
		fmt.Fprintf(w, "%s %s cancelled\n", warnColor("-"), res.FileName)
	default:
		msg := res.Status.String()
		if res.Err != nil {
			msg = res.Err.Error()
		}
		fmt.Fprintf(w, "%s %s: %s\n", failColor("✗"), res.FileName, msg)
	}
}

// describeOffer is the prompt shown for an incoming offer.
func describeOffer(o transfer.Offer) string {
	return fmt.Sprintf("%s offers %s (%s, %s)", o.From, o.FileName, humanize.Bytes(uint64(max(o.FileSize, 0))), o.MimeType)
}

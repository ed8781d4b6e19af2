package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/opd-ai/ferry"
	"github.com/opd-ai/ferry/checkpoint"
	"github.com/opd-ai/ferry/scheduler"
	"github.com/opd-ai/ferry/transfer"
	"github.com/spf13/cobra"
)

func (a *app) statusCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queued, paused and resumable transfers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			n, err := a.openNode(ferry.Options{DisableMonitor: true})
			if err != nil {
				return err
			}
			defer n.Close()

			st, err := n.Status()
			if err != nil {
				return err
			}
			if !all {
				st.Queue = pendingItems(st.Queue)
			}
			renderStatus(cmd.OutOrStdout(), st, time.Now())
			return nil
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "include finished queue items")
	return cmd
}

func pendingItems(items []scheduler.QueueItem) []scheduler.QueueItem {
	var out []scheduler.QueueItem
	for _, item := range items {
		if !item.Status.IsFinal() {
			out = append(out, item)
		}
	}
	return out
}

func newTable(w io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("  ")
	return table
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// renderStatus prints the node summary followed by one table per
// non-empty section.
func renderStatus(w io.Writer, st ferry.Status, now time.Time) {
	network := st.Network.Type.String()
	if st.Network.Interface != "" {
		network += " (" + st.Network.Interface + ")"
	}
	if st.Network.Metered {
		network += ", metered"
	}
	peers := "none"
	if len(st.Peers) > 0 {
		peers = strings.Join(st.Peers, ", ")
	}
	fmt.Fprintf(w, "Device:  %s\n", st.DeviceID)
	fmt.Fprintf(w, "Network: %s, policy %s\n", network, st.Policy)
	fmt.Fprintf(w, "Peers:   %s\n", peers)
	if len(st.NetworkPaused) > 0 {
		fmt.Fprintf(w, "Held by network: %s\n", strings.Join(st.NetworkPaused, ", "))
	}

	if len(st.Transfers) > 0 {
		fmt.Fprintln(w, "\nTransfers")
		table := newTable(w, []string{"ID", "Direction", "File", "Peer", "Size", "Chunks", "Status"})
		for _, info := range st.Transfers {
			table.Append(transferRow(info))
		}
		table.Render()
	}

	if len(st.Queue) > 0 {
		fmt.Fprintln(w, "\nQueue")
		table := newTable(w, []string{"ID", "File", "Peer", "Priority", "Status", "Retries", "Queued", "Error"})
		for _, item := range st.Queue {
			table.Append([]string{
				shortID(item.ID),
				item.FileName,
				item.PeerID,
				item.Priority.String(),
				string(item.Status),
				strconv.Itoa(item.RetryCount),
				humanize.RelTime(item.CreatedAt, now, "ago", "from now"),
				item.LastError,
			})
		}
		table.Render()
	}

	if len(st.Checkpoints) > 0 {
		fmt.Fprintln(w, "\nResumable")
		table := newTable(w, []string{"ID", "Direction", "File", "Peer", "Progress", "Expires"})
		for _, cp := range st.Checkpoints {
			table.Append(checkpointRow(cp, now))
		}
		table.Render()
	}
}

func transferRow(info transfer.Info) []string {
	return []string{
		shortID(info.TransferID),
		info.Direction.String(),
		info.FileName,
		info.PeerID,
		humanize.Bytes(uint64(max(info.FileSize, 0))),
		fmt.Sprintf("%d/%d", info.ChunksDone, info.TotalChunks),
		info.Status.String(),
	}
}

func checkpointRow(cp checkpoint.Checkpoint, now time.Time) []string {
	direction := transfer.DirectionIncoming
	if cp.IsOutgoing {
		direction = transfer.DirectionOutgoing
	}
	done := min(int64(len(cp.ConfirmedChunks))*int64(cp.ChunkSize), cp.TotalSize)
	return []string{
		shortID(cp.TransferID),
		direction.String(),
		cp.FileName,
		cp.PeerID,
		fmt.Sprintf("%s / %s", humanize.Bytes(uint64(max(done, 0))), humanize.Bytes(uint64(max(cp.TotalSize, 0)))),
		humanize.RelTime(cp.ExpiresAt, now, "ago", "from now"),
	}
}

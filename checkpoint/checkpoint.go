package checkpoint

import (
	"sort"
	"time"

	"github.com/samber/lo"
)

// Checkpoint is the durable progress record of one transfer. It carries
// everything needed to resume after a restart.
type Checkpoint struct {
	TransferID   string `json:"transferId"`
	FileID       string `json:"fileId"`
	FileName     string `json:"fileName"`
	TotalSize    int64  `json:"totalSize"`
	TotalChunks  int    `json:"totalChunks"`
	ChunkSize    int    `json:"chunkSize"`
	IsOutgoing   bool   `json:"isOutgoing"`
	PeerID       string `json:"peerId"`
	FileChecksum string `json:"fileChecksum"`
	MimeType     string `json:"mimeType,omitempty"`
	Compressed   bool   `json:"compressed,omitempty"`

	// Location is the source path for outgoing transfers and the temp file
	// path for incoming ones.
	Location string `json:"location"`

	// DestinationDir is where an incoming file is finalized.
	DestinationDir string `json:"destinationDir,omitempty"`

	ConfirmedChunks []int `json:"confirmedChunks"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Progress summarizes how much of a checkpointed transfer is confirmed.
type Progress struct {
	Confirmed  int
	Total      int
	Percentage float64
}

// Expired reports whether the checkpoint is no longer resumable at now.
func (c *Checkpoint) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// MissingChunks returns the sorted chunk indices not yet confirmed.
func (c *Checkpoint) MissingChunks() []int {
	confirmed := lo.Keyify(c.ConfirmedChunks)
	return lo.Filter(lo.Range(c.TotalChunks), func(index int, _ int) bool {
		_, ok := confirmed[index]
		return !ok
	})
}

// Progress computes confirmed/total counts for the checkpoint.
func (c *Checkpoint) Progress() Progress {
	p := Progress{Confirmed: len(c.ConfirmedChunks), Total: c.TotalChunks}
	if c.TotalChunks > 0 {
		p.Percentage = float64(p.Confirmed) * 100 / float64(c.TotalChunks)
	} else {
		p.Percentage = 100
	}
	return p
}

// normalizeChunks drops duplicates and out-of-range indices and sorts the rest.
func normalizeChunks(indices []int, total int) []int {
	valid := lo.Uniq(lo.Filter(indices, func(index int, _ int) bool {
		return index >= 0 && index < total
	}))
	sort.Ints(valid)
	return valid
}

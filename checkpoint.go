package tsreplay

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// FileCheckpointer is the default Checkpointer: a small lock file holding
// the decimal byte offset to resume from, matching original_source's
// timer_skip_set/module_init exactly — open-truncate-write-close, mode
// 0644, no fsync. A crash between truncate and write leaves an empty file,
// which Load reads back as offset 0; that is accepted behavior, not a bug
// (spec §9).
type FileCheckpointer struct {
	Path string
	// PacketStride, if nonzero, rounds a loaded offset down to the nearest
	// packet boundary. The original never validated alignment and would
	// fail the whole engine with NoPcr on an unaligned lock file; this
	// resolves spec §9's open question in favor of rounding.
	PacketStride int
}

func (c *FileCheckpointer) Load(ctx context.Context) (int64, error) {
	b, err := os.ReadFile(c.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("tsreplay: reading checkpoint %q: %w", c.Path, err)
	}
	s := strings.TrimSpace(string(b))
	if s == "" {
		return 0, nil
	}
	skip, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		logger.Warnf("tsreplay: checkpoint %q has invalid content %q, starting from 0", c.Path, s)
		return 0, nil
	}
	if c.PacketStride > 0 {
		skip -= skip % int64(c.PacketStride)
	}
	return skip, nil
}

func (c *FileCheckpointer) Save(ctx context.Context, skip int64) error {
	f, err := os.OpenFile(c.Path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("tsreplay: opening checkpoint %q: %w", c.Path, err)
	}
	defer f.Close()
	if _, err := f.WriteString(strconv.FormatInt(skip, 10)); err != nil {
		return fmt.Errorf("tsreplay: writing checkpoint %q: %w", c.Path, err)
	}
	return nil
}

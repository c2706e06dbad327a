package pager

import (
	"fmt"
)

// ───────────────────────────────────────────────────────────────────────────
// Crash recovery
// ───────────────────────────────────────────────────────────────────────────
//
// Recovery reads the WAL from the beginning and re-applies every page image
// covered by a commit marker. Images logged after the last commit belong to
// a statement that never finished and are discarded. A torn frame at the
// tail already terminated the scan in ReadAllRecords, so everything past it
// is treated as not written. Replay is idempotent: applying the same images
// again on a second crash yields the same file.

// Recover replays committed WAL records into the main file, then truncates
// the WAL.
func (p *Pager) Recover() error {
	records, err := ReadAllRecords(p.walPath)
	if err != nil {
		return fmt.Errorf("recover read WAL: %w", err)
	}
	if len(records) == 0 {
		return nil
	}

	// Find the last commit marker; images after it are uncommitted.
	var commitLSN LSN
	for _, rec := range records {
		if rec.Commit && rec.LSN > commitLSN {
			commitLSN = rec.LSN
		}
	}

	var applied int
	var maxLSN LSN
	for _, rec := range records {
		if rec.LSN > maxLSN {
			maxLSN = rec.LSN
		}
		if rec.Type != WALRecordPageImage || rec.LSN > commitLSN {
			continue
		}
		// Replayed pages may lie beyond the current end of file when the
		// crash hit between WAL append and the file extension.
		if uint32(rec.PageID) >= p.pageCount {
			p.pageCount = uint32(rec.PageID) + 1
		}
		if err := p.writePageRaw(rec.PageID, rec.Data); err != nil {
			return fmt.Errorf("recover apply page %d: %w", rec.PageID, err)
		}
		applied++
	}

	if applied > 0 {
		if err := p.file.Sync(); err != nil {
			return err
		}
		p.log.Info().Int("pages", applied).Uint64("commitLSN", uint64(commitLSN)).Msg("WAL recovery applied")
	}

	p.wal.SetNextLSN(maxLSN + 1)
	return p.wal.Truncate()
}

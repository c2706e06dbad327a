package storage

import (
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/sawitdb/sawitdb/internal/storage/pager"
)

// ───────────────────────────────────────────────────────────────────────────
// Page-chain row operations
// ───────────────────────────────────────────────────────────────────────────
//
// Every table is a singly linked chain of pages. Rows append into the last
// page of the chain; when a record does not fit, a fresh page is allocated
// and linked. Scans walk the chain through the pager's object cache and
// yield each row beside the page it lives on.

// TableEntry is a catalog record describing one table.
type TableEntry struct {
	Name      string       `json:"name"`
	StartPage pager.PageID `json:"startPage"`
	LastPage  pager.PageID `json:"lastPage"`
	System    bool         `json:"system,omitempty"`
}

// appendToChain appends payload to the chain ending at last, allocating and
// linking a new tail page when needed. Returns the page that received the
// record and the (possibly new) last page of the chain.
func appendToChain(pg *pager.Pager, last pager.PageID, payload []byte) (wrote, newLast pager.PageID, err error) {
	if !pager.RecordFits(len(payload), pg.Checksums()) {
		return 0, 0, fmt.Errorf("%w: %d bytes", pager.ErrRecordTooLarge, len(payload))
	}

	cur, err := pg.ReadPage(last)
	if err != nil {
		return 0, 0, err
	}
	buf := append([]byte{}, cur...)
	if pager.AppendRecord(buf, payload, pg.Checksums()) {
		if err := pg.WritePage(last, buf); err != nil {
			return 0, 0, err
		}
		return last, last, nil
	}

	// Tail page is full: allocate, link, append there.
	newID, newBuf, err := pg.AllocPage()
	if err != nil {
		return 0, 0, err
	}
	if !pager.AppendRecord(newBuf, payload, pg.Checksums()) {
		return 0, 0, fmt.Errorf("%w: %d bytes", pager.ErrRecordTooLarge, len(payload))
	}
	if err := pg.WritePage(newID, newBuf); err != nil {
		return 0, 0, err
	}

	h := pager.UnmarshalHeader(buf)
	h.Next = newID
	pager.MarshalHeader(h, buf)
	if err := pg.WritePage(last, buf); err != nil {
		return 0, 0, err
	}
	return newID, newID, nil
}

// scanChain walks a page chain from start and calls fn for every row with
// its page id. fn returning false stops the walk.
func scanChain(pg *pager.Pager, start pager.PageID, fn func(ref pager.RowRef) bool) error {
	id := start
	seen := 0
	for {
		po, err := pg.ReadPageObjects(id)
		if err != nil {
			return err
		}
		for _, row := range po.Rows {
			if !fn(pager.RowRef{Row: row, PageID: id}) {
				return nil
			}
		}
		if po.Next == pager.InvalidPageID {
			return nil
		}
		id = po.Next
		seen++
		if uint32(seen) > pg.PageCount() {
			return fmt.Errorf("%w: page chain cycle starting at %d", pager.ErrStorageFault, start)
		}
	}
}

// rewritePageRows replaces the row set of one page. Used by DELETE
// (compaction) and by UPDATE when the new row still fits. Payloads that no
// longer fit the page report false so the caller can relocate the row.
func rewritePageRows(pg *pager.Pager, id pager.PageID, rows []map[string]any) (bool, error) {
	cur, err := pg.ReadPage(id)
	if err != nil {
		return false, err
	}
	buf := append([]byte{}, cur...)
	payloads := make([][]byte, 0, len(rows))
	for _, row := range rows {
		b, err := json.Marshal(row)
		if err != nil {
			return false, fmt.Errorf("encode row: %w", err)
		}
		payloads = append(payloads, b)
	}
	if !pager.RewriteRecords(id, buf, payloads, pg.Checksums()) {
		return false, nil
	}
	if err := pg.WritePage(id, buf); err != nil {
		return false, err
	}
	return true, nil
}

// chainRowCount sums the record counts of a chain's page headers.
func chainRowCount(pg *pager.Pager, start pager.PageID) (int, error) {
	total := 0
	id := start
	for {
		buf, err := pg.ReadPage(id)
		if err != nil {
			return 0, err
		}
		h := pager.UnmarshalHeader(buf)
		total += int(h.Count)
		if h.Next == pager.InvalidPageID {
			return total, nil
		}
		id = h.Next
	}
}

package audit

import "fmt"

// VerifyResult holds the outcome of a hash chain verification.
type VerifyResult struct {
	Valid    bool   `json:"valid"`
	Entries  int    `json:"entries"`
	Error    string `json:"error,omitempty"`
	ErrorSeq int64  `json:"error_seq,omitempty"`
}

// VerifyEntries validates sequence numbers, each entry's own hash, and the
// prev_hash links. It reports the first broken link.
func VerifyEntries(entries []Entry) VerifyResult {
	prev := GenesisHash
	for i, e := range entries {
		want := int64(i) + 1
		if e.Seq != want {
			return VerifyResult{
				Error:    fmt.Sprintf("sequence gap: expected %d, got %d", want, e.Seq),
				ErrorSeq: e.Seq,
			}
		}
		if e.PrevHash != prev {
			return VerifyResult{
				Error:    fmt.Sprintf("hash mismatch: expected prev_hash %s, got %s", prev, e.PrevHash),
				ErrorSeq: e.Seq,
			}
		}
		h, err := HashEntry(e)
		if err != nil {
			return VerifyResult{Error: err.Error(), ErrorSeq: e.Seq}
		}
		if h != e.Hash {
			return VerifyResult{
				Error:    fmt.Sprintf("entry hash mismatch: computed %s, stored %s", h, e.Hash),
				ErrorSeq: e.Seq,
			}
		}
		prev = e.Hash
	}
	return VerifyResult{Valid: true, Entries: len(entries)}
}

// VerifyFile reads a JSONL audit log and validates its chain.
func VerifyFile(path string) VerifyResult {
	entries, err := ReadFile(path)
	if err != nil {
		return VerifyResult{Error: err.Error()}
	}
	return VerifyEntries(entries)
}

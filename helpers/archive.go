package helpers

import (
	"encoding/hex"
	"fmt"

	"lukechampine.com/blake3"
)

// ContentHash returns the lowercase hex BLAKE3 digest of data. Archive
// object keys embed it so identical payloads deduplicate naturally.
func ContentHash(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// NewArchiveKey builds the object key for an archived message. Keys are
// sharded by the first two hex characters of the content hash to keep bucket
// listings shallow: <mailbox>/<shard>/<hash>/<recordID>.
func NewArchiveKey(mailbox string, recordID int64, contentHash string) string {
	shard := "00"
	if len(contentHash) >= 2 {
		shard = contentHash[:2]
	}
	return fmt.Sprintf("%s/%s/%s/%d", mailbox, shard, contentHash, recordID)
}

package ledger

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"hash"
	"sync"
)

// ComputeHash computes the block digest: hex SHA-256 over length-prefixed
// fields in fixed order:
//
//	sequence_number (8B BE) || previous_hash || event_type || entity_type ||
//	entity_id || canonical(payload) || created_at (8B BE)
//
// String fields are prefixed with a 4-byte big-endian length. The canonical
// payload bytes must come from CanonicalPayload.
func ComputeHash(seq int64, previousHash, eventType, entityType, entityID string, canonicalPayload []byte, createdAt int64) string {
	h := sha256.New()

	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], uint64(seq))
	h.Write(seqBuf[:])

	writeLenPrefixed(h, []byte(previousHash))
	writeLenPrefixed(h, []byte(eventType))
	writeLenPrefixed(h, []byte(entityType))
	writeLenPrefixed(h, []byte(entityID))
	writeLenPrefixed(h, canonicalPayload)

	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(createdAt))
	h.Write(tsBuf[:])

	return hex.EncodeToString(h.Sum(nil))
}

func writeLenPrefixed(h hash.Hash, b []byte) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	h.Write(lenBuf[:])
	h.Write(b)
}

// genesisPayload is the fixed payload of the sentinel block. Every field is
// constant so the genesis hash is a well-known value across deployments.
const genesisPayload = `{"description":"proctoring audit chain initialized","system":"smart-proctoring-system","version":"1.0"}`

var (
	genesisOnce  sync.Once
	genesisBlock Block
)

// GenesisBlock returns the fixed sentinel block at sequence 0. Its created_at
// is zero, its previous hash empty, and its hash fully deterministic.
func GenesisBlock() Block {
	genesisOnce.Do(func() {
		canonical, err := CanonicalPayload(json.RawMessage(genesisPayload))
		if err != nil {
			// The payload is a compile-time constant; this cannot fail.
			panic(err)
		}
		genesisBlock = Block{
			SequenceNumber: 0,
			PreviousHash:   "",
			EventType:      EventSystemInit,
			EntityType:     EntitySystem,
			EntityID:       "",
			Payload:        json.RawMessage(genesisPayload),
			CreatedAt:      0,
		}
		genesisBlock.CurrentHash = ComputeHash(0, "", EventSystemInit, EntitySystem, "", canonical, 0)
	})
	return genesisBlock
}

// GenesisHash returns the well-known hash of the sentinel block.
func GenesisHash() string {
	return GenesisBlock().CurrentHash
}

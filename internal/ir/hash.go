package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// The version suffix leaves room for algorithm migration.
const (
	DomainEntry = "shapefabric/entry/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Mutation is one write inside a log entry, in canonical form.
type Mutation struct {
	Kind  string
	Key   string
	Value string
}

// EntryChecksum computes the content address of a log entry from its index
// and ordered mutations. Replicas recompute it before staging an entry and
// again when recovering committed entries from disk.
func EntryChecksum(index uint64, muts []Mutation) (string, error) {
	ops := make(Array, len(muts))
	for i, m := range muts {
		ops[i] = Object{
			"kind":  String(m.Kind),
			"key":   String(m.Key),
			"value": String(m.Value),
		}
	}
	obj := Object{
		"index": Int(index),
		"ops":   ops,
	}

	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("EntryChecksum: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainEntry, canonical), nil
}

package upsert

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"reflect"

	"github.com/example/fieldsync/internal/types"
)

// ComputeDiff compares the server's wire snapshot with the client's wire
// payload. Every client key whose value differs is reported, as is every
// server field the client did not send (with a nil client value).
func ComputeDiff(server, client map[string]any) types.Diff {
	diff := make(types.Diff)
	for key, clientValue := range client {
		serverValue := server[key]
		if !reflect.DeepEqual(serverValue, clientValue) {
			diff[key] = types.FieldDiff{Server: serverValue, Client: clientValue}
		}
	}
	for key, serverValue := range server {
		if _, ok := client[key]; !ok {
			diff[key] = types.FieldDiff{Server: serverValue, Client: nil}
		}
	}
	return diff
}

// Checksum fingerprints a wire payload. Map keys are marshaled in sorted
// order, so equal payloads always produce equal checksums.
func Checksum(wire map[string]any) string {
	data, err := json.Marshal(wire)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

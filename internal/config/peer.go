package config

import (
	"crypto/md5"
	"encoding/hex"
)

// peerContainerName derives the deterministic container name used to
// address a running fblaster instance for --signal-poll: the external
// launcher names the supervisor container "fblaster-{md5(abs_directory)}".
func peerContainerName(absDir string) string {
	sum := md5.Sum([]byte(absDir))
	return "fblaster-" + hex.EncodeToString(sum[:])
}

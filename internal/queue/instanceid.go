package queue

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"strconv"
)

// generateInstanceID returns a unique lease owner id for this process
// (hostname+pid+random).
func generateInstanceID() string {
	host, _ := os.Hostname()
	pid := os.Getpid()
	rnd := make([]byte, 4)
	_, _ = rand.Read(rnd)

	return host + "-" + strconv.Itoa(pid) + "-" + hex.EncodeToString(rnd)
}

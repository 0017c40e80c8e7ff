package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// QuickHash returns the full SHA-256 hex digest of data.
func QuickHash(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// ShortHash returns a 16-character SHA-256 prefix of data.
func ShortHash(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:8])
}

// RuntimeSpecHash computes the Runtime Resolver's cache key: the SHA-256
// digest of the canonical serialization of (pythonVersion, requirements,
// constraints), with env_vars deliberately excluded since they don't
// affect the built venv's contents. requirements and constraints are
// sorted before hashing so that equivalent but differently-ordered
// specs resolve to the same venv directory.
func RuntimeSpecHash(pythonVersion string, requirements, constraints []string) string {
	sortedReqs := append([]string(nil), requirements...)
	sort.Strings(sortedReqs)

	sortedConstraints := append([]string(nil), constraints...)
	sort.Strings(sortedConstraints)

	var b strings.Builder
	fmt.Fprintf(&b, "python:%s;", pythonVersion)
	fmt.Fprintf(&b, "reqs:%s;", strings.Join(sortedReqs, ","))
	fmt.Fprintf(&b, "constraints:%s;", strings.Join(sortedConstraints, ","))

	hash := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(hash[:])
}

package lspconfig

import "github.com/cespare/xxhash/v2"

// signatureOf digests the config sources. Any change to either file's
// content or location yields a new signature, which the orchestrator uses
// to detect that its registry and clients are stale.
func signatureOf(globalPath string, globalData []byte, projectPath string, projectData []byte) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(globalPath)
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(globalData)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(projectPath)
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(projectData)
	return h.Sum64()
}

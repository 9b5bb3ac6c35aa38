package store

import (
	"path/filepath"
	"strings"

	"github.com/stefanwerfling/njsfscrypt/internal/blockcipher"
	"github.com/stefanwerfling/njsfscrypt/internal/vfserr"
)

// splitComponents splits a mount-relative virtual path ("/a/b/c") into its
// individual components (["a", "b", "c"]). The root path ("/" or "")
// yields no components.
func splitComponents(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// encryptedPath maps a mount-relative virtual path onto its backing path
// under baseDir, encrypting each component independently with codec
// (spec.md §3: "the backing file/directory for a mount path /a/b/c lives
// at <baseDir>/enc(a)/enc(b)/enc(c)").
func encryptedPath(baseDir string, codec *blockcipher.NameCodec, path string) string {
	parts := splitComponents(path)
	encoded := make([]string, 0, len(parts)+1)
	encoded = append(encoded, baseDir)
	for _, part := range parts {
		encoded = append(encoded, codec.Encode(part))
	}
	return filepath.Join(encoded...)
}

// decodeName decrypts a single encrypted name token read from a
// directory's backing entries, reporting the literal sentinel "???"
// rather than failing if it doesn't decode (spec.md §4.1).
func decodeName(codec *blockcipher.NameCodec, token string) string {
	name, err := codec.Decode(token)
	if err != nil {
		return "???"
	}
	return name
}

// lastComponent returns the final element of a mount-relative virtual
// path, or "" for the root.
func lastComponent(path string) string {
	parts := splitComponents(path)
	if len(parts) == 0 {
		return ""
	}
	return parts[len(parts)-1]
}

// validateComponent guards against a caller accidentally passing a path
// where a single component was expected, before it gets encrypted as
// one backing-directory entry.
func validateComponent(name string) error {
	if strings.Contains(name, "/") {
		return vfserr.New(vfserr.InvalidArgument, "component", name, nil)
	}
	return nil
}

package storage

import (
	"encoding/hex"
	"os"
	"os/user"
	"path/filepath"

	"github.com/zeebo/blake3"
)

// DefaultRoot is the parent directory of storage folders when none is
// configured: the user cache directory, or the temp directory when the
// platform has none.
func DefaultRoot() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "relay")
	}
	return filepath.Join(os.TempDir(), "relay")
}

// DefaultFolderName derives a stable folder name from the running identity
// (executable path and user), so restarts of the same program pick up the
// queue they left behind while unrelated programs stay apart.
func DefaultFolderName() string {
	exe, err := os.Executable()
	if err != nil {
		exe = os.Args[0]
	}
	name := os.Getenv("USER")
	if u, err := user.Current(); err == nil {
		name = u.Username
	}
	return FolderName(exe, name)
}

// FolderName hashes the given identity parts into a 16 character folder name.
func FolderName(parts ...string) string {
	h := blake3.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

package bridge

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const (
	// SocketDirEnv lets the host tell its workers where channel sockets live
	SocketDirEnv = "NOVA_SOCKET_DIR"

	socketHashBytes = 8
)

// NewChannelName returns a fresh channel name for one generation of a plugin
func NewChannelName(pluginID string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("nova_%s_%s", pluginID, suffix)
}

// SocketDir returns the directory channel sockets are created in
func SocketDir() string {
	if dir := os.Getenv(SocketDirEnv); dir != "" {
		return dir
	}
	return os.TempDir()
}

// Address returns the socket path for channel inside dir. The file name is
// derived from a hash of the channel so that it stays short for any plugin
// id; unix socket paths are limited to 104 bytes on macOS.
func Address(dir, channel string) string {
	if dir == "" {
		dir = SocketDir()
	}
	sum := sha256.Sum256([]byte(channel))
	return filepath.Join(dir, "nova_"+hex.EncodeToString(sum[:socketHashBytes])+".sock")
}

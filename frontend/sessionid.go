package frontend

import (
	"bytes"
	"os"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"

	"github.com/pithecene-io/mrci/types"
)

var machineIDFiles = []string{"/etc/machine-id", "/var/lib/dbus/machine-id"}

// machineID identifies this host in session ids. It falls back to the
// hostname where no machine id file exists.
var machineID = sync.OnceValue(func() string {
	for _, path := range machineIDFiles {
		if b, err := os.ReadFile(path); err == nil {
			if id := bytes.TrimSpace(b); len(id) > 0 {
				return string(id)
			}
		}
	}
	host, _ := os.Hostname()
	return host
})

// NewSessionID returns SHA3-224(random serial + machine id).
func NewSessionID() types.SessionID {
	return types.SessionID(sha3.Sum224([]byte(uuid.NewString() + machineID())))
}

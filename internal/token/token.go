// Package token generates the unique suffixes used to name spool entries
// and rendezvous channels.
//
// Tokens combine the process ID, a per-process monotonic counter and a
// random UUID. Two tokens from one process never collide because of the
// counter; tokens from different processes never collide because of the
// PID and the random part. Wall-clock time is not used.
package token

import (
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
)

// Generator hands out tokens. The zero value is not usable; use New.
type Generator struct {
	pid     int
	counter atomic.Uint64
}

// New creates a Generator for the current process.
func New() *Generator {
	return &Generator{pid: os.Getpid()}
}

// Next returns a fresh token. The result only contains characters
// accepted by identifier.Valid.
func (g *Generator) Next() string {
	n := g.counter.Add(1)
	random := strings.ReplaceAll(uuid.NewString(), "-", "")

	var b strings.Builder
	b.WriteString(strconv.Itoa(g.pid))
	b.WriteByte('-')
	b.WriteString(strconv.FormatUint(n, 10))
	b.WriteByte('-')
	b.WriteString(random)
	return b.String()
}

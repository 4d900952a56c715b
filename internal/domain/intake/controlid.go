package intake

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

const maxControlPrefix = 5

// ControlIDs issues MSH-10 message control ids: a short prefix, the unix
// time in seconds and a wrapping five digit sequence. Ids stay within the
// 20 character limit of MSH-10.
type ControlIDs struct {
	prefix string
	seq    atomic.Uint64
	now    func() time.Time
}

// NewControlIDs creates a generator. The prefix is upper-cased and cut to
// five characters.
func NewControlIDs(prefix string) *ControlIDs {
	p := strings.ToUpper(strings.TrimSpace(prefix))
	if len(p) > maxControlPrefix {
		p = p[:maxControlPrefix]
	}
	return &ControlIDs{prefix: p, now: time.Now}
}

// Next returns a new control id.
func (g *ControlIDs) Next() string {
	n := g.seq.Add(1) % 100000
	return fmt.Sprintf("%s%d%05d", g.prefix, g.now().Unix(), n)
}

package freeswitch

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/acme/failover-dialer/internal/domain"
)

const defaultApplication = "&park()"

// DialString renders a chain in originate syntax: global variables in {},
// per-leg variables in [] and legs joined by | so the switch falls through to
// the next leg when one fails or times out.
func DialString(chain domain.DialChain) string {
	var sb strings.Builder

	sb.WriteByte('{')
	for i, p := range chain.Params {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(p.Name)
		sb.WriteByte('=')
		sb.WriteString(quote(p.Value))
	}
	sb.WriteByte('}')

	for i, leg := range chain.Legs {
		if i > 0 {
			sb.WriteByte('|')
		}
		sb.WriteString("[leg_timeout=")
		sb.WriteString(strconv.Itoa(legSeconds(leg.Timeout)))
		sb.WriteByte(']')
		sb.WriteString(leg.Address)
	}
	return sb.String()
}

// OriginateCommand is the background API command submitted over the event socket.
func OriginateCommand(chain domain.DialChain) string {
	app := chain.Application
	if app == "" {
		app = defaultApplication
	}
	return "bgapi originate " + DialString(chain) + " " + app
}

func legSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}

func quote(v string) string {
	if !strings.ContainsAny(v, ", ") {
		return v
	}
	return "'" + strings.ReplaceAll(v, "'", "") + "'"
}

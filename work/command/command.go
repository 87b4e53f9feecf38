package command

import (
	regexp "github.com/grafana/regexp"

	"audio-relay/work/metrics"
	"audio-relay/work/types"
)

// Stopper is the registry operation the STOP command applies.
type Stopper interface {
	RequestStop() bool
}

// entry pairs a command token with its effect.
type entry struct {
	token   string
	pattern *regexp.Regexp
	apply   func() bool
}

// Interpreter matches bytes read from the control connection against a fixed
// command table. Every read is matched on its own from the first byte: there
// is no reassembly, so a command split over two TCP segments is not seen.
// Control clients must send each command in a single write.
type Interpreter struct {
	table    []entry
	shortest int
}

// New builds the interpreter with the STOP command bound to s.
func New(s Stopper) *Interpreter {
	in := &Interpreter{}
	in.add(types.StopCommand, s.RequestStop)
	return in
}

// add registers token with its effect. Trailing bytes after the token (line
// endings, padding) are tolerated; leading bytes are not.
func (in *Interpreter) add(token string, apply func() bool) {
	in.table = append(in.table, entry{
		token:   token,
		pattern: regexp.MustCompile(`^` + regexp.QuoteMeta(token)),
		apply:   apply,
	})
	if in.shortest == 0 || len(token) < in.shortest {
		in.shortest = len(token)
	}
}

// Interpret applies the command found in data and returns its token, or ""
// when the read was too short or unrecognized. Unrecognized input is not an
// error and nothing is reported back to the sender.
func (in *Interpreter) Interpret(data []byte) string {
	if len(data) < in.shortest {
		metrics.ControlCommands.WithLabelValues("ignored").Inc()
		return ""
	}

	for _, e := range in.table {
		if e.pattern.Match(data) {
			e.apply()
			metrics.ControlCommands.WithLabelValues(e.token).Inc()
			return e.token
		}
	}

	metrics.ControlCommands.WithLabelValues("ignored").Inc()
	return ""
}

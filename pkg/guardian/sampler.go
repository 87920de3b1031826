package guardian

import "github.com/bobmatnyc/memguardian/pkg/probe"

// ProbeSampler reads the supervised process's RSS through the probe chain
type ProbeSampler struct {
	Probe *probe.Probe
	Child ChildProcess
}

// Sample measures the current child. A dead or unstarted child, like an
// exhausted probe chain, is reported as unavailable rather than zero.
func (s ProbeSampler) Sample() (float64, bool) {
	if s.Child == nil {
		return 0, false
	}
	pid := s.Child.Pid()
	if pid <= 0 || !s.Child.Alive() {
		return 0, false
	}
	info, ok := s.Probe.Measure(pid)
	if !ok {
		return 0, false
	}
	return info.RSSMB, true
}

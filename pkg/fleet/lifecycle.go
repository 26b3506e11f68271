package fleet

import (
	"github.com/cyclopcam/logs"

	"socks-fleet/pkg/model"
)

var transitions = map[model.InstanceState][]model.InstanceState{
	model.StateMaterializing: {model.StateLaunching, model.StateFailed},
	model.StateLaunching:     {model.StateProbing, model.StateFailed},
	model.StateProbing:       {model.StateRunning, model.StateFailed},
	model.StateRunning:       {model.StateTerminating},
	model.StateTerminating:   {model.StateGone},
}

// CanTransition reports whether an instance may move from one state to the next.
func CanTransition(from, to model.InstanceState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// lifecycle traces one instance through its states for the log.
type lifecycle struct {
	name  string
	state model.InstanceState
	log   logs.Log
}

func newLifecycle(name string, start model.InstanceState, log logs.Log) *lifecycle {
	log.Debugf("proxy %s state=%s", name, start)
	return &lifecycle{name: name, state: start, log: log}
}

func (l *lifecycle) to(next model.InstanceState) {
	if !CanTransition(l.state, next) {
		l.log.Warnf("proxy %s unexpected transition %s -> %s", l.name, l.state, next)
	}
	l.log.Debugf("proxy %s state=%s", l.name, next)
	l.state = next
}

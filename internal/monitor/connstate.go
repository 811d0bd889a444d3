package monitor

import (
	"context"
	"errors"

	"github.com/looplab/fsm"

	"emissionguard/internal/model"
)

const (
	EventLiveUp   = "live_up"
	EventLiveDown = "live_down"
)

// connectivity tracks which adapter is active. Only the live_up and
// live_down edges change it; repeated events in the same state are no-ops.
type connectivity struct {
	*fsm.FSM
}

func newConnectivity() *connectivity {
	return &connectivity{FSM: fsm.NewFSM(
		string(model.StateDisconnected),
		fsm.Events{
			{Name: EventLiveUp, Src: []string{string(model.StateDisconnected)}, Dst: string(model.StateConnected)},
			{Name: EventLiveDown, Src: []string{string(model.StateConnected)}, Dst: string(model.StateDisconnected)},
		},
		fsm.Callbacks{},
	)}
}

// fire reports whether event moved the machine to another state. An event
// that is not allowed from the current state is not an error.
func (c *connectivity) fire(event string) (bool, error) {
	err := c.Event(context.Background(), event)
	if err == nil {
		return true, nil
	}
	var invalid fsm.InvalidEventError
	var noop fsm.NoTransitionError
	if errors.As(err, &invalid) || errors.As(err, &noop) {
		return false, nil
	}
	return false, err
}

func (c *connectivity) connected() bool {
	return c.Is(string(model.StateConnected))
}

func (c *connectivity) reset() {
	c.SetState(string(model.StateDisconnected))
}

package collector

import (
	"github.com/asynkron/protoactor-go/actor"
)

// Stash holds messages a Device Actor received while in a state that can't
// handle them yet (for example, a poll tick arriving while the previous
// cycle's read is still in flight). Unstashing replays them in order once
// the actor returns to a state that can.
type Stash struct {
	stash []stashElem
}

type stashElem struct {
	msg    any
	sender *actor.PID
}

func (s *Stash) Stash(ctx actor.Context, msg any) {
	s.stash = append(s.stash, stashElem{msg: msg, sender: ctx.Sender()})
}

func (s *Stash) UnstashAll(ctx actor.Context) {
	for _, elem := range s.stash {
		ctx.RequestWithCustomSender(ctx.Self(), elem.msg, elem.sender)
	}
	s.stash = nil
}

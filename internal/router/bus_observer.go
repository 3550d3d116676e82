package router

import (
	"github.com/imaryza/isync/internal/bus"
	"github.com/imaryza/isync/internal/store"
)

// BusObserver republishes routed frames on the event bus.
type BusObserver struct {
	Bus *bus.Bus
}

func (o BusObserver) OnMessage(msg store.ChatMessage) {
	o.Bus.Emit(bus.KindChatMessage, msg)
}

func (o BusObserver) OnReceipt(r Receipt) {
	o.Bus.Emit(bus.KindChatReceipt, r)
}

func (o BusObserver) OnFrame(f Frame) {
	o.Bus.Emit(bus.KindChatFrame, f)
}

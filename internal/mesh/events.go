package mesh

import "github.com/nodakmesh/meshberry/internal/mesh/directory"

// Events is the host-facing sink surface. The UI or daemon registers one
// implementation at engine construction; every method is invoked on the
// engine loop goroutine.
type Events interface {
	OnMessage(msg directory.Message)
	OnNodeDiscovered(node directory.NodeInfo)
	OnChannelMessage(channelIdx int, text string, timestamp uint32, hops uint8)
	OnDirectMessage(contactID uint32, sender, text string, timestamp uint32)
	OnDeliveryReport(contactID, ackTag uint32, delivered bool, attempts int)
	OnChannelRepeat(channelIdx int, contentHash uint32, count int)
	OnLoginResult(ok bool, perms uint8, name string)
	OnCLIResponse(text string)
}

// NopEvents discards everything. Embed it to implement Events partially.
type NopEvents struct{}

func (NopEvents) OnMessage(directory.Message)                  {}
func (NopEvents) OnNodeDiscovered(directory.NodeInfo)          {}
func (NopEvents) OnChannelMessage(int, string, uint32, uint8)  {}
func (NopEvents) OnDirectMessage(uint32, string, string, uint32) {}
func (NopEvents) OnDeliveryReport(uint32, uint32, bool, int)   {}
func (NopEvents) OnChannelRepeat(int, uint32, int)             {}
func (NopEvents) OnLoginResult(bool, uint8, string)            {}
func (NopEvents) OnCLIResponse(string)                         {}

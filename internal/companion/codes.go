package companion

// Command codes accepted from the companion app. One byte, first in the
// frame payload.
const (
	CmdAppStart          = 0x01
	CmdSendTxtMsg        = 0x02
	CmdSendChannelTxtMsg = 0x03
	CmdGetContacts       = 0x04
	CmdGetDeviceTime     = 0x05
	CmdSendSelfAdvert    = 0x07
	CmdSetAdvertName     = 0x08
	CmdSyncNextMessage   = 0x0A
	CmdSendLogin         = 0x1A
)

// Response codes, first byte of an outbound frame.
const (
	RespOk             = 0x00
	RespErr            = 0x01
	RespContactsStart  = 0x02
	RespContact        = 0x03
	RespEndOfContacts  = 0x04
	RespSelfInfo       = 0x05
	RespSent           = 0x06
	RespContactMsgRecv = 0x07
	RespChannelMsgRecv = 0x08
	RespCurrTime       = 0x09
	RespNoMoreMessages = 0x0A
)

// Push codes, unsolicited outbound frames. Always >= 0x80.
const (
	PushAdvert        = 0x80
	PushSendConfirmed = 0x82
	PushMsgWaiting    = 0x83
)

package protocol

import "fmt"

// CommandCode is the first byte of a host->device frame.
type CommandCode byte

const (
	CmdAppStart          CommandCode = 0x01
	CmdSendTxtMsg        CommandCode = 0x02
	CmdSendChannelTxtMsg CommandCode = 0x03
	CmdGetContacts       CommandCode = 0x04
	CmdGetDeviceTime     CommandCode = 0x05
	CmdSetDeviceTime     CommandCode = 0x06
	CmdSendSelfAdvert    CommandCode = 0x07
	CmdSetAdvertName     CommandCode = 0x08
	CmdAddUpdateContact  CommandCode = 0x09
	CmdSyncNextMessage   CommandCode = 0x0A
	CmdResetPath         CommandCode = 0x0D
	CmdRemoveContact     CommandCode = 0x0F
	CmdShareContact      CommandCode = 0x10
	CmdExportContact     CommandCode = 0x11
	CmdDeviceQuery       CommandCode = 0x16
	CmdSendLogin         CommandCode = 0x1A
	CmdSendStatusReq     CommandCode = 0x1B
	CmdLogout            CommandCode = 0x1D
	CmdGetContactByKey   CommandCode = 0x1E
	CmdGetChannel        CommandCode = 0x1F
	CmdSetChannel        CommandCode = 0x20
	CmdSendBinaryReq     CommandCode = 0x32
)

var commandNames = map[CommandCode]string{
	CmdAppStart:          "app_start",
	CmdSendTxtMsg:        "send_txt_msg",
	CmdSendChannelTxtMsg: "send_channel_txt_msg",
	CmdGetContacts:       "get_contacts",
	CmdGetDeviceTime:     "get_device_time",
	CmdSetDeviceTime:     "set_device_time",
	CmdSendSelfAdvert:    "send_self_advert",
	CmdSetAdvertName:     "set_advert_name",
	CmdAddUpdateContact:  "add_update_contact",
	CmdSyncNextMessage:   "sync_next_message",
	CmdResetPath:         "reset_path",
	CmdRemoveContact:     "remove_contact",
	CmdShareContact:      "share_contact",
	CmdExportContact:     "export_contact",
	CmdDeviceQuery:       "device_query",
	CmdSendLogin:         "send_login",
	CmdSendStatusReq:     "send_status_req",
	CmdLogout:            "logout",
	CmdGetContactByKey:   "get_contact_by_key",
	CmdGetChannel:        "get_channel",
	CmdSetChannel:        "set_channel",
	CmdSendBinaryReq:     "send_binary_req",
}

func (c CommandCode) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("cmd(0x%02x)", byte(c))
}

// ResponseCode is the first byte of a solicited device->host frame.
type ResponseCode byte

const (
	RespOk               ResponseCode = 0x00
	RespErr              ResponseCode = 0x01
	RespContactsStart    ResponseCode = 0x02
	RespContact          ResponseCode = 0x03
	RespEndOfContacts    ResponseCode = 0x04
	RespSelfInfo         ResponseCode = 0x05
	RespSent             ResponseCode = 0x06
	RespContactMsgRecv   ResponseCode = 0x07
	RespChannelMsgRecv   ResponseCode = 0x08
	RespCurrTime         ResponseCode = 0x09
	RespNoMoreMessages   ResponseCode = 0x0A
	RespExportContact    ResponseCode = 0x0B
	RespBatteryVoltage   ResponseCode = 0x0C
	RespDeviceInfo       ResponseCode = 0x0D
	RespDisabled         ResponseCode = 0x0F
	RespContactMsgRecvV3 ResponseCode = 0x10
	RespChannelMsgRecvV3 ResponseCode = 0x11
	RespChannelInfo      ResponseCode = 0x12
)

// PushCode is the first byte of an unsolicited device->host frame.
type PushCode byte

const (
	PushAdvert         PushCode = 0x80
	PushPathUpdated    PushCode = 0x81
	PushSendConfirmed  PushCode = 0x82
	PushMsgWaiting     PushCode = 0x83
	PushRawData        PushCode = 0x84
	PushLoginSuccess   PushCode = 0x85
	PushLoginFail      PushCode = 0x86
	PushStatusResponse PushCode = 0x87
	PushLogRxData      PushCode = 0x88
	PushTraceData      PushCode = 0x89
	PushNewAdvert      PushCode = 0x8A
	PushTelemetry      PushCode = 0x8B
	PushBinaryResponse PushCode = 0x8C
)

var pushNames = map[PushCode]string{
	PushAdvert:         "advert",
	PushPathUpdated:    "path_updated",
	PushSendConfirmed:  "send_confirmed",
	PushMsgWaiting:     "msg_waiting",
	PushRawData:        "raw_data",
	PushLoginSuccess:   "login_success",
	PushLoginFail:      "login_fail",
	PushStatusResponse: "status_response",
	PushLogRxData:      "log_rx_data",
	PushTraceData:      "trace_data",
	PushNewAdvert:      "new_advert",
	PushTelemetry:      "telemetry",
	PushBinaryResponse: "binary_response",
}

func (p PushCode) String() string {
	if name, ok := pushNames[p]; ok {
		return name
	}
	return fmt.Sprintf("push(0x%02x)", byte(p))
}

// IsPush reports whether a raw frame discriminator is in the push range.
func IsPush(code byte) bool {
	return code >= 0x80
}

// TextType marks how the text body of a message frame is interpreted.
type TextType byte

const (
	TextPlain       TextType = 0x00
	TextCLI         TextType = 0x01
	TextSignedPlain TextType = 0x02
)

// ContactType is the advertised role of a peer.
type ContactType byte

const (
	ContactNone     ContactType = 0x00
	ContactChat     ContactType = 0x01
	ContactRepeater ContactType = 0x02
	ContactRoom     ContactType = 0x03
)

func (t ContactType) String() string {
	switch t {
	case ContactChat:
		return "chat"
	case ContactRepeater:
		return "repeater"
	case ContactRoom:
		return "room"
	default:
		return "none"
	}
}

// BinaryRequestType is the first byte of a SendBinaryReq body.
type BinaryRequestType byte

const (
	BinaryReqStatus        BinaryRequestType = 0x01
	BinaryReqKeepAlive     BinaryRequestType = 0x02
	BinaryReqTelemetry     BinaryRequestType = 0x03
	BinaryReqGetNeighbours BinaryRequestType = 0x06
)

func (t BinaryRequestType) String() string {
	switch t {
	case BinaryReqStatus:
		return "status"
	case BinaryReqKeepAlive:
		return "keep_alive"
	case BinaryReqTelemetry:
		return "telemetry"
	case BinaryReqGetNeighbours:
		return "get_neighbours"
	default:
		return fmt.Sprintf("binary_req(0x%02x)", byte(t))
	}
}

// Fixed field widths used across record layouts.
const (
	PublicKeySize    = 32
	PubKeyPrefixSize = 6
	AuthorPrefixSize = 4
	NameFieldSize    = 32
	PathFieldSize    = 64
	SecretSize       = 16
	MaxChannelSlots  = 8

	// PathLengthFlood marks a contact with no known route.
	PathLengthFlood int8 = -1
)

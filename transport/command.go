package transport

import "fmt"

// Command numbers follow the RP1210 SendCommand numbering.
type Command int16

const (
	CmdResetDevice                  Command = 0
	CmdSetAllFiltersStatesToPass    Command = 3
	CmdSetMessageFilteringForJ1939  Command = 4
	CmdSetMessageFilteringForCAN    Command = 5
	CmdSetMessageFilteringForJ1708  Command = 7
	CmdEchoTransmittedMessages      Command = 16
	CmdSetAllFiltersStatesToDiscard Command = 17
	CmdSetMessageReceive            Command = 18
	CmdProtectJ1939Address          Command = 19
	CmdReleaseJ1939Address          Command = 31
	CmdSetBlockingTimeout           Command = 215
)

// J1939 filter flags for CmdSetMessageFilteringForJ1939.
const (
	FilterPGN      = 0x01
	FilterPriority = 0x02
	FilterSource   = 0x04
	FilterDest     = 0x08
)

func (c Command) String() string {
	switch c {
	case CmdResetDevice:
		return "RP1210_Reset_Device"
	case CmdSetAllFiltersStatesToPass:
		return "RP1210_Set_All_Filters_States_to_Pass"
	case CmdSetMessageFilteringForJ1939:
		return "RP1210_Set_Message_Filtering_For_J1939"
	case CmdSetMessageFilteringForCAN:
		return "RP1210_Set_Message_Filtering_For_CAN"
	case CmdSetMessageFilteringForJ1708:
		return "RP1210_Set_Message_Filtering_For_J1708"
	case CmdEchoTransmittedMessages:
		return "RP1210_Echo_Transmitted_Messages"
	case CmdSetAllFiltersStatesToDiscard:
		return "RP1210_Set_All_Filters_States_to_Discard"
	case CmdSetMessageReceive:
		return "RP1210_Set_Message_Receive"
	case CmdProtectJ1939Address:
		return "RP1210_Protect_J1939_Address"
	case CmdReleaseJ1939Address:
		return "RP1210_Release_J1939_Address"
	case CmdSetBlockingTimeout:
		return "RP1210_Set_Blocking_Timeout"
	default:
		return fmt.Sprintf("command(%d)", int16(c))
	}
}

// J1939FilterPGN builds the 7 byte filter record for a single PGN.
func J1939FilterPGN(pgn uint32) []byte {
	return []byte{
		FilterPGN,
		byte(pgn),
		byte(pgn >> 8),
		byte(pgn >> 16),
		0x00, // priority
		0x00, // source
		0x00, // destination
	}
}

package protocol

import "fmt"

// Command is the 1 byte opcode that starts every request.
type Command uint8

const (
	CmdGet        Command = 0x00
	CmdSet        Command = 0x01
	CmdChgSetting Command = 0x02
	CmdGetSetting Command = 0x03
	CmdGetStats   Command = 0x04
	CmdDelete     Command = 0x05
	CmdFlushAll   Command = 0x06
	CmdGetQ       Command = 0x07
	CmdSetQ       Command = 0x08

	// CmdNoop is the keep-alive command. Its value is not fixed by any
	// released server, 0x09 is the first opcode after SETQ.
	CmdNoop Command = 0x09
)

var commandNames = map[Command]string{
	CmdGet:        "GET",
	CmdSet:        "SET",
	CmdChgSetting: "CHG_SETTING",
	CmdGetSetting: "GET_SETTING",
	CmdGetStats:   "GET_STATS",
	CmdDelete:     "DELETE",
	CmdFlushAll:   "FLUSH_ALL",
	CmdGetQ:       "GETQ",
	CmdSetQ:       "SETQ",
	CmdNoop:       "NOOP",
}

// Known reports whether c is an opcode the protocol defines.
func (c Command) Known() bool {
	_, ok := commandNames[c]
	return ok
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}

	return fmt.Sprintf("Command(0x%02x)", uint8(c))
}

// ErrorCode is the status byte of a response header.
//
// Every code except Success also satisfies error, so a code reported by
// the peer can be returned as is and matched with errors.Is.
type ErrorCode uint8

const (
	KeyNotExists     ErrorCode = 0x00
	InvalidParam     ErrorCode = 0x01
	InvalidState     ErrorCode = 0x02
	InvalidParamSize ErrorCode = 0x03
	Success          ErrorCode = 0x04
	InvalidCommand   ErrorCode = 0x05
)

var errorCodeNames = map[ErrorCode]string{
	KeyNotExists:     "KeyNotExists",
	InvalidParam:     "InvalidParam",
	InvalidState:     "InvalidState",
	InvalidParamSize: "InvalidParamSize",
	Success:          "Success",
	InvalidCommand:   "InvalidCommand",
}

// Known reports whether the code is part of the protocol's error table.
// Unknown codes are passed through to the caller untouched.
func (e ErrorCode) Known() bool {
	_, ok := errorCodeNames[e]
	return ok
}

func (e ErrorCode) String() string {
	if name, ok := errorCodeNames[e]; ok {
		return name
	}

	return fmt.Sprintf("ErrorCode(0x%02x)", uint8(e))
}

func (e ErrorCode) Error() string {
	return "lightcache: " + e.String()
}

// Err returns nil for Success and the code itself otherwise.
func (e ErrorCode) Err() error {
	if e == Success {
		return nil
	}

	return e
}

package native

import (
	"errors"
	"fmt"
)

// RP1210 return codes, everything below 128 is a client id or a length.
const (
	CodeDLLNotInitialized        = 128
	CodeInvalidClientID          = 129
	CodeClientAlreadyConnected   = 130
	CodeClientAreaFull           = 131
	CodeFreeMemory               = 132
	CodeNotEnoughMemory          = 133
	CodeInvalidDevice            = 134
	CodeDeviceInUse              = 135
	CodeInvalidProtocol          = 136
	CodeTxQueueFull              = 137
	CodeTxQueueCorrupt           = 138
	CodeRxQueueFull              = 139
	CodeRxQueueCorrupt           = 140
	CodeMessageTooLong           = 141
	CodeHardwareNotResponding    = 142
	CodeCommandNotSupported      = 143
	CodeInvalidCommand           = 144
	CodeTxMessageStatus          = 145
	CodeAddressClaimFailed       = 146
	CodeCannotSetPriority        = 147
	CodeClientDisconnected       = 148
	CodeConnectNotAllowed        = 149
	CodeChangeModeFailed         = 150
	CodeBusOff                   = 151
	CodeCouldNotTxAddressClaimed = 152
	CodeAddressLost              = 153
	CodeCodeNotFound             = 154
	CodeBlockNotAllowed          = 155
	CodeMultipleClientsConnected = 156
	CodeAddressNeverClaimed      = 157
	CodeWindowHandleRequired     = 158
	CodeMessageNotSent           = 159
	CodeMaxNotifyExceeded        = 160
	CodeMaxFiltersExceeded       = 161
	CodeHardwareStatusChange     = 162
)

var errText = map[int]string{
	CodeDLLNotInitialized:        "DLL not initialized",
	CodeInvalidClientID:          "invalid client id",
	CodeClientAlreadyConnected:   "client already connected",
	CodeClientAreaFull:           "client area full",
	CodeFreeMemory:               "free memory",
	CodeNotEnoughMemory:          "not enough memory",
	CodeInvalidDevice:            "invalid device",
	CodeDeviceInUse:              "device in use",
	CodeInvalidProtocol:          "invalid protocol",
	CodeTxQueueFull:              "tx queue full",
	CodeTxQueueCorrupt:           "tx queue corrupt",
	CodeRxQueueFull:              "rx queue full",
	CodeRxQueueCorrupt:           "rx queue corrupt",
	CodeMessageTooLong:           "message too long",
	CodeHardwareNotResponding:    "hardware not responding",
	CodeCommandNotSupported:      "command not supported",
	CodeInvalidCommand:           "invalid command",
	CodeTxMessageStatus:          "tx message status",
	CodeAddressClaimFailed:       "address claim failed",
	CodeCannotSetPriority:        "cannot set priority",
	CodeClientDisconnected:       "client disconnected",
	CodeConnectNotAllowed:        "connect not allowed",
	CodeChangeModeFailed:         "change mode failed",
	CodeBusOff:                   "bus off",
	CodeCouldNotTxAddressClaimed: "could not tx address claimed",
	CodeAddressLost:              "address lost",
	CodeCodeNotFound:             "code not found",
	CodeBlockNotAllowed:          "block not allowed",
	CodeMultipleClientsConnected: "multiple clients connected",
	CodeAddressNeverClaimed:      "address never claimed",
	CodeWindowHandleRequired:     "window handle required",
	CodeMessageNotSent:           "message not sent",
	CodeMaxNotifyExceeded:        "max notify exceeded",
	CodeMaxFiltersExceeded:       "max filters exceeded",
	CodeHardwareStatusChange:     "hardware status change",
}

// Error is a non zero RP1210 return code. Text is filled from
// RP1210_GetErrorMsg when the driver provides one.
type Error struct {
	Code int
	Text string
}

func (e *Error) Error() string {
	if e.Text != "" {
		return fmt.Sprintf("RP1210 error %d: %s", e.Code, e.Text)
	}
	if s, ok := errText[e.Code]; ok {
		return fmt.Sprintf("RP1210 error %d: %s", e.Code, s)
	}
	return fmt.Sprintf("RP1210 error %d", e.Code)
}

// IsCode reports whether err is an RP1210 error with the given code.
func IsCode(err error, code int) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

// checkReturn maps a short return value of the DLL to an error. Values of 128
// and up, or negative values, are error codes.
func checkReturn(ret int16) error {
	switch {
	case ret < 0:
		return &Error{Code: -int(ret)}
	case ret >= CodeDLLNotInitialized:
		return &Error{Code: int(ret)}
	}
	return nil
}

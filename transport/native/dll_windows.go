package native

import (
	"bytes"
	"fmt"
	"syscall"
	"unsafe"
)

type dll struct {
	dll              *syscall.DLL
	clientConnect    *syscall.Proc
	clientDisconnect *syscall.Proc
	sendMessage      *syscall.Proc
	readMessage      *syscall.Proc
	sendCommand      *syscall.Proc
	getErrorMsg      *syscall.Proc
}

func loadDLL(driverID string) (api, error) {
	lib, err := syscall.LoadDLL(driverID + ".dll")
	if err != nil {
		return nil, err
	}
	d := &dll{dll: lib}
	for name, p := range map[string]**syscall.Proc{
		"RP1210_ClientConnect":    &d.clientConnect,
		"RP1210_ClientDisconnect": &d.clientDisconnect,
		"RP1210_SendMessage":      &d.sendMessage,
		"RP1210_ReadMessage":      &d.readMessage,
		"RP1210_SendCommand":      &d.sendCommand,
	} {
		proc, err := lib.FindProc(name)
		if err != nil {
			lib.Release()
			return nil, err
		}
		*p = proc
	}
	// optional
	d.getErrorMsg, _ = lib.FindProc("RP1210_GetErrorMsg")
	return d, nil
}

func (d *dll) Release() error {
	return d.dll.Release()
}

// short RP1210_ClientConnect(HWND hwndClient, short nDeviceId, char *fpchProtocol, long lSendBuffer, long lReceiveBuffer, short nIsAppPacketizingIncomingMsgs);
func (d *dll) ClientConnect(deviceID int16, protocol string) (int16, error) {
	p, err := syscall.BytePtrFromString(protocol)
	if err != nil {
		return 0, err
	}
	r, _, _ := d.clientConnect.Call(
		0,
		uintptr(deviceID),
		uintptr(unsafe.Pointer(p)),
		0,
		0,
		0,
	)
	ret := int16(r)
	if err := d.check(ret); err != nil {
		return 0, err
	}
	return ret, nil
}

// short RP1210_ClientDisconnect(short nClientID);
func (d *dll) ClientDisconnect(client int16) error {
	r, _, _ := d.clientDisconnect.Call(uintptr(client))
	return d.check(int16(r))
}

// short RP1210_SendMessage(short nClientID, char *fpchClientMessage, short nMessageSize, short nNotifyStatusOnTx, short nBlockOnSend);
func (d *dll) SendMessage(client int16, data []byte, blocking bool) error {
	if len(data) == 0 {
		return fmt.Errorf("empty message")
	}
	r, _, _ := d.sendMessage.Call(
		uintptr(client),
		uintptr(unsafe.Pointer(&data[0])),
		uintptr(int16(len(data))),
		0,
		boolArg(blocking),
	)
	return d.check(int16(r))
}

// short RP1210_ReadMessage(short nClientID, char *fpchAPIMessage, short nBufferSize, short nBlockOnRead);
func (d *dll) ReadMessage(client int16, buf []byte, blocking bool) (int, error) {
	r, _, _ := d.readMessage.Call(
		uintptr(client),
		uintptr(unsafe.Pointer(&buf[0])),
		uintptr(int16(len(buf))),
		boolArg(blocking),
	)
	ret := int16(r)
	if ret < 0 {
		return 0, d.check(ret)
	}
	return int(ret), nil
}

// short RP1210_SendCommand(short nCommandNumber, short nClientID, char *fpchClientCommand, short nMessageSize);
func (d *dll) SendCommand(cmd int16, client int16, payload []byte) error {
	var dummy [1]byte
	ptr := unsafe.Pointer(&dummy[0])
	if len(payload) > 0 {
		ptr = unsafe.Pointer(&payload[0])
	}
	r, _, _ := d.sendCommand.Call(
		uintptr(cmd),
		uintptr(client),
		uintptr(ptr),
		uintptr(int16(len(payload))),
	)
	return d.check(int16(r))
}

func (d *dll) check(ret int16) error {
	err := checkReturn(ret)
	if err == nil || d.getErrorMsg == nil {
		return err
	}
	e := err.(*Error)
	var desc [80]byte
	// short RP1210_GetErrorMsg(short ErrorCode, char *fpchDescription);
	r, _, _ := d.getErrorMsg.Call(uintptr(int16(e.Code)), uintptr(unsafe.Pointer(&desc[0])))
	if r == 0 {
		e.Text = string(bytes.Trim(desc[:], "\x00"))
	}
	return e
}

func boolArg(b bool) uintptr {
	if b {
		return 1
	}
	return 0
}

package rpc

import "github.com/arduino/app-bricks/internal/rpcerr"

// Reserved wire error codes, per §6 of the wire protocol.
const (
	routeAlreadyExistsErr uint8 = 0x05
	malformedCallErr      uint8 = 0xFD
	functionNotFoundErr   uint8 = 0xFE
	genericErr            uint8 = 0xFF
)

// reservedSystemMethod names, per §6.
const (
	methodRegister       = "$/register"
	methodUnregister     = "$/unregister"
	methodCancelRequest  = "$/cancelRequest"
)

// wireError is the decoded [code, message] error element of a response
// frame.
type wireError struct {
	Code uint8
	Msg  string
}

func errorFromWire(method string, we *wireError) error {
	if we == nil {
		return nil
	}
	return rpcerr.New(rpcerr.CodeKind(we.Code), method, we.Msg)
}

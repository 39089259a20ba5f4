//go:build wasip1

// Package guest is the module side of the capability table, for Go guests
// built with GOOS=wasip1 GOARCH=wasm -buildmode=c-shared.
//
// Importing the package exports the allocate and release functions the host
// calls back into. The module still exports its own entry point:
//
//	//go:wasmexport run
//	func run() uint32 {
//	    body, err := guest.FetchURL("https://example.com/")
//	    if err != nil {
//	        guest.SetResponse("error: " + err.Error())
//	        return 2
//	    }
//	    guest.SetResponse(body)
//	    return 0
//	}
package guest

import (
	"unsafe"

	"github.com/caffeineduck/hostcall/codec"
)

//go:wasmimport env fetch_url
func fetchURL(allocRef, releaseRef, ptr, length uint32) uint32

//go:wasmimport env set_response
func setResponse(allocRef, releaseRef, ptr, length uint32) uint32

//go:wasmimport env log
func logLine(allocRef, releaseRef, ptr, length uint32) uint32

// live keeps every buffer handed to the host reachable until it is
// released.
var live = map[uint32][]byte{}

//go:wasmexport allocate
func allocate(size uint32) uint32 {
	buf := make([]byte, max(size, 1))
	ptr := uint32(uintptr(unsafe.Pointer(&buf[0])))
	live[ptr] = buf
	return ptr
}

//go:wasmexport release
func release(ptr, size uint32) {
	delete(live, ptr)
}

// call passes arg to a capability and returns its encoded result, nil when
// the capability returned nothing. The argument is released by the host.
func call(fn func(allocRef, releaseRef, ptr, length uint32) uint32, arg []byte) []byte {
	ptr := allocate(uint32(len(arg)))
	copy(live[ptr], arg)

	res := fn(0, 0, ptr, uint32(len(arg)))
	delete(live, ptr)
	if res == 0 {
		return nil
	}
	buf, ok := live[res]
	if !ok {
		return nil
	}
	delete(live, res)
	return buf
}

// FetchURL issues a GET through the host. Failures are returned as
// *codec.CapabilityError.
func FetchURL(url string) (string, error) {
	out := call(fetchURL, codec.Marshal(codec.Text(url)))
	if out == nil {
		return "", &codec.CapabilityError{Kind: codec.KindUnavailable, Message: "no result"}
	}
	// the host allocation may be larger than the encoded result
	d := codec.NewDecoder(out)
	var res codec.FetchResult
	if err := res.UnmarshalWire(d); err != nil {
		return "", err
	}
	if !res.Ok() {
		return "", res.Err
	}
	return res.Body, nil
}

// SetResponse delivers the module's output for this run. Later calls
// replace earlier ones.
func SetResponse(s string) {
	call(setResponse, codec.Marshal(codec.Text(s)))
}

// Log writes a line to the host log.
func Log(s string) {
	call(logLine, codec.Marshal(codec.Text(s)))
}

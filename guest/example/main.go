//go:build wasip1

// Command example fetches a page through the host and responds with its
// body.
//
//	GOOS=wasip1 GOARCH=wasm go build -buildmode=c-shared -o example.wasm ./guest/example
//	hostcall run example.wasm --allow-host example.com
package main

import (
	"github.com/caffeineduck/hostcall/guest"
)

const target = "https://example.com/"

func main() {}

//go:wasmexport run
func run() uint32 {
	guest.Log("fetching " + target)
	body, err := guest.FetchURL(target)
	if err != nil {
		guest.Log("fetch failed: " + err.Error())
		guest.SetResponse("error: " + err.Error())
		return 2
	}
	guest.SetResponse(body)
	return 0
}

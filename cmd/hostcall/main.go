// Command hostcall runs WebAssembly modules against the host capability
// table, once from the command line or per request behind a listener.
package main

func main() {
	Execute()
}

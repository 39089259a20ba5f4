// Package hostcall runs sandboxed WebAssembly modules against a small
// table of host capabilities.
//
// # Overview
//
// A module gets nothing by default: no network, no filesystem, no clock
// beyond WASI. What it may do is the capability table it imports from the
// env namespace: fetch_url for an HTTP GET to an allowlisted host,
// set_response to deliver its output and log to write to the host log.
//
// Arguments and results cross the sandbox boundary as bincode-compatible
// bytes in the module's own memory. The host reserves result space by
// calling back into the module's allocator, so both sides always agree on
// who owns a buffer.
//
// # Basic Usage
//
//	fetcher := hostfunc.NewHTTPFetcher(hostfunc.HTTPConfig{
//	    AllowedHosts: []string{"api.example.com"},
//	})
//	exec, _ := executor.New(hostfunc.NewTable(fetcher))
//	defer exec.Close()
//
//	mod, _ := exec.LoadFile(ctx, "weather.wasm")
//	inst, _ := mod.Instantiate(ctx)
//	result := inst.Run(ctx, executor.WithTimeout(5*time.Second))
//	fmt.Println(result.Output)
//
// # Serving
//
//	pool, _ := mod.NewPool(ctx, 4)
//	srv := &server.Server{Pools: []server.Runner{pool}}
//	srv.Serve(ctx, ln)
//
// See the [codec], [guestmem], [hostfunc], [executor] and [server]
// packages for detailed API documentation, and [guest] for writing
// modules in Go.
package hostcall

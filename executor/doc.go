// Package executor runs sandboxed WebAssembly modules against the host
// capability table.
//
// # Overview
//
// The executor owns one wazero runtime. The capability table from the
// hostfunc package is bound into it once, as the env host module, and every
// module loaded afterwards is checked against it.
//
// A module moves through Loaded (compiled, exports checked), Bound (every
// import resolved) and is then instantiated any number of times. Each
// [Instance] has its own linear memory and host state, and moves through
// Running to Finished, or to Failed when an invocation traps. A failed
// instance is never invoked again.
//
// # Basic Usage
//
//	exec, err := executor.New(hostfunc.NewTable(fetcher))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer exec.Close()
//
//	mod, err := exec.LoadFile(ctx, "hello.wasm")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	inst, err := mod.Instantiate(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result := inst.Run(ctx, executor.WithTimeout(5*time.Second))
//	fmt.Println(result.Output)
//
// # Pools
//
// An instance serves one invocation at a time. A [Pool] keeps several
// instances of a module for concurrent callers and replaces instances that
// failed:
//
//	pool, err := mod.NewPool(ctx, 4)
//	result := pool.Run(ctx)
//
// # Guest Contract
//
// Modules must export a memory, an allocator pair (allocate(len) -> ptr and
// release(ptr, len)) and an entry point (run() -> status). Older guests
// using alloc/dealloc/doit are loaded with [WithAllocatorExports] and
// [WithEntryPoint].
package executor

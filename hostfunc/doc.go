// Package hostfunc provides the host capabilities a sandboxed module can
// import, and the dispatcher that runs them across the memory boundary.
//
// # Calling Convention
//
// Every capability is imported from the env namespace with the signature
//
//	(allocatorRef i32, deallocatorRef i32, argPtr i32, argLen i32) -> i32
//
// The module encodes the argument with the codec package into a buffer from
// its own allocator and passes the buffer window. The host copies the
// argument out, releases the buffer, runs the capability, and writes the
// encoded result into a fresh buffer obtained from the same allocator. The
// returned pointer is owned by the module. Unit results return 0.
//
// The two refs are kept for compatibility with existing guests and are not
// interpreted: the host always uses the allocator of the calling instance.
//
// # Registry
//
// The [Registry] maps import names to [Handler] values. [NewTable] builds
// the fixed table:
//
//	registry := hostfunc.NewTable(hostfunc.NewHTTPFetcher(hostfunc.HTTPConfig{
//	    AllowedHosts: []string{"api.example.com"},
//	}))
//	_, err := hostfunc.Bind(ctx, runtime, registry)
//
// # Faults and Effect Errors
//
// A malformed argument, an out-of-bounds window or a failing allocator is a
// [Fault]: it is recorded in the instance [State] and the invocation traps.
// Failures of the effect itself, such as an unreachable host, are returned
// to the module as a [codec.CapabilityError] inside the result.
//
// # Security Model
//
//   - Fetches are limited to explicitly allowed hosts, GET only
//   - URL length, response size and request time are bounded
//   - Repeated upstream failures open a circuit breaker
package hostfunc

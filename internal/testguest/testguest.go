// Package testguest builds small guest modules in WebAssembly text format.
//
// Every generated module exports a memory, a first-fit allocator
// (allocate/release) that reuses released blocks, and an entry point whose
// body is a sequence of capability calls:
//
//	wasm := testguest.New().
//	    Fetch("http://example.test/").
//	    MustCompile()
package testguest

import (
	"fmt"
	"sort"
	"strings"

	"github.com/wippyai/wasm-runtime/wat"

	"github.com/caffeineduck/hostcall/codec"
)

// HeapBase is the first heap address. Static data lives below it.
const HeapBase = 4096

const dataBase = 16

// Block states stored in the second word of every heap block header.
const (
	blockLive = 0x4C495645 // "LIVE"
	blockFree = 0x46524545 // "FREE"
)

// Module accumulates the pieces of one guest module.
type Module struct {
	imports     map[string]string // capability name -> wasm func name
	rawImports  []string
	data        []string
	dataTop     int
	segments    map[string]int
	body        []string
	funcs       []string
	start       string
	traced      bool
	noAllocator bool
	allocName   string
	releaseName string
	entry       string
}

func New() *Module {
	return &Module{
		imports:     make(map[string]string),
		dataTop:     dataBase,
		segments:    make(map[string]int),
		allocName:   "allocate",
		releaseName: "release",
		entry:       "run",
	}
}

// Entry renames the exported entry point.
func (m *Module) Entry(name string) *Module {
	m.entry = name
	return m
}

// AllocatorExports renames the exported allocator functions.
func (m *Module) AllocatorExports(allocate, release string) *Module {
	m.allocName = allocate
	m.releaseName = release
	return m
}

// WithoutAllocator omits the allocator exports entirely.
func (m *Module) WithoutAllocator() *Module {
	m.noAllocator = true
	return m
}

// Traced makes the allocator report every allocate and release to the
// host module "trace" (on_allocate and on_release, both (i32 i32)).
func (m *Module) Traced() *Module {
	m.traced = true
	return m
}

// Import binds a capability under a non-default import name, as legacy
// guests do.
func (m *Module) Import(capability, importName string) *Module {
	m.imports[importName] = "$" + capability
	return m
}

// RawImport adds an import line verbatim.
func (m *Module) RawImport(line string) *Module {
	m.rawImports = append(m.rawImports, line)
	return m
}

// RawFunc adds a function definition verbatim.
func (m *Module) RawFunc(fn string) *Module {
	m.funcs = append(m.funcs, fn)
	return m
}

// Raw appends instructions to the entry point body.
func (m *Module) Raw(instrs string) *Module {
	m.body = append(m.body, instrs)
	return m
}

// Start sets the module start function.
func (m *Module) Start(fn string) *Module {
	m.start = fn
	return m
}

// Status makes the entry point return code.
func (m *Module) Status(code int32) *Module {
	return m.Raw(fmt.Sprintf("(local.set $status (i32.const %d))", code))
}

// SetResponse calls set_response with text.
func (m *Module) SetResponse(text string) *Module {
	return m.callWithText("set_response", text)
}

// Log calls log with text.
func (m *Module) Log(text string) *Module {
	return m.callWithText("log", text)
}

// Fetch calls fetch_url with url and forwards the outcome to
// set_response: the body on success, the error message on failure, in
// which case the entry point returns 2. A null result returns 1.
// The result buffer is released by the guest afterwards.
func (m *Module) Fetch(url string) *Module {
	off, n := m.text(url)
	fetch := m.use("fetch_url")
	respond := m.use("set_response")
	return m.Raw(fmt.Sprintf(`
		(local.set $res (call %[3]s (i32.const 1) (i32.const 2)
			(call $copy_alloc (i32.const %[1]d) (i32.const %[2]d)) (i32.const %[2]d)))
		(if (i32.eqz (local.get $res)) (then (return (i32.const 1))))
		(local.set $text (i32.add (local.get $res) (i32.const 4)))
		(if (i32.ne (i32.load (local.get $res)) (i32.const 0))
			(then
				(local.set $status (i32.const 2))
				(local.set $text (i32.add (local.get $res) (i32.const 8)))))
		(local.set $len (i32.add (i32.load (local.get $text)) (i32.const 8)))
		(drop (call %[4]s (i32.const 1) (i32.const 2)
			(call $copy_alloc (local.get $text) (local.get $len)) (local.get $len)))
		(call $release (local.get $res)
			(i32.sub (i32.add (local.get $text) (local.get $len)) (local.get $res)))`,
		off, n, fetch, respond))
}

// CallRaw calls capability with the given raw argument bytes, which need
// not be a valid encoding, and drops the result.
func (m *Module) CallRaw(capability string, arg []byte) *Module {
	off, n := m.bytes(arg)
	fn := m.use(capability)
	return m.Raw(fmt.Sprintf(
		"(drop (call %s (i32.const 1) (i32.const 2) (call $copy_alloc (i32.const %d) (i32.const %d)) (i32.const %d)))",
		fn, off, n, n))
}

// CallAt calls capability with an arbitrary pointer and length.
func (m *Module) CallAt(capability string, ptr, length uint32) *Module {
	fn := m.use(capability)
	return m.Raw(fmt.Sprintf(
		"(drop (call %s (i32.const 1) (i32.const 2) (i32.const %d) (i32.const %d)))",
		fn, int32(ptr), int32(length)))
}

func (m *Module) callWithText(capability, text string) *Module {
	off, n := m.text(text)
	fn := m.use(capability)
	return m.Raw(fmt.Sprintf(
		"(drop (call %s (i32.const 1) (i32.const 2) (call $copy_alloc (i32.const %d) (i32.const %d)) (i32.const %d)))",
		fn, off, n, n))
}

func (m *Module) use(capability string) string {
	fn := "$" + capability
	for _, bound := range m.imports {
		if bound == fn {
			return fn
		}
	}
	m.imports[capability] = fn
	return fn
}

func (m *Module) text(s string) (int, int) {
	return m.bytes(codec.Marshal(codec.Text(s)))
}

func (m *Module) bytes(b []byte) (int, int) {
	if off, ok := m.segments[string(b)]; ok {
		return off, len(b)
	}
	off := m.dataTop
	if off+len(b) > HeapBase {
		panic(fmt.Sprintf("testguest: static data exceeds %d bytes", HeapBase))
	}
	var sb strings.Builder
	for _, c := range b {
		fmt.Fprintf(&sb, "\\%02x", c)
	}
	m.data = append(m.data, fmt.Sprintf(`(data (i32.const %d) "%s")`, off, sb.String()))
	m.segments[string(b)] = off
	// keep segments 8-byte aligned
	m.dataTop = (off + len(b) + 7) &^ 7
	return off, len(b)
}

// WAT renders the module text.
func (m *Module) WAT() string {
	var b strings.Builder
	b.WriteString("(module\n")

	names := make([]string, 0, len(m.imports))
	for imp := range m.imports {
		names = append(names, imp)
	}
	sort.Strings(names)
	for _, imp := range names {
		fmt.Fprintf(&b, "  (import \"env\" %q (func %s (param i32 i32 i32 i32) (result i32)))\n", imp, m.imports[imp])
	}
	for _, line := range m.rawImports {
		b.WriteString("  " + line + "\n")
	}
	if m.traced {
		b.WriteString("  (import \"trace\" \"on_allocate\" (func $on_allocate (param i32 i32)))\n")
		b.WriteString("  (import \"trace\" \"on_release\" (func $on_release (param i32 i32)))\n")
	}

	b.WriteString("  (memory (export \"memory\") 1)\n")
	fmt.Fprintf(&b, "  (global $heap_top (mut i32) (i32.const %d))\n", HeapBase)
	for _, d := range m.data {
		b.WriteString("  " + d + "\n")
	}

	b.WriteString(m.allocator())

	for _, fn := range m.funcs {
		b.WriteString("  " + fn + "\n")
	}

	fmt.Fprintf(&b, "  (func (export %q) (result i32)\n", m.entry)
	b.WriteString("    (local $res i32) (local $text i32) (local $len i32) (local $status i32)\n")
	for _, stmt := range m.body {
		b.WriteString("    " + stmt + "\n")
	}
	b.WriteString("    (local.get $status))\n")

	if m.start != "" {
		fmt.Fprintf(&b, "  (start %s)\n", m.start)
	}
	b.WriteString(")\n")
	return b.String()
}

func (m *Module) allocator() string {
	allocExport := fmt.Sprintf("(export %q)", m.allocName)
	releaseExport := fmt.Sprintf("(export %q)", m.releaseName)
	if m.noAllocator {
		allocExport, releaseExport = "", ""
	}
	traceAlloc, traceRelease := "", ""
	if m.traced {
		traceAlloc = "(call $on_allocate (local.get $ptr) (local.get $n))"
		traceRelease = "(call $on_release (local.get $ptr) (local.get $len))"
	}

	return fmt.Sprintf(`
  (func $ensure (param $end i32)
    (local $have i32)
    (local.set $have (i32.shl (memory.size) (i32.const 16)))
    (if (i32.gt_u (local.get $end) (local.get $have))
      (then
        (drop (memory.grow
          (i32.add (i32.shr_u (i32.sub (local.get $end) (local.get $have)) (i32.const 16)) (i32.const 1)))))))

  (func $allocate %[1]s (param $n i32) (result i32)
    (local $p i32) (local $size i32) (local $need i32) (local $ptr i32)
    (local.set $need (i32.and (i32.add (local.get $n) (i32.const 7)) (i32.const -8)))
    (if (i32.eqz (local.get $need)) (then (local.set $need (i32.const 8))))
    (local.set $p (i32.const %[3]d))
    (block $found
      (block $exhausted
        (loop $scan
          (br_if $exhausted (i32.ge_u (local.get $p) (global.get $heap_top)))
          (local.set $size (i32.load (local.get $p)))
          (br_if $found (i32.and
            (i32.eq (i32.load offset=4 (local.get $p)) (i32.const %[5]d))
            (i32.ge_u (local.get $size) (local.get $need))))
          (local.set $p (i32.add (local.get $p) (i32.add (local.get $size) (i32.const 8))))
          (br $scan)))
      (local.set $p (global.get $heap_top))
      (call $ensure (i32.add (i32.add (local.get $p) (i32.const 8)) (local.get $need)))
      (i32.store (local.get $p) (local.get $need))
      (global.set $heap_top (i32.add (i32.add (local.get $p) (i32.const 8)) (local.get $need))))
    (i32.store offset=4 (local.get $p) (i32.const %[4]d))
    (local.set $ptr (i32.add (local.get $p) (i32.const 8)))
    %[6]s
    (local.get $ptr))

  (func $release %[2]s (param $ptr i32) (param $len i32)
    (local $h i32)
    (if (i32.lt_u (local.get $ptr) (i32.const %[8]d)) (then (return)))
    (if (i32.ge_u (local.get $ptr) (global.get $heap_top)) (then (return)))
    (local.set $h (i32.sub (local.get $ptr) (i32.const 8)))
    (if (i32.ne (i32.load offset=4 (local.get $h)) (i32.const %[4]d)) (then (return)))
    (i32.store offset=4 (local.get $h) (i32.const %[5]d))
    %[7]s)

  (func $copy_alloc (param $src i32) (param $n i32) (result i32)
    (local $dst i32)
    (local.set $dst (call $allocate (local.get $n)))
    (memory.copy (local.get $dst) (local.get $src) (local.get $n))
    (local.get $dst))
`, allocExport, releaseExport, HeapBase, blockLive, blockFree, traceAlloc, traceRelease, HeapBase+8)
}

// Compile assembles the module into WebAssembly bytecode.
func (m *Module) Compile() ([]byte, error) {
	return wat.Compile(m.WAT())
}

// MustCompile is Compile that panics on error.
func (m *Module) MustCompile() []byte {
	b, err := m.Compile()
	if err != nil {
		panic(fmt.Sprintf("testguest: %v\n%s", err, m.WAT()))
	}
	return b
}

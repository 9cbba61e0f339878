//go:build amd64

package cpu

// Context is the saved machine state of a suspended kernel task (spec.md
// §3's "saved cpu_context"). Only the callee-saved registers, stack
// pointer, and return address are preserved across a voluntary switch — the
// caller-saved registers are already spilled by the Go (or, on real
// hardware, C) calling convention before ContextSwitch is reached.
type Context struct {
	RSP    uintptr
	RBP    uintptr
	RBX    uintptr
	R12    uintptr
	R13    uintptr
	R14    uintptr
	R15    uintptr
	RIP    uintptr
	RFlags uint64
}

// ContextSwitch saves the outgoing task's callee-saved registers and stack
// pointer into prev, loads those of next, and returns into next's saved
// RIP (spec.md §4.8 step 5 / GLOSSARY "Context switch"). Contract: clobbers
// no registers visible to the caller other than those defined by the normal
// function-call ABI; prev may be nil, in which case nothing is saved
// (kernel/sched uses StartTask, not a nil prev, for its very first switch).
//
//go:noescape
func ContextSwitch(prev, next *Context)

// StartTask performs the first-ever switch into a newly created task: it
// does not attempt to save any outgoing context and instead loads next's
// context directly, landing at the assembly trampoline that in turn calls
// the task's entry function (spec.md §4.8: "a small assembly trampoline
// that calls entry(arg) with interrupts enabled").
//
//go:noescape
func StartTask(next *Context)

// TaskTrampoline is the landing pad every brand-new task's saved RIP points
// at. It is implemented in context_amd64.s; kernel/sched never calls it
// directly, it only arranges for Context.RIP to reference it when a task is
// created (spec.md §4.8 "create").
func TaskTrampoline()

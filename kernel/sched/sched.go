// Package sched is the round-robin process scheduler: a fixed process
// table, a single FIFO ready queue, and the create/schedule/
// scheduler_tick/yield/exit operations spec.md §4.8 describes.
//
// The teacher's own scheduler piggybacks the *host* Go runtime's M:N
// goroutine scheduler onto bare metal (`scheduler_bootstrap.go`,
// `goroutine.go`) because its target is a patched `runtime` package. That
// approach makes the ready queue and FIFO ordering unobservable from
// outside the runtime, which conflicts with this kernel's own testable
// invariants (at most one Running task; the running task is never also in
// the ready queue; strict FIFO). This package instead builds the explicit,
// inspectable process table spec.md §9 calls for — "arena indices into the
// process table rather than raw pointers" — while still isolating the one
// genuinely hardware-dependent primitive, the context switch, behind
// kernel/cpu exactly the way the teacher isolates ARM64 asm behind its own
// `asm` package boundary.
package sched

import (
	"reflect"

	"github.com/ghartrid/ironroot/kernel/cpu"
)

const (
	// ProcessMax is the fixed process table capacity (spec.md §4.8).
	ProcessMax = 64

	// idleSlot is the process table index permanently occupied by the idle
	// task (spec.md §4.8: "The idle task occupies slot 0").
	idleSlot = 0

	// TimeSliceTicks is the quantum reloaded on every dispatch (spec.md
	// §4.8 step 4: "reload time_slice = 10 ticks").
	TimeSliceTicks = 10

	// entryRFlags is the flags value a brand-new task's trampoline resumes
	// with (spec.md §4.8: "rflags = 0x202" — interrupts enabled).
	entryRFlags = 0x202

	defaultStackSize = 16 * 1024
)

// State is a task's scheduling state (spec.md §3).
type State int

const (
	StateUnused State = iota
	StateReady
	StateRunning
	StateBlocked
	StateZombie
)

func (s State) String() string {
	switch s {
	case StateUnused:
		return "unused"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateBlocked:
		return "blocked"
	case StateZombie:
		return "zombie"
	default:
		return "invalid"
	}
}

// Task is one process-table slot.
type Task struct {
	Name      string
	State     State
	Context   cpu.Context
	StackAddr uint64
	StackSize uint64
	Priority  int // reserved, never consulted (spec.md §4.8 "documented limitation")
	TimeSlice int
	ExitCode  int
}

// StackAllocator supplies and reclaims per-task stacks (kernel/heap's Heap
// satisfies this).
type StackAllocator interface {
	Alloc(size uint32) uint64
	Free(addr uint64)
}

// Scheduler owns the process table, the ready queue, and the currently
// running task index. Per spec.md §9, this is an explicit struct
// instance kernel.Kmain constructs once and threads by reference, not a
// package global.
type Scheduler struct {
	tasks   [ProcessMax]Task
	ready   []int
	current int // -1 before the first Schedule call

	stacks StackAllocator

	switchFn func(prev, next *cpu.Context)
	startFn  func(next *cpu.Context)
	cli      func()
	sti      func()

	idleTicks uint64
	busyTicks uint64
	switches  uint64
}

// New constructs a Scheduler and installs the idle task in slot 0. stacks
// supplies per-task stacks; pass nil to use kernel/cpu's real primitives
// for context switching and interrupt masking, or inject fakes for tests.
func New(stacks StackAllocator) *Scheduler {
	s := &Scheduler{
		stacks:   stacks,
		current:  -1,
		switchFn: cpu.ContextSwitch,
		startFn:  cpu.StartTask,
		cli:      cpu.DisableInterrupts,
		sti:      cpu.EnableInterrupts,
	}
	s.tasks[idleSlot] = Task{Name: "idle", State: StateReady}
	return s
}

// SetContextOps overrides the context-switch/interrupt-masking primitives,
// for host tests that cannot execute real hardware-privileged instructions.
func (s *Scheduler) SetContextOps(switchFn func(prev, next *cpu.Context), startFn func(next *cpu.Context), cli, sti func()) {
	s.switchFn = switchFn
	s.startFn = startFn
	s.cli = cli
	s.sti = sti
}

// SetIdleEntry installs the idle task's body (spec.md §4.8: "runs a hlt
// loop"), wired through the same trampoline every other task uses so the
// idle slot's Context is a normal, resumable one from the very first
// Schedule call onward.
func (s *Scheduler) SetIdleEntry(entry func(arg uintptr), arg uintptr) {
	s.initContext(&s.tasks[idleSlot], entry, arg, 0, 0)
}

// Create allocates a free process-table slot, allocates a stack, and
// initializes the saved context so the first resume lands at the assembly
// trampoline that calls entry(arg) with interrupts enabled (spec.md §4.8
// "create"). It enqueues the new task at the ready-queue tail and returns
// its slot index, or ok=false if the table is full or stack allocation
// fails.
func (s *Scheduler) Create(name string, entry func(arg uintptr), arg uintptr) (pid int, ok bool) {
	slot := -1
	for i := 1; i < ProcessMax; i++ {
		if s.tasks[i].State == StateUnused {
			slot = i
			break
		}
	}
	if slot == -1 {
		return 0, false
	}

	stackSize := uint64(defaultStackSize)
	var stackAddr uint64
	if s.stacks != nil {
		stackAddr = s.stacks.Alloc(uint32(stackSize))
		if stackAddr == 0 {
			return 0, false
		}
	}

	t := &s.tasks[slot]
	*t = Task{Name: name}
	s.initContext(t, entry, arg, stackAddr, stackSize)
	t.State = StateReady
	s.enqueue(slot)
	return slot, true
}

func (s *Scheduler) initContext(t *Task, entry func(arg uintptr), arg uintptr, stackAddr, stackSize uint64) {
	t.StackAddr = stackAddr
	t.StackSize = stackSize
	t.Context = cpu.Context{
		RIP:    reflect.ValueOf(cpu.TaskTrampoline).Pointer(),
		RFlags: entryRFlags,
	}
	if stackAddr != 0 {
		// Stack grows down; leave room for the trampoline's own frame.
		t.Context.RSP = uintptr(stackAddr+stackSize) &^ 0xF
	}
	if entry != nil {
		t.Context.R15 = reflect.ValueOf(entry).Pointer()
	}
	t.Context.R14 = uintptr(arg)
}

func (s *Scheduler) enqueue(slot int) {
	s.ready = append(s.ready, slot)
}

func (s *Scheduler) dequeue() (int, bool) {
	if len(s.ready) == 0 {
		return 0, false
	}
	slot := s.ready[0]
	s.ready = s.ready[1:]
	return slot, true
}

// Current returns the index of the currently running task, or -1 if
// Schedule has never run.
func (s *Scheduler) Current() int { return s.current }

// Task returns a copy of the process-table entry at slot, for diagnostics
// and tests.
func (s *Scheduler) Task(slot int) Task { return s.tasks[slot] }

// ReadyLen reports how many tasks are currently waiting in the ready
// queue.
func (s *Scheduler) ReadyLen() int { return len(s.ready) }

// Schedule implements spec.md §4.8's core algorithm: pop the ready queue
// head (or the idle task if empty); return immediately if it is already
// current; otherwise demote the outgoing Running task back to Ready and
// enqueue it, promote the incoming task, reload its time slice, and
// perform the context switch.
func (s *Scheduler) Schedule() {
	next, ok := s.dequeue()
	if !ok {
		next = idleSlot
	}

	if s.current == next {
		return
	}

	if s.current != -1 {
		cur := &s.tasks[s.current]
		if cur.State == StateRunning {
			cur.State = StateReady
			s.enqueue(s.current)
		}
	}

	nextTask := &s.tasks[next]
	nextTask.State = StateRunning
	nextTask.TimeSlice = TimeSliceTicks
	s.switches++

	if s.current == -1 {
		s.current = next
		s.startFn(&nextTask.Context)
		return
	}

	prev := &s.tasks[s.current]
	s.current = next
	s.switchFn(&prev.Context, &nextTask.Context)
}

// Tick runs on every timer interrupt with interrupts already disabled by
// the CPU (spec.md §4.8 scheduler_tick). It decrements the current task's
// slice unless idle, and reschedules when the slice reaches zero or when
// the ready queue became non-empty while idle was running.
func (s *Scheduler) Tick() {
	if s.current == idleSlot {
		s.idleTicks++
		if len(s.ready) > 0 {
			s.Schedule()
		}
		return
	}

	s.busyTicks++
	if s.current == -1 {
		return
	}
	cur := &s.tasks[s.current]
	cur.TimeSlice--
	if cur.TimeSlice <= 0 {
		s.Schedule()
	}
}

// Yield implements spec.md §4.8's "yield() is cli; schedule(); sti".
func (s *Scheduler) Yield() {
	s.cli()
	s.Schedule()
	s.sti()
}

// Block suspends the calling task (spec.md §3's Blocked state, §4.8's
// "→ Blocked (self)" transition, §5's process_block() suspension point). It
// marks the current task Blocked rather than Ready, so Schedule's demote
// step leaves it out of the ready queue entirely, then reschedules. The
// blocked task only runs again once something calls Unblock on its slot.
func (s *Scheduler) Block() {
	if s.current == -1 || s.current == idleSlot {
		return
	}
	s.cli()
	s.tasks[s.current].State = StateBlocked
	s.Schedule()
	s.sti()
}

// Unblock moves a Blocked task back onto the ready queue tail. It is a
// no-op for any slot not currently Blocked, so a stray wakeup racing a
// timeout can never double-enqueue a task.
func (s *Scheduler) Unblock(slot int) {
	if s.tasks[slot].State != StateBlocked {
		return
	}
	s.tasks[slot].State = StateReady
	s.enqueue(slot)
}

// Exit marks the calling task Zombie, frees its stack — kernel memory must
// be reclaimed even though the app-layer "never destroy" motto applies
// elsewhere (spec.md §4.8) — and reschedules. It never returns.
func (s *Scheduler) Exit(code int) {
	if s.current == -1 || s.current == idleSlot {
		return
	}
	cur := &s.tasks[s.current]
	cur.State = StateZombie
	cur.ExitCode = code
	if s.stacks != nil && cur.StackAddr != 0 {
		s.stacks.Free(cur.StackAddr)
		cur.StackAddr = 0
	}
	s.Schedule()
}

// IdleTicks and BusyTicks expose the idle/busy tick counters Tick maintains
// (SPEC_FULL.md §4.8 ADD: idle accounting). Nothing in the kernel logs them.
func (s *Scheduler) IdleTicks() uint64 { return s.idleTicks }
func (s *Scheduler) BusyTicks() uint64 { return s.busyTicks }

package proc

// TrapFrame is the per-process save area the trampoline assembly reads
// and writes on every user<->kernel transition. Field order is part of
// the trampoline's ABI — uservec/userret index into this struct by fixed
// byte offset, so it must never be reordered or have fields inserted.
type TrapFrame struct {
	KernelSatp   uint64 // 0: kernel page table
	KernelSp     uint64 // 8: top of process's kernel stack
	KernelTrap   uint64 // 16: usertrap address
	Epc          uint64 // 24: saved user program counter
	KernelHartid uint64 // 32: hartid, for cpuid()

	Ra uint64
	Sp uint64
	Gp uint64
	Tp uint64
	T0 uint64
	T1 uint64
	T2 uint64
	S0 uint64
	S1 uint64
	A0 uint64
	A1 uint64
	A2 uint64
	A3 uint64
	A4 uint64
	A5 uint64
	A6 uint64
	A7 uint64
	S2 uint64
	S3 uint64
	S4 uint64
	S5 uint64
	S6 uint64
	S7 uint64
	S8 uint64
	S9 uint64
	S10 uint64
	S11 uint64
	T3 uint64
	T4 uint64
	T5 uint64
	T6 uint64
}

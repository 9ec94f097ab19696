package hcall

// Reserved core-service hypercall ids, per spec §4.6 ("A small set of ids
// is reserved for core services: test, OS debug message, request
// guest-physical base of VMM memory, request telemetry dump, balloon
// control, CPU-frequency query. All others are device- or
// extension-defined.") and the original implementation's concrete
// numbering (original_source/palacios/include/palacios/vmm_hypercall.h).
const (
	Test         uint16 = 0x0001
	MemOffset    uint16 = 0x1000 // request guest-physical base of VMM memory
	GuestInfo    uint16 = 0x3000
	Telemetry    uint16 = 0x3001 // request telemetry dump
	BalloonStart uint16 = 0xba00 // balloon control: grow
	BalloonQuery uint16 = 0xba01 // balloon control: query
	OSDebug      uint16 = 0xc0c0 // OS debug message
	TimeCPUFreq  uint16 = 0xd000 // CPU-frequency query
)

package errors

type ExitCode int

const (
	// Sweep-level configuration problems, fatal before any trial runs.
	BadConfigExitCode               ExitCode = 64
	CapacityExceededAtStartExitCode ExitCode = 65

	// Storage faults that stop this worker; siblings keep running.
	StorageFailureExitCode    ExitCode = 70
	StorageCorruptionExitCode ExitCode = 71

	// The sweep halted on its broken-trial ceiling.
	MaxBrokenExitCode ExitCode = 80
)

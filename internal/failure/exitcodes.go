package failure

// Exit codes returned to the process supervisor. These values are an external
// contract consumed by init systems and monitoring; do not renumber them.
const (
	ExitSuccess = 0

	// ExitWrongMachineState is used by startup checks that detect an unusable
	// host (missing directories, bad limits) and by membership configuration
	// failures.
	ExitWrongMachineState = 1

	// ExitWrongDiskState is used for data-directory migration and scrub failures.
	ExitWrongDiskState = 3

	// ExitUnexpected is the default for any fatal failure that carries no code.
	ExitUnexpected = 3

	// ExitWrongConfig is used by startup checks that reject the configuration.
	ExitWrongConfig = 100
)

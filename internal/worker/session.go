package worker

// SessionConfig is the pool-wide context every Controller of one run
// shares. It is passed in explicitly and never mutated.
type SessionConfig struct {
	// RunID correlates the output of every worker in the run.
	RunID string

	// WorkerCount is the size of the pool.
	WorkerCount int

	// MainArgs is the coordinator's own command line.
	MainArgs []string

	// Args are the run arguments. For workers that do not share the
	// coordinator's filesystem they are rebased onto Roots.
	Args []string

	// Options is forwarded to workers as-is.
	Options map[string]any

	// Roots are the source roots transferred to remote workers.
	Roots []string

	// SearchPath is restored on in-process workers after sync.
	SearchPath []string
}

// WorkerInput is the bootstrap identity of one worker.
type WorkerInput struct {
	WorkerID    string
	WorkerCount int
	TestRunUID  string
	MainArgs    []string
}

// ToMap renders the input with its wire field names.
func (w WorkerInput) ToMap() map[string]any {
	mainArgs := w.MainArgs
	if mainArgs == nil {
		mainArgs = []string{}
	}
	return map[string]any{
		"workerid":    w.WorkerID,
		"workercount": w.WorkerCount,
		"testrunuid":  w.TestRunUID,
		"mainargs":    mainArgs,
	}
}

// Command is a message the coordinator sends to a worker.
type Command string

const (
	CommandRunTests Command = "runtests"
	CommandRunAll   Command = "runtests_all"
	CommandSteal    Command = "steal"
	CommandShutdown Command = "shutdown"
)

// Valid reports whether c is a known command.
func (c Command) Valid() bool {
	switch c {
	case CommandRunTests, CommandRunAll, CommandSteal, CommandShutdown:
		return true
	}
	return false
}

// State is the lifecycle phase of a Controller.
type State int

const (
	StateBootstrapping State = iota
	StateRunning
	StateShuttingDown
	StateDown
)

func (s State) String() string {
	switch s {
	case StateBootstrapping:
		return "bootstrapping"
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting down"
	case StateDown:
		return "down"
	default:
		return "unknown"
	}
}

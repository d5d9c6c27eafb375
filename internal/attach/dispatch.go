package attach

import "os"

// Dispatch checks whether this process was re-exec'd into one of the
// attach helper's hidden stages and, if so, runs it and exits — never
// returning. cmd/vasumd calls this first thing in main, before cobra
// ever sees argv, exactly like runc's own nsenter/init dispatch.
func Dispatch() {
	if len(os.Args) < 2 {
		return
	}

	switch os.Args[1] {
	case IntermediateStageArg:
		os.Exit(RunIntermediateStage())
	case InnerStageArg:
		os.Exit(RunInnerStage())
	}
}

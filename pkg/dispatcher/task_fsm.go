package dispatcher

import (
	"fmt"

	"github.com/felixgeelhaar/statekit"
)

// TaskStatus is the scheduling state of a task.
type TaskStatus string

// Task states. Values double as statekit state ids.
const (
	TaskReady   TaskStatus = "ready"
	TaskRunning TaskStatus = "running"
	TaskBlocked TaskStatus = "blocked"
	TaskDone    TaskStatus = "done"
	TaskFailed  TaskStatus = "failed"
)

// Task lifecycle events.
const (
	evPick     = "pick"
	evComplete = "complete"
	evFail     = "fail"
	evRequeue  = "requeue"
	evBlock    = "block"
	evUnblock  = "unblock"
)

type taskContext struct {
	TaskID string
}

// taskMachine wraps a statekit interpreter for one task.
type taskMachine struct {
	interp *statekit.Interpreter[taskContext]
}

func newTaskMachine(taskID string, initial TaskStatus) (*taskMachine, error) {
	builder := statekit.NewMachine[taskContext]("task-" + taskID).
		WithInitial(statekit.StateID(initial)).
		WithContext(taskContext{TaskID: taskID})

	builder.State(statekit.StateID(TaskReady)).
		On(evPick).Target(statekit.StateID(TaskRunning)).
		On(evBlock).Target(statekit.StateID(TaskBlocked)).
		Done()

	builder.State(statekit.StateID(TaskRunning)).
		On(evComplete).Target(statekit.StateID(TaskDone)).
		On(evFail).Target(statekit.StateID(TaskFailed)).
		On(evRequeue).Target(statekit.StateID(TaskReady)).
		On(evBlock).Target(statekit.StateID(TaskBlocked)).
		Done()

	builder.State(statekit.StateID(TaskFailed)).
		On(evRequeue).Target(statekit.StateID(TaskReady)).
		On(evBlock).Target(statekit.StateID(TaskBlocked)).
		Done()

	builder.State(statekit.StateID(TaskBlocked)).
		On(evUnblock).Target(statekit.StateID(TaskReady)).
		Done()

	builder.State(statekit.StateID(TaskDone)).
		Done()

	machine, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("build task machine: %w", err)
	}
	interp := statekit.NewInterpreter(machine)
	interp.Start()
	return &taskMachine{interp: interp}, nil
}

func (m *taskMachine) current() TaskStatus {
	return TaskStatus(m.interp.State().Value)
}

// fire sends ev and reports an error if the state did not move.
func (m *taskMachine) fire(ev string) error {
	before := m.current()
	m.interp.Send(statekit.Event{Type: statekit.EventType(ev)})
	if after := m.current(); after == before {
		return fmt.Errorf("event %q not allowed in state %s", ev, before)
	}
	return nil
}

package mirror

import (
	"errors"

	mesos "github.com/mesos/mesos-go/api/v1/lib"
)

var errNotANumber = errors.New("mirror: not a number")

func mesosFrameworkID(value string) mesos.FrameworkID {
	return mesos.FrameworkID{Value: value}
}

func mesosAgentID(value string) mesos.AgentID {
	return mesos.AgentID{Value: value}
}

func mesosTaskID(value string) mesos.TaskID {
	return mesos.TaskID{Value: value}
}

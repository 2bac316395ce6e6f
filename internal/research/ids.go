package research

import (
	"fmt"
	"strconv"
	"strings"
)

// NextTaskID returns the next stable id for a task of the given type,
// counting past both executed plan tasks and already-assigned ids so that
// ids never collide across iterations.
func NextTaskID(taskType TaskType, existing ...[]PlanTask) string {
	prefix := taskPrefixLiterature
	if taskType == TaskAnalysis {
		prefix = taskPrefixAnalysis
	}
	max := 0
	for _, tasks := range existing {
		for _, task := range tasks {
			n, ok := taskIDNumber(task.ID, prefix)
			if ok && n > max {
				max = n
			}
		}
	}
	return fmt.Sprintf("%s%d", prefix, max+1)
}

func taskIDNumber(id, prefix string) (int, bool) {
	if !strings.HasPrefix(id, prefix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(id, prefix))
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

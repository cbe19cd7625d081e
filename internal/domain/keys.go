package domain

import "fmt"

// Storage key layout shared by the embedded and SQL persistence adapters.

func StateKey(id string) string {
	return fmt.Sprintf("state:%s", id)
}

func ContextKey(executionID, actorID string) string {
	return fmt.Sprintf("context:%s:%s", executionID, actorID)
}

func ContextPrefix(executionID string) string {
	return fmt.Sprintf("context:%s:", executionID)
}

func NodeKey(workflowID, nodeID string) string {
	return fmt.Sprintf("node:%s:%s", workflowID, nodeID)
}

func NodePrefix(workflowID string) string {
	return fmt.Sprintf("node:%s:", workflowID)
}

func EdgeKey(workflowID, sourceSocket, targetSocket string) string {
	return fmt.Sprintf("edge:%s:%s->%s", workflowID, sourceSocket, targetSocket)
}

func EdgePrefix(workflowID string) string {
	return fmt.Sprintf("edge:%s:", workflowID)
}

func ExecutionKey(executionID string) string {
	return fmt.Sprintf("execution:%s", executionID)
}

func ExecutionEventPrefix(executionID string) string {
	return fmt.Sprintf("event:%s:", executionID)
}

func ExecutionEventKey(executionID string, seq uint64) string {
	return fmt.Sprintf("event:%s:%020d", executionID, seq)
}

func ExecutionSeqKey(executionID string) string {
	return fmt.Sprintf("seq:%s", executionID)
}

package models

type TaskKind string

const (
	ResolveProfileTask    TaskKind = "resolve_profile"
	LogMessageTask        TaskKind = "log_message"
	RequestCompletionTask TaskKind = "request_completion"
)

type TaskState string

const (
	TaskRunning  TaskState = "running"
	TaskFinished TaskState = "finished"
)

package task

type Status string

const (
	Idle          Status = "IDLE"
	Processing    Status = "PROCESSING"
	Done          Status = "DONE"
	UnknownStatus Status = ""
)

package task

type Kind string

const (
	Grouping Kind = "GROUPING"
	Sorting  Kind = "SORTING"

	UnknownKind Kind = ""
)

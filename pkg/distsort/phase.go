package distsort

type Phase string

const (
	GroupingPhase Phase = "GROUPING"
	SortingPhase  Phase = "SORTING"
	DonePhase     Phase = "DONE"
)

// Progress is an operator view of the completion counts.
type Progress struct {
	Phase         Phase
	GroupingDone  int
	GroupingTotal int
	SortingDone   int
	SortingTotal  int
	Pending       int
}

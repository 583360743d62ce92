package task

// Task is a unit of work handed to exactly one worker. Kind selects which of
// the metadata pointers is set.
type Task struct {
	Key   string // also the output file name
	Kind  Kind
	Owner string // worker the task is pinned to, empty for any worker

	Grouping *GroupingMetadata
	Sorting  *SortingMetadata
}

type GroupingMetadata struct {
	ShardFile    string
	PrefixLength int
	ShardSplit   int
}

type SortingMetadata struct {
	BucketKey string
	Fragments []string
}

func NewGrouping(key, owner, shardFile string, prefixLength, shardSplit int) *Task {
	return &Task{
		Key:   key,
		Kind:  Grouping,
		Owner: owner,
		Grouping: &GroupingMetadata{
			ShardFile:    shardFile,
			PrefixLength: prefixLength,
			ShardSplit:   shardSplit,
		},
	}
}

func NewSorting(key, bucketKey string, fragments []string) *Task {
	return &Task{
		Key:  key,
		Kind: Sorting,
		Sorting: &SortingMetadata{
			BucketKey: bucketKey,
			Fragments: fragments,
		},
	}
}

// Valid reports whether the payload matches the kind.
func (t *Task) Valid() bool {
	if t == nil || t.Key == "" {
		return false
	}
	switch t.Kind {
	case Grouping:
		return t.Grouping != nil && t.Sorting == nil
	case Sorting:
		return t.Sorting != nil && t.Grouping == nil
	default:
		return false
	}
}

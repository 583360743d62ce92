package task

import "testing"

func TestValid(t *testing.T) {
	tests := []struct {
		name string
		task *Task
		want bool
	}{
		{"grouping", NewGrouping("w1", "w1", "shard", 1, 2), true},
		{"sorting", NewSorting("sorted_97", "a", []string{"97_w1"}), true},
		{"nil", nil, false},
		{"no key", &Task{Kind: Grouping, Grouping: &GroupingMetadata{}}, false},
		{"missing payload", &Task{Key: "k", Kind: Sorting}, false},
		{"mixed payload", &Task{Key: "k", Kind: Grouping, Grouping: &GroupingMetadata{}, Sorting: &SortingMetadata{}}, false},
		{"unknown kind", &Task{Key: "k"}, false},
	}
	for _, tt := range tests {
		if got := tt.task.Valid(); got != tt.want {
			t.Errorf("%s: Valid() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

package distsort

import "log"

// Debug enables DPrintf output.
var Debug = false

func DPrintf(format string, a ...interface{}) {
	if Debug {
		log.Printf(format, a...)
	}
}

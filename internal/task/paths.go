package task

// PartPath is where a task's in-progress data lives until finalization
// renames it onto the destination.
func PartPath(destination string) string {
	return destination + ".fetchy-part"
}

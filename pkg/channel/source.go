package channel

// Source identifies which edge of the coordinator produced a message on its
// processing loop. The coordinator uses it for logging; dispatch is driven by
// the content type alone.
type Source string

const (
	SourceSignaling Source = "signaling"
	SourceMedia     Source = "media"
	SourcePush      Source = "push"
	SourceTimer     Source = "timer"
)

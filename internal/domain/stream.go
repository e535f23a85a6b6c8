package domain

// StreamRequest carries what a connection asked for before any engine work:
// the source to pull and how to shape it.
type StreamRequest struct {
	SourceURL string
	Profile   string
	Transcode bool
}

package models

// Batch is the unit handed to a sink. When the compress stage is enabled
// Payload holds the encoded events and Encoding names the codec used.
type Batch struct {
	Sink     string   `json:"sink"`
	Events   []*Event `json:"events"`
	Payload  []byte   `json:"-"`
	Encoding string   `json:"encoding,omitempty"`
	Attempt  int      `json:"attempt"`
}

// Len returns the number of events in the batch
func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Events)
}

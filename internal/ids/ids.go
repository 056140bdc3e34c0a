package ids

import "github.com/segmentio/ksuid"

// New returns a time-ordered, globally unique identifier. KSUIDs carry 128
// bits of randomness so an id is never handed out twice.
func New() string {
	return ksuid.New().String()
}

func Valid(id string) bool {
	_, err := ksuid.Parse(id)
	return err == nil
}

package store

import "github.com/google/uuid"

func randomID() string {
	return uuid.NewString()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

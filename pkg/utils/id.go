package utils

import (
	"github.com/google/uuid"
)

// GenerateViewerID returns a fresh id for one viewer registration
func GenerateViewerID() string {
	return "v-" + uuid.NewString()
}

// GenerateGeneration identifies one offering session instance
func GenerateGeneration() string {
	return uuid.NewString()
}

// GenerateClientID identifies one signaling hub connection
func GenerateClientID() string {
	return "c-" + uuid.NewString()
}

// GenerateRequestID generates a unique request ID
func GenerateRequestID() string {
	return "req-" + uuid.NewString()
}

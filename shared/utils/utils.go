package utils

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// GenerateID generates a unique ID with the given prefix
func GenerateID(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString())
}

// ValidatePhoneNumberID validates the saved phone number ID format
func ValidatePhoneNumberID(id string) bool {
	if !strings.HasPrefix(id, "phn-") {
		return false
	}
	_, err := uuid.Parse(strings.TrimPrefix(id, "phn-"))
	return err == nil
}
